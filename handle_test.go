package jsbridge

import (
	"bytes"
	"context"
	"errors"
	"math"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestPropertyAccess(t *testing.T) {
	rt := newTestRuntime(t, nil)

	run(t, rt, func(h *Handle) error {
		obj, err := h.Eval(`({a: 1, b: "two", list: [10, 20]})`)
		if err != nil {
			return err
		}
		if !obj.IsObject() || obj.Class() != ClassObject {
			t.Errorf("Eval returned %#v, want a plain object", obj)
		}

		keys, err := h.Keys(obj)
		if err != nil {
			return err
		}
		if !slices.Equal(keys, []string{"a", "b", "list"}) {
			t.Errorf("Keys = %v", keys)
		}

		a, err := h.Get(obj, "a")
		if err != nil {
			return err
		}
		if n, ok := a.AsNumber(); !ok || n != 1 {
			t.Errorf("a = %#v, want 1", a)
		}

		list, err := h.Get(obj, "list")
		if err != nil {
			return err
		}
		if !list.IsArray() {
			t.Errorf("list = %#v, want an array", list)
		}
		second, err := h.GetIndex(list, 1)
		if err != nil {
			return err
		}
		if n, _ := second.AsNumber(); n != 20 {
			t.Errorf("list[1] = %#v, want 20", second)
		}

		if err := h.Set(obj, "c", String("three")); err != nil {
			return err
		}
		c, err := h.Get(obj, "c")
		if err != nil {
			return err
		}
		if s, _ := c.AsString(); s != "three" {
			t.Errorf("c = %#v, want three", c)
		}

		has, err := h.Has(obj, "b")
		if err != nil {
			return err
		}
		missing, err := h.Has(obj, "zzz")
		if err != nil {
			return err
		}
		if !has || missing {
			t.Errorf("Has(b) = %t, Has(zzz) = %t", has, missing)
		}

		if _, err := h.Get(Undefined(), "x"); err == nil {
			t.Error("Get on undefined succeeded")
		}
		if err := h.Set(Number(1), "x", Null()); err == nil {
			t.Error("Set on a number succeeded")
		}
		return nil
	})
}

func TestPrimitiveRoundTrip(t *testing.T) {
	rt := newTestRuntime(t, nil)

	run(t, rt, func(h *Handle) error {
		identity, err := h.Eval(`(x) => x`)
		if err != nil {
			return err
		}
		for _, v := range []Value{
			Undefined(), Null(), Bool(true), Bool(false), Number(0), Number(-2.5),
			Number(math.Inf(1)), Number(math.Inf(-1)), String(""), String("héllo"), BigInt("123456789012345678901234567890"),
		} {
			got, err := h.Call(identity, Undefined(), v)
			if err != nil {
				return err
			}
			if eq, err := h.Equal(got, v); err != nil || !eq {
				t.Errorf("identity(%#v) = %#v", v, got)
			}
		}

		nan, err := h.Call(identity, Undefined(), Number(math.NaN()))
		if err != nil {
			return err
		}
		if n, ok := nan.AsNumber(); !ok || !math.IsNaN(n) {
			t.Errorf("identity(NaN) = %#v", nan)
		}

		typeOf, err := h.Eval(`(x) => typeof x`)
		if err != nil {
			return err
		}
		got, err := h.Call(typeOf, Undefined(), BigInt("5"))
		if err != nil {
			return err
		}
		if s, _ := got.AsString(); s != "bigint" {
			t.Errorf("typeof BigInt = %#v", got)
		}

		sym, err := h.Eval(`Symbol("tag")`)
		if err != nil {
			return err
		}
		if sym.Kind() != KindSymbol || sym.Description() != "tag" || sym.TypeOf() != "symbol" {
			t.Errorf("symbol = %#v", sym)
		}
		got, err = h.Call(typeOf, Undefined(), sym)
		if err != nil {
			return err
		}
		if s, _ := got.AsString(); s != "symbol" {
			t.Errorf("typeof symbol = %#v", got)
		}
		return nil
	})
}

func TestCallAndConstruct(t *testing.T) {
	rt := newTestRuntime(t, nil)

	run(t, rt, func(h *Handle) error {
		fn, err := h.Eval(`(function(x) { return this.base + x; })`)
		if err != nil {
			return err
		}
		if !fn.IsFunction() || fn.TypeOf() != "function" {
			t.Errorf("fn = %#v", fn)
		}
		this, err := h.NewRecord([]string{"base"}, []Value{Number(10)})
		if err != nil {
			return err
		}
		got, err := h.Call(fn, this, Number(5))
		if err != nil {
			return err
		}
		if n, _ := got.AsNumber(); n != 15 {
			t.Errorf("Call = %#v, want 15", got)
		}

		ctor, err := h.Eval(`(class Point { constructor(x) { this.x = x; } })`)
		if err != nil {
			return err
		}
		p, err := h.Construct(ctor, Number(7))
		if err != nil {
			return err
		}
		x, err := h.Get(p, "x")
		if err != nil {
			return err
		}
		if n, _ := x.AsNumber(); n != 7 {
			t.Errorf("p.x = %#v, want 7", x)
		}
		ok, err := h.InstanceOf(p, ctor)
		if err != nil {
			return err
		}
		if !ok {
			t.Error("instanceof = false")
		}

		if _, err := h.Call(Number(1), Undefined()); err == nil {
			t.Error("calling a number succeeded")
		}
		return nil
	})
}

func TestExceptionsBecomeJSError(t *testing.T) {
	rt := newTestRuntime(t, nil)

	run(t, rt, func(h *Handle) error {
		_, err := h.Eval(`throw new TypeError("bad input")`)
		var jsErr *JSError
		if !errors.As(err, &jsErr) {
			t.Errorf("Eval error = %v, want *JSError", err)
			return nil
		}
		if jsErr.Message != "bad input" {
			t.Errorf("Message = %q", jsErr.Message)
		}
		if jsErr.Value.Class() != ClassError {
			t.Errorf("thrown value class = %q, want error", jsErr.Value.Class())
		}

		_, err = h.Eval(`throw "plain"`)
		if !errors.As(err, &jsErr) || jsErr.Message != "plain" {
			t.Errorf("thrown string = %v", err)
		}
		return nil
	})
}

func TestHostFunction(t *testing.T) {
	rt := newTestRuntime(t, nil)

	run(t, rt, func(h *Handle) error {
		g, err := h.Global()
		if err != nil {
			return err
		}
		add, err := h.NewFunction("add", func(h *Handle, _ Value, args []Value) (Value, error) {
			var a, b float64
			if err := h.Unmarshal(args[0], &a); err != nil {
				return Undefined(), err
			}
			if err := h.Unmarshal(args[1], &b); err != nil {
				return Undefined(), err
			}
			return Number(a + b), nil
		})
		if err != nil {
			return err
		}
		fail, err := h.NewFunction("fail", func(*Handle, Value, []Value) (Value, error) {
			return Undefined(), errors.New("nope")
		})
		if err != nil {
			return err
		}
		relay, err := h.NewFunction("relay", func(h *Handle, _ Value, args []Value) (Value, error) {
			return h.Call(args[0], Undefined())
		})
		if err != nil {
			return err
		}
		crash, err := h.NewFunction("crash", func(*Handle, Value, []Value) (Value, error) {
			panic("host blew up")
		})
		if err != nil {
			return err
		}
		makeObj, err := h.NewFunction("makeObj", func(h *Handle, _ Value, _ []Value) (Value, error) {
			return h.NewRecord([]string{"made"}, []Value{Bool(true)})
		})
		if err != nil {
			return err
		}
		for name, fn := range map[string]Value{"add": add, "fail": fail, "relay": relay, "crash": crash, "makeObj": makeObj} {
			if err := h.Set(g, name, fn); err != nil {
				return err
			}
		}
		return nil
	})

	checks := []struct {
		src  string
		want any
	}{
		{`add(2, 3)`, 5.0},
		{`add.name`, "add"},
		{`(() => { try { fail(); return "no"; } catch (e) { return (e instanceof Error) + ":" + e.message; } })()`, "true:nope"},
		{`(() => { const o = {tag: 1}; try { relay(() => { throw o; }); } catch (e) { return e === o; } })()`, true},
		{`relay(() => 42)`, 42.0},
		{`(() => { try { crash(); } catch (e) { return e.message.includes("host blew up"); } })()`, true},
		{`makeObj().made && makeObj() !== makeObj()`, true},
		{`(() => { try { add("x", 1); } catch (e) { return e.message; } })()`, "expected number, got string"},
	}
	for _, c := range checks {
		if got := evalAwait(t, rt, c.src); got != c.want {
			t.Errorf("%s = %v, want %v", c.src, got, c.want)
		}
	}

	run(t, rt, func(h *Handle) error {
		_, err := h.Eval(`fail()`)
		var jsErr *JSError
		if !errors.As(err, &jsErr) || jsErr.Message != "nope" {
			t.Errorf("uncaught host error = %v", err)
		}
		return nil
	})
}

func TestEqualAndClone(t *testing.T) {
	rt := newTestRuntime(t, nil)

	run(t, rt, func(h *Handle) error {
		a, err := h.NewObject()
		if err != nil {
			return err
		}
		b, err := h.NewObject()
		if err != nil {
			return err
		}
		c, err := h.Clone(a)
		if err != nil {
			return err
		}
		same, err := h.Equal(a, c)
		if err != nil {
			return err
		}
		different, err := h.Equal(a, b)
		if err != nil {
			return err
		}
		if !same || different {
			t.Errorf("Equal(a, clone) = %t, Equal(a, b) = %t", same, different)
		}
		if eq, _ := h.Equal(Number(1), String("1")); eq {
			t.Error("1 === \"1\"")
		}
		if eq, _ := h.Equal(Number(math.NaN()), Number(math.NaN())); eq {
			t.Error("NaN === NaN")
		}

		// The clone has its own slot and outlives the original.
		h.Release(a)
		if _, err := h.Keys(c); err != nil {
			t.Errorf("clone after releasing original: %v", err)
		}
		if _, err := h.Keys(a); !errors.Is(err, ErrStaleValue) {
			t.Errorf("released original = %v, want ErrStaleValue", err)
		}
		return nil
	})
}

func TestDisplay(t *testing.T) {
	rt := newTestRuntime(t, nil)

	run(t, rt, func(h *Handle) error {
		cases := []struct {
			src  string
			want string
		}{
			{`undefined`, "undefined"},
			{`null`, "null"},
			{`1.5`, "1.5"},
			{`42`, "42"},
			{`[1, 2]`, "1,2"},
			{`({})`, "[object Object]"},
			{`({toString() { throw new Error("no"); }})`, "[object Object]"},
			{`Symbol("s")`, "Symbol(s)"},
		}
		for _, c := range cases {
			v, err := h.Eval(c.src)
			if err != nil {
				return err
			}
			got, err := h.Display(v)
			if err != nil {
				return err
			}
			if got != c.want {
				t.Errorf("Display(%s) = %q, want %q", c.src, got, c.want)
			}
		}
		return nil
	})
}

func TestTypeOf(t *testing.T) {
	rt := newTestRuntime(t, nil)

	run(t, rt, func(h *Handle) error {
		for _, src := range []string{`undefined`, `null`, `true`, `1`, `"s"`, `Symbol()`, `1n`, `({})`, `[]`, `() => 1`, `(class A {})`, `Promise.resolve()`} {
			v, err := h.Eval(src)
			if err != nil {
				return err
			}
			want, err := h.Eval("typeof (" + src + ")")
			if err != nil {
				return err
			}
			if got, _ := want.AsString(); h.TypeOf(v) != got {
				t.Errorf("TypeOf(%s) = %q, want %q", src, h.TypeOf(v), got)
			}
		}
		return nil
	})
}

func TestScopesReleaseValues(t *testing.T) {
	rt := newTestRuntime(t, nil)

	var kept, dropped Value
	run(t, rt, func(h *Handle) error {
		var inner Value
		err := h.Scope(func() error {
			var err error
			inner, err = h.NewObject()
			return err
		})
		if err != nil {
			return err
		}
		if _, err := h.Keys(inner); !errors.Is(err, ErrStaleValue) {
			t.Errorf("value after its scope = %v, want ErrStaleValue", err)
		}
		if _, err := h.Persist(inner); !errors.Is(err, ErrStaleValue) {
			t.Errorf("Persist stale value = %v, want ErrStaleValue", err)
		}

		if kept, err = h.Eval(`({n: 1})`); err != nil {
			return err
		}
		if _, err := h.Persist(kept); err != nil {
			return err
		}
		dropped, err = h.Eval(`({n: 2})`)
		return err
	})

	run(t, rt, func(h *Handle) error {
		if _, err := h.Get(kept, "n"); err != nil {
			t.Errorf("persisted value in a later task: %v", err)
		}
		if _, err := h.Get(dropped, "n"); !errors.Is(err, ErrStaleValue) {
			t.Errorf("value from an earlier task = %v, want ErrStaleValue", err)
		}
		h.Release(kept)
		h.Release(kept)
		if _, err := h.Get(kept, "n"); !errors.Is(err, ErrStaleValue) {
			t.Errorf("released value = %v, want ErrStaleValue", err)
		}
		return nil
	})
}

func TestBytes(t *testing.T) {
	rt := newTestRuntime(t, nil)

	run(t, rt, func(h *Handle) error {
		buf, err := h.NewArrayBuffer([]byte{1, 2, 3})
		if err != nil {
			return err
		}
		if buf.Class() != ClassBuffer {
			t.Errorf("class = %q, want buffer", buf.Class())
		}
		got, err := h.Bytes(buf)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, []byte{1, 2, 3}) {
			t.Errorf("Bytes = %v", got)
		}

		view, err := h.Eval(`new Uint8Array([4, 5, 6]).subarray(1)`)
		if err != nil {
			return err
		}
		if view.Class() != ClassView {
			t.Errorf("class = %q, want view", view.Class())
		}
		if got, err = h.Bytes(view); err != nil {
			return err
		}
		if !bytes.Equal(got, []byte{5, 6}) {
			t.Errorf("Bytes(view) = %v", got)
		}

		empty, err := h.NewArrayBuffer(nil)
		if err != nil {
			return err
		}
		if got, err = h.Bytes(empty); err != nil {
			return err
		}
		if got == nil || len(got) != 0 {
			t.Errorf("Bytes(empty) = %#v", got)
		}

		if _, err := h.Bytes(String("abc")); err == nil {
			t.Error("Bytes of a string succeeded")
		}
		return nil
	})
}

func TestIterateAndEntries(t *testing.T) {
	rt := newTestRuntime(t, nil)

	run(t, rt, func(h *Handle) error {
		set, err := h.Eval(`new Set(["a", "b", "c"])`)
		if err != nil {
			return err
		}
		var items []string
		err = h.Iterate(set, func(v Value) error {
			s, _ := v.AsString()
			items = append(items, s)
			return nil
		})
		if err != nil {
			return err
		}
		if strings.Join(items, "") != "abc" {
			t.Errorf("iterated %v", items)
		}

		stop := errors.New("stop")
		count := 0
		err = h.Iterate(set, func(Value) error {
			count++
			return stop
		})
		if !errors.Is(err, stop) || count != 1 {
			t.Errorf("Iterate stop = %v after %d", err, count)
		}

		if err := h.Iterate(Number(1), func(Value) error { return nil }); err == nil {
			t.Error("iterating a number succeeded")
		}

		m, err := h.Eval(`new Map([[1, "one"], ["k", 2]])`)
		if err != nil {
			return err
		}
		if m.Class() != ClassMap {
			t.Errorf("class = %q, want map", m.Class())
		}
		entries, err := h.Entries(m)
		if err != nil {
			return err
		}
		if len(entries) != 2 {
			t.Errorf("Entries = %d, want 2", len(entries))
			return nil
		}
		if n, _ := entries[0].Key.AsNumber(); n != 1 {
			t.Errorf("first key = %#v", entries[0].Key)
		}
		if s, _ := entries[1].Key.AsString(); s != "k" {
			t.Errorf("second key = %#v", entries[1].Key)
		}

		built, err := h.NewMap(Entry{Key: String("x"), Value: Number(1)})
		if err != nil {
			return err
		}
		size, err := h.Get(built, "size")
		if err != nil {
			return err
		}
		if n, _ := size.AsNumber(); n != 1 {
			t.Errorf("map size = %#v", size)
		}
		return nil
	})
}

func TestAwait(t *testing.T) {
	rt := newTestRuntime(t, nil)

	if got := evalAwait(t, rt, `new Promise((r) => setTimeout(() => r(42), 10))`); got != 42.0 {
		t.Errorf("timer promise = %v, want 42", got)
	}
	if got := evalAwait(t, rt, `Promise.resolve().then(() => "chained")`); got != "chained" {
		t.Errorf("microtask chain = %v", got)
	}
	if got := evalAwait(t, rt, `7`); got != 7.0 {
		t.Errorf("plain value = %v", got)
	}

	run(t, rt, func(h *Handle) error {
		v, err := h.Eval(`Promise.reject(new Error("rejected"))`)
		if err != nil {
			return err
		}
		_, err = h.Await(context.Background(), v)
		var jsErr *JSError
		if !errors.As(err, &jsErr) || jsErr.Message != "rejected" {
			t.Errorf("Await rejection = %v", err)
		}

		never, err := h.Eval(`new Promise(() => {})`)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		if _, err := h.Await(ctx, never); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Await pending = %v, want deadline exceeded", err)
		}
		return nil
	})
}

func TestAwaitRunsOtherTasks(t *testing.T) {
	rt := newTestRuntime(t, nil)

	run(t, rt, func(h *Handle) error {
		g, err := h.Global()
		if err != nil {
			return err
		}
		pb, promise, err := h.NewPromise()
		if err != nil {
			return err
		}
		if err := h.Set(g, "pending", promise); err != nil {
			return err
		}
		// Settled by a task queued behind this one.
		err = rt.Spawn(func(context.Context, *Handle) error {
			return pb.Resolve("from another task")
		})
		if err != nil {
			return err
		}
		v, err := h.Await(context.Background(), promise)
		if err != nil {
			return err
		}
		if s, _ := v.AsString(); s != "from another task" {
			t.Errorf("Await = %#v", v)
		}
		return nil
	})
}

func TestNewError(t *testing.T) {
	rt := newTestRuntime(t, nil)

	run(t, rt, func(h *Handle) error {
		e, err := h.NewError("made in go")
		if err != nil {
			return err
		}
		if e.Class() != ClassError {
			t.Errorf("class = %q, want error", e.Class())
		}
		msg, err := h.Get(e, "message")
		if err != nil {
			return err
		}
		if s, _ := msg.AsString(); s != "made in go" {
			t.Errorf("message = %#v", msg)
		}
		return nil
	})
}
