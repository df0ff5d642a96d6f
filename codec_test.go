package jsbridge

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

type point struct {
	X float64 `jsi:"x"`
	Y float64 `jsi:"y"`
}

type profile struct {
	Name          string         `jsi:"name"`
	Age           int            `jsi:"age"`
	Tags          []string       `jsi:"tags"`
	Nick          *string        `jsi:"nick"`
	Score         float64        `jsi:"score,omitempty"`
	Secret        string         `jsi:"-"`
	Labels        map[string]int `jsi:"labels"`
	Home          point          `jsi:"home"`
	FavoriteColor string
}

type pair struct {
	Tuple
	Name string
	N    int
}

type circle struct {
	Radius float64 `jsi:"radius"`
}

type segment struct {
	Tuple
	From float64
	To   float64
}

type shape struct {
	Union
	Empty  *Unit
	Circle *circle
	Line   *segment
}

type color int

func (color) EnumNames() []string { return []string{"red", "green", "blue"} }

type shout string

func (s shout) MarshalJS(*Handle) (Value, error) { return String(strings.ToUpper(string(s))), nil }

func (s *shout) UnmarshalJS(_ *Handle, v Value) error {
	str, ok := v.AsString()
	if !ok {
		return errors.New("want a string")
	}
	*s = shout(strings.ToLower(str))
	return nil
}

// checkJS calls the JS predicate src with v and reports whether it held.
func checkJS(h *Handle, src string, v Value) (bool, error) {
	fn, err := h.Eval(src)
	if err != nil {
		return false, err
	}
	res, err := h.Call(fn, Undefined(), v)
	if err != nil {
		return false, err
	}
	ok, _ := res.AsBool()
	return ok, nil
}

func TestCodecRecordRoundTrip(t *testing.T) {
	rt := newTestRuntime(t, nil)

	in := profile{
		Name:          "ann",
		Age:           41,
		Tags:          []string{"a", "b"},
		Labels:        map[string]int{"a": 1, "b": 2},
		Home:          point{X: 1, Y: 2},
		FavoriteColor: "red",
	}
	run(t, rt, func(h *Handle) error {
		v, err := h.Marshal(in)
		if err != nil {
			return err
		}
		ok, err := checkJS(h, `(p) => p.name === "ann" && p.age === 41 && p.tags.join() === "a,b" &&
			p.nick === null && !("score" in p) && !("secret" in p) && !("Secret" in p) &&
			p.labels instanceof Map && p.labels.get("b") === 2 && p.home.y === 2 &&
			p.favoriteColor === "red"`, v)
		if err != nil {
			return err
		}
		if !ok {
			t.Error("encoded profile has the wrong shape")
		}

		var out profile
		if err := h.Unmarshal(v, &out); err != nil {
			return err
		}
		if !reflect.DeepEqual(out, in) {
			t.Errorf("round trip = %+v, want %+v", out, in)
		}
		return nil
	})
}

func TestCodecDecodesPlainObjects(t *testing.T) {
	rt := newTestRuntime(t, nil)

	run(t, rt, func(h *Handle) error {
		v, err := h.Eval(`({name: "bo", age: 7, tags: new Set(["x"]), labels: {k: 3},
			home: {x: 5, y: 6}, favoriteColor: "blue", nick: "b", extra: true})`)
		if err != nil {
			return err
		}
		var out profile
		if err := h.Unmarshal(v, &out); err != nil {
			return err
		}
		nick := "b"
		want := profile{
			Name: "bo", Age: 7, Tags: []string{"x"}, Nick: &nick,
			Labels: map[string]int{"k": 3}, Home: point{X: 5, Y: 6}, FavoriteColor: "blue",
		}
		if !reflect.DeepEqual(out, want) {
			t.Errorf("decoded %+v, want %+v", out, want)
		}

		obj, err := h.Eval(`({"1": "one", "20": "twenty"})`)
		if err != nil {
			return err
		}
		var byID map[int]string
		if err := h.Unmarshal(obj, &byID); err != nil {
			return err
		}
		if !reflect.DeepEqual(byID, map[int]string{1: "one", 20: "twenty"}) {
			t.Errorf("numeric keys = %v", byID)
		}
		return nil
	})
}

func TestCodecErrors(t *testing.T) {
	rt := newTestRuntime(t, nil)

	cases := []struct {
		name string
		src  string
		into func() any
		kind ErrorKind
		want string
	}{
		{"missing field", `({y: 1})`, func() any { return new(point) }, MissingField, `missing field "x"`},
		{"nested wrong kind", `({name: 5})`, func() any { return new(profile) }, WrongKind, "at name: expected string, got number"},
		{"element", `[1, "two"]`, func() any { return new([]int) }, WrongKind, "at [1]: expected number, got string"},
		{"not an object", `"str"`, func() any { return new(point) }, WrongKind, "expected object, got string"},
		{"fraction", `1.5`, func() any { return new(int) }, Custom, "1.5 does not fit in int"},
		{"overflow", `300`, func() any { return new(uint8) }, Custom, "300 does not fit in uint8"},
		{"negative uint", `-1`, func() any { return new(uint) }, Custom, "-1 does not fit in uint"},
		{"symbol", `Symbol()`, func() any { return new(any) }, Unsupported, "symbols cannot cross the boundary"},
		{"bigint", `1n`, func() any { return new(any) }, Unsupported, "bigints cannot cross the boundary"},
		{"custom", `[1]`, func() any { return new([]shout) }, Custom, "at [0]: want a string"},
		{"array length", `[1, 2, 3]`, func() any { return new([2]int) }, Custom, "expected 2 elements, got 3"},
		{"map key", `({abc: 1})`, func() any { return new(map[int]int) }, WrongKind, "at [abc]: expected numeric key, got string"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			run(t, rt, func(h *Handle) error {
				v, err := h.Eval(c.src)
				if err != nil {
					return err
				}
				err = h.Unmarshal(v, c.into())
				var ce *CodecError
				if !errors.As(err, &ce) {
					t.Errorf("Unmarshal = %v, want *CodecError", err)
					return nil
				}
				if ce.Kind != c.kind {
					t.Errorf("Kind = %v, want %v", ce.Kind, c.kind)
				}
				if err.Error() != c.want {
					t.Errorf("error = %q, want %q", err.Error(), c.want)
				}
				return nil
			})
		})
	}
}

func TestCodecNestingLimit(t *testing.T) {
	rt := newTestRuntime(t, nil)

	run(t, rt, func(h *Handle) error {
		v, err := h.Eval(`let a = []; for (let i = 0; i < 150; i++) a = [a]; a`)
		if err != nil {
			return err
		}
		var out any
		err = h.Unmarshal(v, &out)
		if err == nil || !strings.Contains(err.Error(), "nests more than 100 levels") {
			t.Errorf("deep value = %v", err)
		}
		return nil
	})
}

func TestCodecTuple(t *testing.T) {
	rt := newTestRuntime(t, nil)

	run(t, rt, func(h *Handle) error {
		v, err := h.Marshal(pair{Name: "a", N: 2})
		if err != nil {
			return err
		}
		ok, err := checkJS(h, `(v) => Array.isArray(v) && v.length === 2 && v[0] === "a" && v[1] === 2`, v)
		if err != nil {
			return err
		}
		if !ok {
			t.Error("tuple did not encode as an array")
		}

		src, err := h.Eval(`["b", 3]`)
		if err != nil {
			return err
		}
		var out pair
		if err := h.Unmarshal(src, &out); err != nil {
			return err
		}
		if out.Name != "b" || out.N != 3 {
			t.Errorf("decoded %+v", out)
		}

		short, err := h.Eval(`["c"]`)
		if err != nil {
			return err
		}
		if err := h.Unmarshal(short, &out); err == nil || err.Error() != `missing field "1"` {
			t.Errorf("short tuple = %v", err)
		}
		return nil
	})
}

func TestCodecUnion(t *testing.T) {
	rt := newTestRuntime(t, nil)

	run(t, rt, func(h *Handle) error {
		encodings := []struct {
			in    shape
			check string
		}{
			{shape{Empty: &Unit{}}, `(v) => v === "empty"`},
			{shape{Circle: &circle{Radius: 2}}, `(v) => Object.keys(v).join() === "circle" && v.circle.radius === 2`},
			{shape{Line: &segment{From: 1, To: 3}}, `(v) => v[0] === 1 && v[1] === 3 && v.__variant === "line"`},
		}
		for _, e := range encodings {
			v, err := h.Marshal(e.in)
			if err != nil {
				return err
			}
			ok, err := checkJS(h, e.check, v)
			if err != nil {
				return err
			}
			if !ok {
				t.Errorf("%+v failed %s", e.in, e.check)
			}
			var out shape
			if err := h.Unmarshal(v, &out); err != nil {
				return err
			}
			if !reflect.DeepEqual(out, e.in) {
				t.Errorf("round trip = %+v, want %+v", out, e.in)
			}
		}

		decodings := []struct {
			src  string
			want shape
		}{
			{`0`, shape{Empty: &Unit{}}},
			{`({empty: null})`, shape{Empty: &Unit{}}},
			{`({circle: {radius: 5}})`, shape{Circle: &circle{Radius: 5}}},
			{`({0: 4, 1: 8, __variant: "line"})`, shape{Line: &segment{From: 4, To: 8}}},
		}
		for _, d := range decodings {
			v, err := h.Eval(d.src)
			if err != nil {
				return err
			}
			var out shape
			if err := h.Unmarshal(v, &out); err != nil {
				t.Errorf("Unmarshal(%s): %v", d.src, err)
				continue
			}
			if !reflect.DeepEqual(out, d.want) {
				t.Errorf("Unmarshal(%s) = %+v, want %+v", d.src, out, d.want)
			}
		}

		failures := map[string]string{
			`"bogus"`:                       `unknown variant "bogus"`,
			`"circle"`:                      `variant "circle" carries a payload`,
			`({a: 1, b: 2})`:                "expected an object with exactly one property, got 2",
			`({0: 1, __variant: "circle"})`: `variant "circle" is not a tuple`,
			`7`:                             "variant index 7 out of range",
			`true`:                          "expected string or object, got boolean",
		}
		for src, want := range failures {
			v, err := h.Eval(src)
			if err != nil {
				return err
			}
			var out shape
			if err := h.Unmarshal(v, &out); err == nil || err.Error() != want {
				t.Errorf("Unmarshal(%s) = %v, want %q", src, err, want)
			}
		}

		if _, err := h.Marshal(shape{}); err == nil {
			t.Error("encoding a union with no variant succeeded")
		}
		return nil
	})
}

func TestCodecCustomVariantKeyAndFieldNames(t *testing.T) {
	rt := newTestRuntime(t, nil)

	c := &Codec{VariantKey: "type", FieldName: strings.ToLower}
	run(t, rt, func(h *Handle) error {
		v, err := c.Encode(h, shape{Line: &segment{From: 1, To: 2}})
		if err != nil {
			return err
		}
		ok, err := checkJS(h, `(v) => v.type === "line" && !("__variant" in v)`, v)
		if err != nil {
			return err
		}
		if !ok {
			t.Error("custom variant key not used")
		}

		v, err = c.Encode(h, profile{FavoriteColor: "teal", Tags: []string{}})
		if err != nil {
			return err
		}
		if ok, err = checkJS(h, `(v) => v.favoritecolor === "teal"`, v); err != nil {
			return err
		}
		if !ok {
			t.Error("custom field naming not used")
		}
		return nil
	})
}

func TestCodecEnum(t *testing.T) {
	rt := newTestRuntime(t, nil)

	run(t, rt, func(h *Handle) error {
		v, err := h.Marshal(color(2))
		if err != nil {
			return err
		}
		if s, _ := v.AsString(); s != "blue" {
			t.Errorf("color(2) = %#v, want blue", v)
		}
		if _, err := h.Marshal(color(7)); err == nil {
			t.Error("encoding an out of range enum succeeded")
		}

		var c color
		if err := h.Unmarshal(String("green"), &c); err != nil {
			return err
		}
		if c != 1 {
			t.Errorf("green = %d, want 1", c)
		}
		if err := h.Unmarshal(Number(0), &c); err != nil {
			return err
		}
		if c != 0 {
			t.Errorf("0 = %d, want red", c)
		}
		if err := h.Unmarshal(String("pink"), &c); err == nil || err.Error() != `unknown color "pink"` {
			t.Errorf("pink = %v", err)
		}

		// Enum map keys stay names.
		m, err := h.Eval(`({red: 1, blue: 2})`)
		if err != nil {
			return err
		}
		var counts map[color]int
		if err := h.Unmarshal(m, &counts); err != nil {
			return err
		}
		if !reflect.DeepEqual(counts, map[color]int{0: 1, 2: 2}) {
			t.Errorf("enum keys = %v", counts)
		}
		return nil
	})
}

func TestCodecContainers(t *testing.T) {
	rt := newTestRuntime(t, nil)

	run(t, rt, func(h *Handle) error {
		m, err := h.Marshal(map[int]string{2: "b", 1: "a"})
		if err != nil {
			return err
		}
		ok, err := checkJS(h, `(m) => m instanceof Map && [...m.keys()].join() === "1,2"`, m)
		if err != nil {
			return err
		}
		if !ok {
			t.Error("map did not encode as a sorted Map")
		}

		buf, err := h.Marshal([]byte{1, 2, 3})
		if err != nil {
			return err
		}
		if ok, err = checkJS(h, `(b) => b instanceof ArrayBuffer && b.byteLength === 3`, buf); err != nil {
			return err
		}
		if !ok {
			t.Error("[]byte did not encode as an ArrayBuffer")
		}

		fixed, err := h.Marshal([2]byte{9, 8})
		if err != nil {
			return err
		}
		var back [2]byte
		if err := h.Unmarshal(fixed, &back); err != nil {
			return err
		}
		if back != [2]byte{9, 8} {
			t.Errorf("[2]byte = %v", back)
		}

		view, err := h.Eval(`new Uint8Array([7, 7])`)
		if err != nil {
			return err
		}
		var raw []byte
		if err := h.Unmarshal(view, &raw); err != nil {
			return err
		}
		if string(raw) != "\x07\x07" {
			t.Errorf("typed array = %v", raw)
		}

		for _, x := range []any{nil, (*point)(nil), []int(nil), map[string]int(nil)} {
			v, err := h.Marshal(x)
			if err != nil {
				return err
			}
			if !v.IsNull() {
				t.Errorf("Marshal(%#v) = %#v, want null", x, v)
			}
		}

		var ints []int
		if err := h.Unmarshal(Undefined(), &ints); err != nil {
			return err
		}
		if ints != nil {
			t.Errorf("undefined into slice = %v", ints)
		}

		when := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
		tv, err := h.Marshal(when)
		if err != nil {
			return err
		}
		if s, _ := tv.AsString(); s != "2024-05-06T07:08:09Z" {
			t.Errorf("time = %#v", tv)
		}
		var parsed time.Time
		if err := h.Unmarshal(tv, &parsed); err != nil {
			return err
		}
		if !parsed.Equal(when) {
			t.Errorf("time round trip = %v", parsed)
		}

		sv, err := h.Marshal(shout("quiet"))
		if err != nil {
			return err
		}
		var s shout
		if err := h.Unmarshal(sv, &s); err != nil {
			return err
		}
		if str, _ := sv.AsString(); str != "QUIET" || s != "quiet" {
			t.Errorf("Marshaler = %#v, Unmarshaler = %q", sv, s)
		}
		return nil
	})
}

func TestCodecDecodeAny(t *testing.T) {
	rt := newTestRuntime(t, nil)

	got := evalAwait(t, rt, `({n: 1, s: "x", list: [true, null, undefined], m: new Map([["k", 2]])})`)
	want := map[string]any{
		"n":    1.0,
		"s":    "x",
		"list": []any{true, nil, nil},
		"m":    map[any]any{"k": 2.0},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("decoded %#v, want %#v", got, want)
	}
}

func TestCodecValuePassthrough(t *testing.T) {
	rt := newTestRuntime(t, nil)

	type withValue struct {
		Name string `jsi:"name"`
		Fn   Value  `jsi:"fn"`
	}
	run(t, rt, func(h *Handle) error {
		v, err := h.Eval(`({name: "cb", fn: () => "called"})`)
		if err != nil {
			return err
		}
		var out withValue
		if err := h.Unmarshal(v, &out); err != nil {
			return err
		}
		res, err := h.Call(out.Fn, Undefined())
		if err != nil {
			return err
		}
		if s, _ := res.AsString(); s != "called" {
			t.Errorf("fn() = %#v", res)
		}

		back, err := h.Marshal(out)
		if err != nil {
			return err
		}
		ok, err := checkJS(h, `(v) => v.name === "cb" && v.fn() === "called"`, back)
		if err != nil {
			return err
		}
		if !ok {
			t.Error("Value field not passed through")
		}
		return nil
	})
}
