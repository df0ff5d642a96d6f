//go:build v8

// Package v8engine runs the bridge on V8 through tommie/v8go.
package v8engine

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/cryguy/jsbridge/internal/core"
	v8 "github.com/tommie/v8go"
)

// Runtime is one isolate with a single context.
type Runtime struct {
	iso *v8.Isolate
	ctx *v8.Context
}

var _ core.Engine = (*Runtime)(nil)

// New creates the isolate. The caller's goroutine must stay on its OS
// thread for the lifetime of the engine.
func New(cfg core.EngineConfig) (core.Engine, error) {
	var iso *v8.Isolate
	if cfg.MemoryLimitMB > 0 {
		limit := uint64(cfg.MemoryLimitMB) << 20
		iso = v8.NewIsolate(v8.WithResourceConstraints(limit/2, limit))
	} else {
		iso = v8.NewIsolate()
	}
	return &Runtime{iso: iso, ctx: v8.NewContext(iso)}, nil
}

func (r *Runtime) Close() {
	if r.ctx == nil {
		return
	}
	r.ctx.Close()
	r.iso.Dispose()
	r.ctx, r.iso = nil, nil
}

func (r *Runtime) run(js, origin string) (*v8.Value, error) {
	return r.ctx.RunScript(js, origin)
}

func (r *Runtime) Eval(js string) error {
	_, err := r.run(js, "eval.js")
	return err
}

func (r *Runtime) EvalString(js string) (string, error) {
	v, err := r.run(js, "eval.js")
	if err != nil || v == nil {
		return "", err
	}
	return v.String(), nil
}

func (r *Runtime) EvalBool(js string) (bool, error) {
	v, err := r.run(js, "eval.js")
	if err != nil || v == nil {
		return false, err
	}
	return v.Boolean(), nil
}

func (r *Runtime) EvalInt(js string) (int, error) {
	v, err := r.run(js, "eval.js")
	if err != nil || v == nil {
		return 0, err
	}
	return int(v.Integer()), nil
}

// RegisterFunc installs fn as globalThis[name]. Parameters may be string,
// int, int64, float64 or bool; missing arguments throw a TypeError. A
// trailing error result also throws.
func (r *Runtime) RegisterFunc(name string, fn any) error {
	fv := reflect.ValueOf(fn)
	ft := fv.Type()
	if ft.Kind() != reflect.Func {
		return fmt.Errorf("RegisterFunc %s: expected function, got %T", name, fn)
	}
	withErr := ft.NumOut() > 0 && ft.Out(ft.NumOut()-1) == reflect.TypeFor[error]()

	tmpl := v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) < ft.NumIn() {
			return r.throw(fmt.Sprintf("%s: want %d arguments, got %d", name, ft.NumIn(), len(args)))
		}
		in := make([]reflect.Value, ft.NumIn())
		for i := range in {
			in[i] = fromJS(args[i], ft.In(i))
		}
		out := fv.Call(in)
		if withErr {
			if e := out[len(out)-1]; !e.IsNil() {
				return r.throw(fmt.Sprintf("%s: %v", name, e.Interface()))
			}
			out = out[:len(out)-1]
		}
		if len(out) == 0 {
			return nil
		}
		v, err := r.toJS(out[0].Interface())
		if err != nil {
			return r.throw(fmt.Sprintf("%s: %v", name, err))
		}
		return v
	})
	return r.ctx.Global().Set(name, tmpl.GetFunction(r.ctx))
}

func (r *Runtime) throw(msg string) *v8.Value {
	text, _ := v8.NewValue(r.iso, msg)
	if ctor, err := r.ctx.Global().Get("TypeError"); err == nil {
		if fn, err := ctor.AsFunction(); err == nil {
			if obj, err := fn.NewInstance(text); err == nil {
				return r.iso.ThrowException(obj.Value)
			}
		}
	}
	return r.iso.ThrowException(text)
}

func (r *Runtime) SetGlobal(name string, value any) error {
	v, err := r.toJS(value)
	if err != nil {
		return fmt.Errorf("SetGlobal %s: %w", name, err)
	}
	return r.ctx.Global().Set(name, v)
}

func (r *Runtime) RunMicrotasks() {
	r.ctx.PerformMicrotaskCheckpoint()
}

// BinaryMode reports "sab": bytes move through a SharedArrayBuffer whose
// backing store Go can copy into or out of directly.
func (r *Runtime) BinaryMode() string { return "sab" }

func (r *Runtime) ReadBinaryFromJS(globalName string) ([]byte, error) {
	defer r.run(fmt.Sprintf("delete globalThis[%q]", globalName), "bt_cleanup.js")
	v, err := r.ctx.Global().Get(globalName)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", globalName, err)
	}
	data, release, err := v.SharedArrayBufferGetContents()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", globalName, err)
	}
	defer release()
	return append([]byte(nil), data...), nil
}

// WriteBinaryToJS fills a SharedArrayBuffer from Go, then copies it into a
// plain ArrayBuffer at globalThis[globalName].
func (r *Runtime) WriteBinaryToJS(globalName string, data []byte) error {
	const tmp = "__v8_bt_tmp"
	if _, err := r.run(fmt.Sprintf("globalThis.%s = new SharedArrayBuffer(%d)", tmp, len(data)), "bt_alloc.js"); err != nil {
		return fmt.Errorf("allocating transfer buffer: %w", err)
	}
	if len(data) > 0 {
		v, err := r.ctx.Global().Get(tmp)
		if err == nil {
			var dst []byte
			var release func()
			if dst, release, err = v.SharedArrayBufferGetContents(); err == nil {
				copy(dst, data)
				release()
			}
		}
		if err != nil {
			_, _ = r.run("delete globalThis."+tmp, "bt_cleanup.js")
			return fmt.Errorf("filling transfer buffer: %w", err)
		}
	}
	_, err := r.run(fmt.Sprintf(`(() => {
		const sab = globalThis.%[1]s;
		delete globalThis.%[1]s;
		const buf = new ArrayBuffer(sab.byteLength);
		new Uint8Array(buf).set(new Uint8Array(sab));
		globalThis[%[2]q] = buf;
	})()`, tmp, globalName), "bt_copy.js")
	return err
}

func fromJS(v *v8.Value, t reflect.Type) reflect.Value {
	switch t.Kind() {
	case reflect.String:
		return reflect.ValueOf(v.String())
	case reflect.Int:
		return reflect.ValueOf(int(v.Integer()))
	case reflect.Int64:
		return reflect.ValueOf(v.Integer())
	case reflect.Float64:
		return reflect.ValueOf(v.Number())
	case reflect.Bool:
		return reflect.ValueOf(v.Boolean())
	}
	return reflect.Zero(t)
}

// toJS converts scalars directly and anything else through JSON.
func (r *Runtime) toJS(x any) (*v8.Value, error) {
	switch x := x.(type) {
	case nil:
		return v8.Undefined(r.iso), nil
	case *v8.Value:
		return x, nil
	case string, bool, float64, int32:
		return v8.NewValue(r.iso, x)
	case int:
		return v8.NewValue(r.iso, float64(x))
	case int64:
		return v8.NewValue(r.iso, float64(x))
	}
	data, err := json.Marshal(x)
	if err != nil {
		return nil, err
	}
	return v8.JSONParse(r.ctx, string(data))
}
