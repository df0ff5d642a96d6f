package jsbridge

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strconv"

	"go.uber.org/zap"
)

// Class is the registration table that exposes a Go type to JavaScript.
// Members are declared once, then Bind wraps individual values:
//
//	var counterClass = jsbridge.NewClass[Counter]("Counter").
//		Getter("count", (*Counter).Count).
//		Method("add", (*Counter).Add, "n").
//		AsyncMethod("fetch", (*Counter).Fetch, "url")
//
// Member names go through ExportName. Getters are func(*T) R, optionally
// returning an error. Setters are func(*T, A), optionally returning an
// error. Methods are func(*T, args...) with zero, one or two results, the
// last of which may be an error; a *Handle right after the receiver is
// filled in rather than decoded. Async methods are
// func(*T, context.Context, args...) (R, error) or returning only error;
// they run on their own goroutine and must not use Values.
//
// Registration mistakes panic.
type Class[T any] struct {
	name     string
	members  []*member[T]
	includes []func(*T) HostObject
}

type member[T any] struct {
	name string
	get  func(h *Handle, t *T) (Value, error)
	set  func(h *Handle, t *T, v Value) error
	call func(h *Handle, t *T, args []Value) (Value, error)
}

// NewClass starts a registration table. name shows up in toString and
// error messages.
func NewClass[T any](name string) *Class[T] {
	return &Class[T]{name: name}
}

// Name returns the class name.
func (c *Class[T]) Name() string { return c.name }

func (c *Class[T]) member(name string) *member[T] {
	name = ExportName(name)
	for _, m := range c.members {
		if m.name == name {
			return m
		}
	}
	m := &member[T]{name: name}
	c.members = append(c.members, m)
	return m
}

func (c *Class[T]) lookup(name string) *member[T] {
	for _, m := range c.members {
		if m.name == name {
			return m
		}
	}
	return nil
}

// Getter declares a readable property.
func (c *Class[T]) Getter(name string, fn any) *Class[T] {
	m := c.member(name)
	sig := parseSignature[T](c.name+"."+m.name, fn, false, nil)
	if len(sig.args) != 0 {
		panic(fmt.Sprintf("jsbridge: getter %s.%s takes no arguments", c.name, m.name))
	}
	if m.call != nil {
		panic(fmt.Sprintf("jsbridge: %s.%s is already a method", c.name, m.name))
	}
	m.get = func(h *Handle, t *T) (Value, error) {
		return sig.invoke(h, t, nil)
	}
	return c
}

// Setter declares a writable property.
func (c *Class[T]) Setter(name string, fn any) *Class[T] {
	m := c.member(name)
	sig := parseSignature[T](c.name+"."+m.name, fn, false, []string{"value"})
	if len(sig.args) != 1 || sig.result {
		panic(fmt.Sprintf("jsbridge: setter %s.%s takes one argument and returns at most an error", c.name, m.name))
	}
	if m.call != nil {
		panic(fmt.Sprintf("jsbridge: %s.%s is already a method", c.name, m.name))
	}
	m.set = func(h *Handle, t *T, v Value) error {
		_, err := sig.invoke(h, t, []Value{v})
		return err
	}
	return c
}

// Method declares a synchronous method. argNames label decode errors;
// unnamed arguments are labelled by position.
func (c *Class[T]) Method(name string, fn any, argNames ...string) *Class[T] {
	m := c.member(name)
	c.checkMethod(m)
	sig := parseSignature[T](c.name+"."+m.name, fn, false, argNames)
	m.call = func(h *Handle, t *T, args []Value) (Value, error) {
		return sig.invoke(h, t, args)
	}
	return c
}

// AsyncMethod declares a method that returns a promise. Arguments are
// decoded on the owner goroutine; if that fails the promise is rejected
// and fn is not called.
func (c *Class[T]) AsyncMethod(name string, fn any, argNames ...string) *Class[T] {
	m := c.member(name)
	c.checkMethod(m)
	sig := parseSignature[T](c.name+"."+m.name, fn, true, argNames)
	m.call = func(h *Handle, t *T, args []Value) (Value, error) {
		pb, promise, err := h.NewPromise()
		if err != nil {
			return Undefined(), err
		}
		in, err := sig.decodeArgs(h, args)
		if err != nil {
			_ = pb.Reject(err)
			return promise, nil
		}
		rt := h.rt
		what := c.name + "." + m.name
		err = rt.Spawn(func(ctx context.Context, _ *Handle) error {
			go func() {
				res, err := sig.run(ctx, rt, what, t, in)
				if err != nil {
					_ = pb.Reject(err)
					return
				}
				_ = pb.Resolve(res)
			}()
			return nil
		})
		if err != nil {
			_ = pb.Reject(err)
		}
		return promise, nil
	}
	return c
}

func (c *Class[T]) checkMethod(m *member[T]) {
	if m.call != nil || m.get != nil || m.set != nil {
		panic(fmt.Sprintf("jsbridge: %s.%s is declared twice", c.name, m.name))
	}
}

// Include delegates names the table does not declare to the host object
// fn returns, in the order includes were added. It is consulted for get,
// set and enumeration.
func (c *Class[T]) Include(fn func(*T) HostObject) *Class[T] {
	c.includes = append(c.includes, fn)
	return c
}

// Bind wraps t. The wrapper's Unwrap returns t, and its Drop calls t's
// Drop if *T implements Dropper.
func (c *Class[T]) Bind(t *T) HostObject {
	b := &bound[T]{class: c, t: t}
	for _, inc := range c.includes {
		if obj := inc(t); obj != nil {
			b.includes = append(b.includes, obj)
		}
	}
	return b
}

// function returns the shared JS function for a method, creating and
// persisting it on first use. The receiver is checked on every call.
func (c *Class[T]) function(h *Handle, m *member[T]) (Value, error) {
	if fn, ok := h.rt.members[m]; ok {
		return fn, nil
	}
	fn, err := h.NewFunction(m.name, func(h *Handle, this Value, args []Value) (Value, error) {
		t, ok := As[T](h, this)
		if !ok {
			return Undefined(), fmt.Errorf("%s.%s: %w", c.name, m.name, ErrReceiver)
		}
		return m.call(h, t, args)
	})
	if err != nil {
		return Undefined(), err
	}
	if _, err := h.Persist(fn); err != nil {
		return Undefined(), err
	}
	h.rt.members[m] = fn
	return fn, nil
}

// toString returns the class's default toString function.
func (c *Class[T]) toString(h *Handle) (Value, error) {
	key := c.name + "#toString"
	if fn, ok := h.rt.members[key]; ok {
		return fn, nil
	}
	text := "[object " + c.name + "]"
	fn, err := h.NewFunction("toString", func(*Handle, Value, []Value) (Value, error) {
		return String(text), nil
	})
	if err != nil {
		return Undefined(), err
	}
	if _, err := h.Persist(fn); err != nil {
		return Undefined(), err
	}
	h.rt.members[key] = fn
	return fn, nil
}

type bound[T any] struct {
	class    *Class[T]
	t        *T
	includes []HostObject
}

func (b *bound[T]) Get(h *Handle, name string) (Value, error) {
	if m := b.class.lookup(name); m != nil {
		switch {
		case m.call != nil:
			return b.class.function(h, m)
		case m.get != nil:
			return m.get(h, b.t)
		}
		return Undefined(), nil
	}
	for _, inc := range b.includes {
		if slices.Contains(inc.Properties(), name) {
			return inc.Get(h, name)
		}
	}
	if name == "toString" {
		return b.class.toString(h)
	}
	return Undefined(), nil
}

func (b *bound[T]) Set(h *Handle, name string, v Value) error {
	if m := b.class.lookup(name); m != nil {
		if m.set == nil {
			return fmt.Errorf("%s.%s is read-only", b.class.name, name)
		}
		return m.set(h, b.t, v)
	}
	for _, inc := range b.includes {
		if slices.Contains(inc.Properties(), name) {
			return inc.Set(h, name, v)
		}
	}
	return fmt.Errorf("cannot set %q", name)
}

func (b *bound[T]) Properties() []string {
	names := make([]string, 0, len(b.class.members))
	for _, m := range b.class.members {
		names = append(names, m.name)
	}
	for _, inc := range b.includes {
		names = append(names, inc.Properties()...)
	}
	return uniqueNames(names)
}

func (b *bound[T]) Unwrap() any { return b.t }

func (b *bound[T]) included() []HostObject { return b.includes }

func (b *bound[T]) Drop() {
	if d, ok := any(b.t).(Dropper); ok {
		d.Drop()
	}
}

var (
	handleType  = reflect.TypeFor[*Handle]()
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// signature is a parsed member function.
type signature struct {
	fn         reflect.Value
	async      bool
	withHandle bool
	args       []reflect.Type
	names      []string
	result     bool
	errOut     bool
}

func parseSignature[T any](what string, fn any, async bool, names []string) *signature {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		panic(fmt.Sprintf("jsbridge: %s: expected a function, got %T", what, fn))
	}
	t := v.Type()
	recv := reflect.TypeFor[*T]()
	if t.NumIn() == 0 || t.In(0) != recv {
		panic(fmt.Sprintf("jsbridge: %s: first parameter must be %s", what, recv))
	}
	if t.IsVariadic() {
		panic(fmt.Sprintf("jsbridge: %s: variadic functions are not supported", what))
	}
	sig := &signature{fn: v, async: async}
	first := 1
	switch {
	case async:
		if t.NumIn() < 2 || t.In(1) != contextType {
			panic(fmt.Sprintf("jsbridge: %s: second parameter must be context.Context", what))
		}
		first = 2
	case t.NumIn() > 1 && t.In(1) == handleType:
		sig.withHandle = true
		first = 2
	}
	for i := first; i < t.NumIn(); i++ {
		sig.args = append(sig.args, t.In(i))
	}

	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) == errorType {
			sig.errOut = true
		} else {
			sig.result = true
		}
	case 2:
		if t.Out(1) != errorType {
			panic(fmt.Sprintf("jsbridge: %s: second result must be error", what))
		}
		sig.result, sig.errOut = true, true
	default:
		panic(fmt.Sprintf("jsbridge: %s: too many results", what))
	}

	if len(names) > len(sig.args) {
		panic(fmt.Sprintf("jsbridge: %s: %d argument names for %d arguments", what, len(names), len(sig.args)))
	}
	sig.names = make([]string, len(sig.args))
	for i := range sig.names {
		if i < len(names) && names[i] != "" {
			sig.names[i] = names[i]
		} else {
			sig.names[i] = strconv.Itoa(i)
		}
	}
	return sig
}

// decodeArgs decodes args positionally; missing arguments are undefined.
func (s *signature) decodeArgs(h *Handle, args []Value) ([]reflect.Value, error) {
	in := make([]reflect.Value, len(s.args))
	for i, at := range s.args {
		a := Undefined()
		if i < len(args) {
			a = args[i]
		}
		p := reflect.New(at).Elem()
		d := decoder{c: h.rt.codec, h: h}
		if err := d.decode(a, p, ""); err != nil {
			return nil, fmt.Errorf("argument %s: %w", s.names[i], err)
		}
		in[i] = p
	}
	return in, nil
}

// results splits the outputs of a call into its value and error.
func (s *signature) results(out []reflect.Value) (any, error) {
	var err error
	if s.errOut {
		if e := out[len(out)-1]; !e.IsNil() {
			err = e.Interface().(error)
		}
	}
	if !s.result || err != nil {
		return nil, err
	}
	return out[0].Interface(), nil
}

// invoke calls a synchronous member on the owner goroutine.
func (s *signature) invoke(h *Handle, t any, args []Value) (Value, error) {
	in, err := s.decodeArgs(h, args)
	if err != nil {
		return Undefined(), err
	}
	head := []reflect.Value{reflect.ValueOf(t)}
	if s.withHandle {
		head = append(head, reflect.ValueOf(h))
	}
	res, err := s.results(s.fn.Call(append(head, in...)))
	if err != nil {
		return Undefined(), err
	}
	if !s.result {
		return Undefined(), nil
	}
	return h.Marshal(res)
}

// run calls an async member body off the owner goroutine.
func (s *signature) run(ctx context.Context, rt *Runtime, what string, t any, in []reflect.Value) (res any, err error) {
	defer func() {
		if p := recover(); p != nil {
			rt.log.Error("async method panicked", zap.String("method", what), zap.Any("panic", p), zap.Stack("stack"))
			res, err = nil, fmt.Errorf("%s: panic: %v", what, p)
		}
	}()
	head := []reflect.Value{reflect.ValueOf(t), reflect.ValueOf(ctx)}
	return s.results(s.fn.Call(append(head, in...)))
}
