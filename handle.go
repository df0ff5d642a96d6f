package jsbridge

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/cryguy/jsbridge/internal/core"
	"github.com/petermattis/goid"
	"go.uber.org/zap"
)

// Handle is the capability to touch the interpreter. One Handle exists per
// Runtime; it is passed to tasks and host callbacks on the owner goroutine
// and must not be retained or used from any other goroutine. Every method
// verifies the calling goroutine and fails with ErrWrongThread otherwise.
type Handle struct {
	rt     *Runtime
	js     core.Engine
	owner  int64
	closed bool

	scopes    []*scope
	live      map[int]struct{}
	persisted map[int]struct{}
	depth     int // JS->Go host calls in flight
	tmp       int
}

// scope tracks the slots produced while it is open.
type scope struct {
	ids []int
}

func (s *scope) owns(id int) bool { return slices.Contains(s.ids, id) }

func newHandle(rt *Runtime, js core.Engine) *Handle {
	return &Handle{
		rt:        rt,
		js:        js,
		owner:     goid.Get(),
		live:      make(map[int]struct{}),
		persisted: make(map[int]struct{}),
	}
}

// Runtime returns the runtime this handle belongs to.
func (h *Handle) Runtime() *Runtime { return h.rt }

func (h *Handle) ready() error {
	if goid.Get() != h.owner {
		return ErrWrongThread
	}
	if h.closed {
		return ErrRuntimeClosed
	}
	return nil
}

func (h *Handle) openScope() {
	h.scopes = append(h.scopes, &scope{})
}

func (h *Handle) topScope() *scope {
	if len(h.scopes) == 0 {
		return nil
	}
	return h.scopes[len(h.scopes)-1]
}

// closeScope pops the innermost scope and releases its slots except keep
// and persisted ones.
func (h *Handle) closeScope(keep int) {
	s := h.topScope()
	if s == nil {
		return
	}
	h.scopes = h.scopes[:len(h.scopes)-1]
	var ids []int
	for _, id := range s.ids {
		if id == keep {
			continue
		}
		if _, ok := h.persisted[id]; ok {
			continue
		}
		if _, ok := h.live[id]; !ok {
			continue
		}
		delete(h.live, id)
		ids = append(ids, id)
	}
	if len(ids) == 0 || h.closed {
		return
	}
	if _, err := h.call("release", ids); err != nil {
		h.rt.log.Debug("releasing scope slots", zap.Int("count", len(ids)), zap.Error(err))
	}
}

// takeable reports whether a reply may move id out of the slot table:
// it belongs to the innermost scope and is not persisted.
func (h *Handle) takeable(id int) bool {
	if id == 0 {
		return false
	}
	if _, ok := h.persisted[id]; ok {
		return false
	}
	s := h.topScope()
	return s != nil && s.owns(id)
}

func (h *Handle) track(id int) {
	h.live[id] = struct{}{}
	if s := h.topScope(); s != nil {
		s.ids = append(s.ids, id)
	}
}

// Scope runs fn in a nested scope; values created inside are released
// when fn returns unless persisted.
func (h *Handle) Scope(fn func() error) error {
	if err := h.ready(); err != nil {
		return err
	}
	h.openScope()
	defer h.closeScope(0)
	return fn()
}

// Persist keeps v alive past the current scope until Release.
func (h *Handle) Persist(v Value) (Value, error) {
	if err := h.ready(); err != nil {
		return v, err
	}
	if v.id == 0 {
		return v, nil
	}
	if _, ok := h.live[v.id]; !ok {
		return v, ErrStaleValue
	}
	h.persisted[v.id] = struct{}{}
	return v, nil
}

// Release drops v's slot now. Releasing a primitive or an already
// released value is a no-op.
func (h *Handle) Release(v Value) {
	if h.ready() != nil || v.id == 0 {
		return
	}
	delete(h.persisted, v.id)
	if _, ok := h.live[v.id]; !ok {
		return
	}
	delete(h.live, v.id)
	if _, err := h.call("release", []int{v.id}); err != nil {
		h.rt.log.Debug("releasing slot", zap.Int("slot", v.id), zap.Error(err))
	}
}

// ref converts v into the reference the shim decodes.
func (h *Handle) ref(v Value) (wireRef, error) {
	if v.id != 0 {
		if _, ok := h.live[v.id]; !ok {
			return wireRef{}, ErrStaleValue
		}
	}
	return refOf(v), nil
}

// adopt turns a descriptor from JS into a tracked Value.
func (h *Handle) adopt(w wireValue) (Value, error) {
	v, err := decodeWire(w)
	if err != nil {
		return Value{}, err
	}
	if v.id != 0 {
		h.track(v.id)
	}
	return v, nil
}

// call invokes __jsi.<op>(args...) and returns the raw result. Value and
// []Value arguments are converted to refs; everything else is JSON.
func (h *Handle) call(op string, args ...any) (json.RawMessage, error) {
	if err := h.ready(); err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString("__jsi.")
	b.WriteString(op)
	b.WriteByte('(')
	for i, a := range args {
		if i > 0 {
			b.WriteByte(',')
		}
		switch x := a.(type) {
		case Value:
			r, err := h.ref(x)
			if err != nil {
				return nil, err
			}
			a = r
		case []Value:
			refs := make([]wireRef, len(x))
			for j, v := range x {
				r, err := h.ref(v)
				if err != nil {
					return nil, err
				}
				refs[j] = r
			}
			a = refs
		}
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("%s: encoding argument %d: %w", op, i, err)
		}
		b.Write(data)
	}
	b.WriteByte(')')

	out, err := h.js.EvalString(b.String())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var env struct {
		R json.RawMessage `json:"r"`
		E *wireValue      `json:"e"`
		M string          `json:"m"`
	}
	if err := json.Unmarshal([]byte(out), &env); err != nil {
		return nil, fmt.Errorf("%s: malformed reply: %w", op, err)
	}
	if env.E != nil {
		thrown, err := h.adopt(*env.E)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return nil, &JSError{Message: env.M, Value: thrown}
	}
	return env.R, nil
}

// value invokes an op whose result is a single value descriptor.
func (h *Handle) value(op string, args ...any) (Value, error) {
	raw, err := h.call(op, args...)
	if err != nil {
		return Undefined(), err
	}
	var w wireValue
	if err := json.Unmarshal(raw, &w); err != nil {
		return Undefined(), fmt.Errorf("%s: malformed value: %w", op, err)
	}
	return h.adopt(w)
}

func (h *Handle) boolOp(op string, args ...any) (bool, error) {
	raw, err := h.call(op, args...)
	if err != nil {
		return false, err
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, fmt.Errorf("%s: malformed result: %w", op, err)
	}
	return b, nil
}

// Global returns the global object.
func (h *Handle) Global() (Value, error) {
	return h.value("global")
}

// Eval evaluates src as a classic script in global scope and returns the
// completion value.
func (h *Handle) Eval(src string) (Value, error) {
	return h.value("run", src)
}

// Get reads obj[key].
func (h *Handle) Get(obj Value, key string) (Value, error) {
	if obj.IsNullish() {
		return Undefined(), fmt.Errorf("cannot read property %q of %s", key, obj.kind)
	}
	return h.value("get", obj, key)
}

// GetIndex reads obj[i].
func (h *Handle) GetIndex(obj Value, i int) (Value, error) {
	return h.Get(obj, strconv.Itoa(i))
}

// Set assigns obj[key] = v.
func (h *Handle) Set(obj Value, key string, v Value) error {
	if !obj.IsObject() {
		return fmt.Errorf("cannot set property %q on %s", key, obj.describe())
	}
	_, err := h.call("set", obj, key, v)
	return err
}

// Has reports key in obj.
func (h *Handle) Has(obj Value, key string) (bool, error) {
	if !obj.IsObject() {
		return false, fmt.Errorf("cannot use 'in' on %s", obj.describe())
	}
	return h.boolOp("has", obj, key)
}

// Keys returns Object.keys(obj).
func (h *Handle) Keys(obj Value) ([]string, error) {
	if !obj.IsObject() {
		return nil, fmt.Errorf("cannot list keys of %s", obj.describe())
	}
	raw, err := h.call("keys", obj)
	if err != nil {
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("keys: %w", err)
	}
	return keys, nil
}

// Call invokes fn with the given receiver and arguments.
func (h *Handle) Call(fn, this Value, args ...Value) (Value, error) {
	if !fn.IsFunction() {
		return Undefined(), fmt.Errorf("%s is not a function", fn.describe())
	}
	if args == nil {
		args = []Value{}
	}
	return h.value("call", fn, this, args)
}

// Construct evaluates new ctor(...args).
func (h *Handle) Construct(ctor Value, args ...Value) (Value, error) {
	if !ctor.IsFunction() {
		return Undefined(), fmt.Errorf("%s is not a constructor", ctor.describe())
	}
	if args == nil {
		args = []Value{}
	}
	return h.value("construct", ctor, args)
}

// Equal reports a === b.
func (h *Handle) Equal(a, b Value) (bool, error) {
	if a.kind != b.kind {
		return false, nil
	}
	switch a.kind {
	case KindUndefined, KindNull:
		return true, nil
	case KindBool:
		return a.b == b.b, nil
	case KindNumber:
		return a.n == b.n, nil
	case KindString, KindBigInt:
		return a.s == b.s, nil
	}
	if a.id == b.id {
		if _, err := h.ref(a); err != nil {
			return false, err
		}
		return true, nil
	}
	return h.boolOp("eq", a, b)
}

// Clone returns a new reference to the same value with its own slot, so
// it can outlive the original's scope independently.
func (h *Handle) Clone(v Value) (Value, error) {
	if v.id == 0 {
		return v, nil
	}
	return h.value("clone", v)
}

// Display returns String(v), falling back to Object.prototype.toString
// for values that cannot be converted.
func (h *Handle) Display(v Value) (string, error) {
	switch v.kind {
	case KindUndefined, KindNull:
		return v.kind.String(), nil
	case KindBool:
		return strconv.FormatBool(v.b), nil
	case KindString:
		return v.s, nil
	case KindNumber:
		if !math.IsNaN(v.n) && !math.IsInf(v.n, 0) && v.n == math.Trunc(v.n) && math.Abs(v.n) < 1e21 {
			return strconv.FormatFloat(v.n, 'f', -1, 64), nil
		}
	}
	raw, err := h.call("str", v)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("str: %w", err)
	}
	return s, nil
}

// InstanceOf reports v instanceof ctor.
func (h *Handle) InstanceOf(v, ctor Value) (bool, error) {
	if !v.IsObject() {
		return false, nil
	}
	return h.boolOp("instanceOf", v, ctor)
}

// TypeOf returns what the typeof operator yields for v.
func (h *Handle) TypeOf(v Value) string {
	switch {
	case v.kind == KindNull:
		return "object"
	case v.kind == KindObject && v.class == ClassFunction:
		return "function"
	}
	return v.kind.String()
}

// NewObject creates an empty plain object.
func (h *Handle) NewObject() (Value, error) {
	return h.value("record", []string{}, []Value{})
}

// NewRecord creates a plain object from parallel key and value lists.
func (h *Handle) NewRecord(keys []string, vals []Value) (Value, error) {
	if len(keys) != len(vals) {
		return Undefined(), fmt.Errorf("record: %d keys for %d values", len(keys), len(vals))
	}
	if keys == nil {
		keys = []string{}
	}
	if vals == nil {
		vals = []Value{}
	}
	return h.value("record", keys, vals)
}

// NewArray creates an array holding items.
func (h *Handle) NewArray(items ...Value) (Value, error) {
	if items == nil {
		items = []Value{}
	}
	return h.value("array", items)
}

// Entry is one key/value pair of a Map or plain object.
type Entry struct {
	Key   Value
	Value Value
}

// NewMap creates a Map holding entries in order.
func (h *Handle) NewMap(entries ...Entry) (Value, error) {
	pairs := make([][2]wireRef, len(entries))
	for i, e := range entries {
		k, err := h.ref(e.Key)
		if err != nil {
			return Undefined(), err
		}
		v, err := h.ref(e.Value)
		if err != nil {
			return Undefined(), err
		}
		pairs[i] = [2]wireRef{k, v}
	}
	return h.value("map", pairs)
}

// NewError constructs an Error through the global Error constructor.
func (h *Handle) NewError(message string) (Value, error) {
	return h.value("error", message)
}

func (h *Handle) tempName() string {
	h.tmp++
	return "__jsi_tmp_" + strconv.Itoa(h.tmp)
}

// NewArrayBuffer creates an ArrayBuffer holding a copy of data.
func (h *Handle) NewArrayBuffer(data []byte) (Value, error) {
	if err := h.ready(); err != nil {
		return Undefined(), err
	}
	name := h.tempName()
	if err := h.js.WriteBinaryToJS(name, data); err != nil {
		return Undefined(), fmt.Errorf("writing array buffer: %w", err)
	}
	return h.value("adopt", name)
}

// Bytes copies the contents of an ArrayBuffer or typed array view.
func (h *Handle) Bytes(v Value) ([]byte, error) {
	if v.class != ClassBuffer && v.class != ClassView {
		return nil, fmt.Errorf("expected ArrayBuffer, got %s", v.describe())
	}
	name := h.tempName()
	if _, err := h.call("stash", v, name, h.js.BinaryMode()); err != nil {
		return nil, err
	}
	data, err := h.js.ReadBinaryFromJS(name)
	if err != nil {
		return nil, fmt.Errorf("reading array buffer: %w", err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// Iterate walks v with the iterator protocol, calling fn per element.
func (h *Handle) Iterate(v Value, fn func(Value) error) error {
	if !v.IsObject() && v.kind != KindString {
		return fmt.Errorf("%s is not iterable", v.describe())
	}
	it, err := h.value("iter", v)
	if err != nil {
		return err
	}
	defer h.Release(it)
	for {
		raw, err := h.call("next", it)
		if err != nil {
			return err
		}
		var step struct {
			D bool      `json:"d"`
			V wireValue `json:"v"`
		}
		if err := json.Unmarshal(raw, &step); err != nil {
			return fmt.Errorf("next: %w", err)
		}
		if step.D {
			return nil
		}
		el, err := h.adopt(step.V)
		if err != nil {
			return err
		}
		if err := fn(el); err != nil {
			return err
		}
	}
}

// Entries returns a Map's entries, or a plain object's own enumerable
// string-keyed properties.
func (h *Handle) Entries(v Value) ([]Entry, error) {
	if !v.IsObject() {
		return nil, fmt.Errorf("cannot list entries of %s", v.describe())
	}
	raw, err := h.call("entries", v)
	if err != nil {
		return nil, err
	}
	var pairs [][2]wireValue
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("entries: %w", err)
	}
	out := make([]Entry, len(pairs))
	for i, p := range pairs {
		k, err := h.adopt(p[0])
		if err != nil {
			return nil, err
		}
		val, err := h.adopt(p[1])
		if err != nil {
			return nil, err
		}
		out[i] = Entry{Key: k, Value: val}
	}
	return out, nil
}

// Func is a Go function callable from JS.
type Func func(h *Handle, this Value, args []Value) (Value, error)

// NewFunction exposes fn as a JS function named name.
func (h *Handle) NewFunction(name string, fn Func) (Value, error) {
	if err := h.ready(); err != nil {
		return Undefined(), err
	}
	id := h.rt.registerFunc(fn)
	v, err := h.value("hostFunction", id, name)
	if err != nil {
		h.rt.releaseFunc(id)
	}
	return v, err
}

// NewHostObject wraps obj in a JS object that dispatches through the
// HostObject protocol. Unless obj is *Shared the wrapper owns it: Drop is
// called when the wrapper is collected or the runtime closes.
func (h *Handle) NewHostObject(obj HostObject) (Value, error) {
	if err := h.ready(); err != nil {
		return Undefined(), err
	}
	if obj == nil {
		return Undefined(), fmt.Errorf("nil host object")
	}
	id := h.rt.registerHost(obj)
	v, err := h.value("hostObject", id)
	if err != nil {
		h.rt.releaseHost(id)
	}
	return v, err
}

// HostObjectOf returns the HostObject wrapped by v, if any.
func (h *Handle) HostObjectOf(v Value) (HostObject, bool) {
	if !v.IsHost() || h.ready() != nil {
		return nil, false
	}
	e, ok := h.rt.hosts[v.host]
	if !ok {
		return nil, false
	}
	return e.obj, true
}

// errorMessage reads the message of a thrown value.
func (h *Handle) errorMessage(v Value) string {
	if v.class == ClassError {
		if m, err := h.Get(v, "message"); err == nil {
			if s, ok := m.AsString(); ok {
				return s
			}
		}
	}
	s, err := h.Display(v)
	if err != nil {
		return v.describe()
	}
	return s
}
