package jsbridge

import (
	"fmt"
	"slices"
	"sync"
)

// HostObject is a Go value exposed to JavaScript as a property bag.
// All methods are called on the owner goroutine.
//
// Get must be total: names it does not know return undefined, not an
// error. Set fails for names that are unknown or read-only. Properties
// lists the names used for enumeration and the in operator.
type HostObject interface {
	Get(h *Handle, name string) (Value, error)
	Set(h *Handle, name string, v Value) error
	Properties() []string
}

// Dropper is implemented by host objects that hold resources. Drop is
// called once the object is no longer reachable from JavaScript.
type Dropper interface {
	Drop()
}

// Shared is a reference-counted host object. Go code may hold a reference
// alongside any number of JS wrappers; the wrapped object's Drop runs when
// the last reference is released. Only the counter is safe for concurrent
// use. The wrapped object is still mutated only on the owner goroutine.
type Shared struct {
	obj HostObject

	mu      sync.Mutex
	refs    int
	dropped bool
}

// NewShared wraps obj with a reference count of one, owned by the caller.
func NewShared(obj HostObject) *Shared {
	return &Shared{obj: obj, refs: 1}
}

// Retain adds a reference.
func (s *Shared) Retain() *Shared {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
	return s
}

// Release drops a reference, dropping the wrapped object at zero.
// Releasing past zero is a no-op.
func (s *Shared) Release() {
	s.mu.Lock()
	if s.refs == 0 {
		s.mu.Unlock()
		return
	}
	s.refs--
	drop := s.refs == 0 && !s.dropped
	if drop {
		s.dropped = true
	}
	s.mu.Unlock()
	if !drop {
		return
	}
	if d, ok := s.obj.(Dropper); ok {
		d.Drop()
	}
}

// Refs returns the current reference count.
func (s *Shared) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

func (s *Shared) Get(h *Handle, name string) (Value, error) { return s.obj.Get(h, name) }
func (s *Shared) Set(h *Handle, name string, v Value) error { return s.obj.Set(h, name, v) }
func (s *Shared) Properties() []string                      { return s.obj.Properties() }

// Unwrap returns the wrapped host object.
func (s *Shared) Unwrap() any { return s.obj }

// unwrapper is implemented by host objects that wrap another value.
type unwrapper interface {
	Unwrap() any
}

// includer is implemented by host objects that delegate to others.
type includer interface {
	included() []HostObject
}

// resolve finds the *T behind obj, following Unwrap chains and then the
// objects obj includes.
func resolve[T any](obj any) (*T, bool) {
	return resolveDepth[T](obj, 8)
}

func resolveDepth[T any](obj any, depth int) (*T, bool) {
	if depth == 0 {
		return nil, false
	}
	if t, ok := obj.(*T); ok {
		return t, true
	}
	if u, ok := obj.(unwrapper); ok {
		if t, ok := resolveDepth[T](u.Unwrap(), depth-1); ok {
			return t, true
		}
	}
	if inc, ok := obj.(includer); ok {
		for _, o := range inc.included() {
			if t, ok := resolveDepth[T](o, depth-1); ok {
				return t, true
			}
		}
	}
	return nil, false
}

// As returns the *T wrapped by the host object behind v, or by one of the
// objects it includes.
func As[T any](h *Handle, v Value) (*T, bool) {
	obj, ok := h.HostObjectOf(v)
	if !ok {
		return nil, false
	}
	return resolve[T](obj)
}

// Namespace is a host object with read-only named members, typically the
// bridge object installed as the global entry point. Members are encoded
// with the runtime's codec on first access and the result is reused, so
// bridge.kv === bridge.kv holds. Add may be called from any goroutine.
type Namespace struct {
	mu     sync.Mutex
	names  []string
	values map[string]any
	fresh  map[string]bool // encoded value in cache is current

	// owner-only
	rt    *Runtime
	cache map[string]Value
}

// NewNamespace creates an empty namespace.
func NewNamespace() *Namespace {
	return &Namespace{
		values: make(map[string]any),
		fresh:  make(map[string]bool),
	}
}

// Add adds or replaces a member.
func (n *Namespace) Add(name string, v any) *Namespace {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.values[name]; !ok {
		n.names = append(n.names, name)
	}
	n.values[name] = v
	n.fresh[name] = false
	return n
}

func (n *Namespace) Get(h *Handle, name string) (Value, error) {
	n.mu.Lock()
	x, ok := n.values[name]
	if !ok {
		n.mu.Unlock()
		return Undefined(), nil
	}
	fresh := n.fresh[name]
	n.fresh[name] = true
	n.mu.Unlock()
	if n.rt != h.rt {
		n.rt, n.cache = h.rt, make(map[string]Value)
	}
	if v, ok := n.cache[name]; ok {
		if fresh {
			return v, nil
		}
		delete(n.cache, name)
		h.Release(v)
	}
	v, err := h.Marshal(x)
	if err == nil {
		_, err = h.Persist(v)
	}
	if err != nil {
		n.mu.Lock()
		n.fresh[name] = false
		n.mu.Unlock()
		return Undefined(), fmt.Errorf("%s: %w", name, err)
	}
	n.cache[name] = v
	return v, nil
}

func (n *Namespace) Set(_ *Handle, name string, _ Value) error {
	return fmt.Errorf("cannot set %q", name)
}

func (n *Namespace) Properties() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.names)
}
