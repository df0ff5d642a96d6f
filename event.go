package jsbridge

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// EventKey identifies an event. String gives the Go-side name; scripts
// subscribe using its ExportName form.
type EventKey interface {
	comparable
	String() string
}

// Event is a payload an Emitter broadcasts. Args are marshalled with the
// runtime's codec and passed to each listener as arguments.
type Event[K EventKey] interface {
	Key() K
	Args() []any
}

// Emitter fans events out to JavaScript listeners. Emit may be called
// from any goroutine; the listener registry is only touched on the owner
// goroutine.
type Emitter[K EventKey] struct {
	rt     *Runtime
	class  *Class[Emitter[K]]
	keys   map[string]K
	names  []string
	nextID atomic.Uint64

	listeners map[K][]*listener
}

type listener struct {
	id      uint64
	cb      Value
	removed bool
}

// NewEmitter creates an emitter accepting keys. It panics if two keys
// share an exported name.
func NewEmitter[K EventKey](rt *Runtime, keys ...K) *Emitter[K] {
	e := &Emitter[K]{
		rt:        rt,
		keys:      make(map[string]K, len(keys)),
		listeners: make(map[K][]*listener),
	}
	for _, k := range keys {
		name := ExportName(k.String())
		if _, dup := e.keys[name]; dup {
			panic(fmt.Sprintf("jsbridge: event name %q registered twice", name))
		}
		e.keys[name] = k
		e.names = append(e.names, name)
	}
	e.class = emitterClass[K]()
	return e
}

// emitterClasses holds one *Class[Emitter[K]] per key type, so emitters
// of the same type share their persisted member functions.
var emitterClasses sync.Map // reflect.Type -> *Class[Emitter[K]]

func emitterClass[K EventKey]() *Class[Emitter[K]] {
	key := reflect.TypeFor[K]()
	if c, ok := emitterClasses.Load(key); ok {
		return c.(*Class[Emitter[K]])
	}
	c, _ := emitterClasses.LoadOrStore(key, NewClass[Emitter[K]]("HostEventEmitter").
		Method("addEventListener", (*Emitter[K]).addEventListener, "eventName", "callback").
		Getter("eventNames", (*Emitter[K]).EventNames).
		Method("toString", func(*Emitter[K]) string { return "[HostEventEmitter]" }))
	return c.(*Class[Emitter[K]])
}

// EventNames returns the names scripts can subscribe to.
func (e *Emitter[K]) EventNames() []string {
	return slices.Clone(e.names)
}

// HostObject returns a JS-facing view of the emitter, suitable for
// Class.Include or as a property value.
func (e *Emitter[K]) HostObject() HostObject {
	return e.class.Bind(e)
}

// Parse maps an exported event name to its key.
func (e *Emitter[K]) Parse(name string) (K, error) {
	k, ok := e.keys[name]
	if !ok {
		return k, &UnsupportedEventError{Name: name}
	}
	return k, nil
}

func (e *Emitter[K]) addEventListener(h *Handle, name string, cb Value) (HostObject, error) {
	key, err := e.Parse(name)
	if err != nil {
		return nil, err
	}
	if !cb.IsFunction() {
		return nil, fmt.Errorf("argument callback: expected function, got %s", cb.describe())
	}
	sub, err := e.Subscribe(h, key, cb)
	if err != nil {
		return nil, err
	}
	return subscriptionClass.Bind(sub), nil
}

// Subscribe registers cb for key and returns its subscription. cb stays
// alive until the subscription is removed.
func (e *Emitter[K]) Subscribe(h *Handle, key K, cb Value) (*Subscription, error) {
	if err := h.ready(); err != nil {
		return nil, err
	}
	if !cb.IsFunction() {
		return nil, fmt.Errorf("expected function, got %s", cb.describe())
	}
	own, err := h.Clone(cb)
	if err != nil {
		return nil, err
	}
	if _, err := h.Persist(own); err != nil {
		return nil, err
	}
	l := &listener{id: e.nextID.Add(1), cb: own}
	e.listeners[key] = append(e.listeners[key], l)
	return &Subscription{
		id:    l.id,
		event: ExportName(key.String()),
		remove: func(h *Handle) {
			e.remove(h, key, l)
		},
	}, nil
}

func (e *Emitter[K]) remove(h *Handle, key K, l *listener) {
	l.removed = true
	e.listeners[key] = slices.DeleteFunc(e.listeners[key], func(x *listener) bool { return x == l })
	if len(e.listeners[key]) == 0 {
		delete(e.listeners, key)
	}
	h.Release(l.cb)
}

// Emit delivers ev to every listener registered for its key. The listener
// list is read by a task on the owner goroutine, which then queues one
// delivery per listener in registration order. A listener that throws is
// logged and does not affect the others.
func (e *Emitter[K]) Emit(ev Event[K]) error {
	key, args := ev.Key(), ev.Args()
	name := ExportName(key.String())
	return e.rt.Spawn(func(_ context.Context, h *Handle) error {
		for _, l := range slices.Clone(e.listeners[key]) {
			err := e.rt.post(func() {
				if err := e.rt.runTask(func(_ context.Context, h *Handle) error {
					return e.deliver(h, l, args)
				}); err != nil {
					e.rt.log.Warn("event listener failed",
						zap.String("event", name),
						zap.Uint64("subscription", l.id),
						zap.Error(err))
				}
			}, nil)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Emitter[K]) deliver(h *Handle, l *listener, args []any) error {
	if l.removed {
		return nil
	}
	vals := make([]Value, len(args))
	for i, a := range args {
		v, err := h.Marshal(a)
		if err != nil {
			return fmt.Errorf("encoding argument %d: %w", i, err)
		}
		vals[i] = v
	}
	_, err := h.Call(l.cb, Undefined(), vals...)
	return err
}

// Subscription is one registered listener.
type Subscription struct {
	id      uint64
	event   string
	remove  func(h *Handle)
	removed bool
}

var subscriptionClass = NewClass[Subscription]("HostEventSubscription").
	Getter("id", (*Subscription).ID).
	Getter("event", (*Subscription).Event).
	Method("remove", (*Subscription).Remove).
	Method("toString", func(*Subscription) string { return "[HostEventSubscription]" })

// ID returns the subscription id, unique per emitter.
func (s *Subscription) ID() uint64 { return s.id }

// Event returns the exported event name.
func (s *Subscription) Event() string { return s.event }

// Remove unregisters the listener. Removing twice is a no-op.
func (s *Subscription) Remove(h *Handle) error {
	if err := h.ready(); err != nil {
		return err
	}
	if s.removed {
		return nil
	}
	s.removed = true
	s.remove(h)
	return nil
}
