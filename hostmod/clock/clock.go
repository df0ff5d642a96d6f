// Package clock exposes wall time, sleeping and a periodic tick event to
// scripts.
package clock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cryguy/jsbridge"
)

// Key is the clock's event key.
type Key int

const (
	Tick Key = iota
)

func (k Key) String() string {
	switch k {
	case Tick:
		return "Tick"
	}
	return "Unknown"
}

// TickEvent is delivered to "tick" listeners.
type TickEvent struct {
	Count int64 `jsi:"count"`
}

func (e TickEvent) Key() Key    { return Tick }
func (e TickEvent) Args() []any { return []any{e} }

// Clock is the host object behind the clock module.
type Clock struct {
	events *jsbridge.Emitter[Key]
	count  atomic.Int64
	now    func() time.Time
}

var class = jsbridge.NewClass[Clock]("Clock").
	Method("now", (*Clock).Now).
	AsyncMethod("sleep", (*Clock).Sleep, "ms").
	Getter("ticks", (*Clock).Ticks).
	Include(func(c *Clock) jsbridge.HostObject { return c.events.HostObject() })

// New creates a clock whose events are delivered through rt.
func New(rt *jsbridge.Runtime) *Clock {
	return &Clock{
		events: jsbridge.NewEmitter(rt, Tick),
		now:    time.Now,
	}
}

// HostObject returns the script-facing clock.
func (c *Clock) HostObject() jsbridge.HostObject { return class.Bind(c) }

// Now returns milliseconds since the Unix epoch.
func (c *Clock) Now() float64 {
	return float64(c.now().UnixNano()) / float64(time.Millisecond)
}

// Sleep resolves after ms milliseconds, or fails when the runtime closes.
func (c *Clock) Sleep(ctx context.Context, ms float64) error {
	if ms < 0 {
		ms = 0
	}
	t := time.NewTimer(time.Duration(ms * float64(time.Millisecond)))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ticks returns how many ticks have been emitted.
func (c *Clock) Ticks() int64 { return c.count.Load() }

// Tick emits the next tick event. It may be called from any goroutine.
func (c *Clock) Tick() error {
	return c.events.Emit(TickEvent{Count: c.count.Add(1)})
}

// Run emits a tick every interval until ctx ends or the runtime closes.
func (c *Clock) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := c.Tick(); err != nil {
				return err
			}
		}
	}
}
