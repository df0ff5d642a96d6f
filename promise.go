package jsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cryguy/jsbridge/internal/eventloop"
)

// PromiseBridge holds the resolve and reject functions of a promise handed
// to JavaScript. Resolve and Reject may be called from any goroutine; the
// first call wins and settles the promise on the owner goroutine, later
// calls return ErrAlreadySettled.
type PromiseBridge struct {
	rt      *Runtime
	resolve Value
	reject  Value
	settled atomic.Bool
}

// NewPromise creates a pending promise and the bridge that settles it.
func (h *Handle) NewPromise() (*PromiseBridge, Value, error) {
	raw, err := h.call("deferred")
	if err != nil {
		return nil, Undefined(), err
	}
	var d struct {
		P   wireValue `json:"p"`
		Res wireValue `json:"res"`
		Rej wireValue `json:"rej"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, Undefined(), fmt.Errorf("deferred: %w", err)
	}
	p, err := h.adopt(d.P)
	if err != nil {
		return nil, Undefined(), err
	}
	res, err := h.adopt(d.Res)
	if err != nil {
		return nil, Undefined(), err
	}
	rej, err := h.adopt(d.Rej)
	if err != nil {
		return nil, Undefined(), err
	}
	if _, err := h.Persist(res); err != nil {
		return nil, Undefined(), err
	}
	if _, err := h.Persist(rej); err != nil {
		h.Release(res)
		return nil, Undefined(), err
	}
	return &PromiseBridge{rt: h.rt, resolve: res, reject: rej}, p, nil
}

// Resolve fulfils the promise with the encoding of v. If v cannot be
// encoded the promise is rejected with the codec error instead.
func (p *PromiseBridge) Resolve(v any) error {
	if !p.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return p.rt.Spawn(func(_ context.Context, h *Handle) error {
		defer p.release(h)
		val, err := h.Marshal(v)
		if err != nil {
			return p.fail(h, err)
		}
		_, err = h.Call(p.resolve, Undefined(), val)
		return err
	})
}

// Reject rejects the promise with new Error(err.Error()).
func (p *PromiseBridge) Reject(err error) error {
	if !p.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return p.rt.Spawn(func(_ context.Context, h *Handle) error {
		defer p.release(h)
		return p.fail(h, err)
	})
}

// Settled reports whether Resolve or Reject has been called.
func (p *PromiseBridge) Settled() bool { return p.settled.Load() }

func (p *PromiseBridge) fail(h *Handle, cause error) error {
	e, err := h.NewError(cause.Error())
	if err != nil {
		return err
	}
	_, err = h.Call(p.reject, Undefined(), e)
	return err
}

func (p *PromiseBridge) release(h *Handle) {
	h.Release(p.resolve)
	h.Release(p.reject)
}

// Await waits for v to settle and returns its fulfilment value. Values
// that are not thenable are returned as they are. While the promise is
// pending the owner goroutine keeps running queued jobs and timers, so
// other tasks may run before Await returns. A rejection is returned as
// *JSError.
func (h *Handle) Await(ctx context.Context, v Value) (Value, error) {
	if err := h.ready(); err != nil {
		return Undefined(), err
	}
	if !v.IsObject() {
		return v, nil
	}
	p, err := h.value("track", v)
	if err != nil {
		return Undefined(), err
	}
	for {
		for range 2 {
			raw, err := h.call("state", p)
			if err != nil {
				return Undefined(), err
			}
			var st struct {
				S string    `json:"s"`
				V wireValue `json:"v"`
			}
			if err := json.Unmarshal(raw, &st); err != nil {
				return Undefined(), fmt.Errorf("state: %w", err)
			}
			switch st.S {
			case "f":
				return h.adopt(st.V)
			case "r":
				thrown, err := h.adopt(st.V)
				if err != nil {
					return Undefined(), err
				}
				return Undefined(), &JSError{Message: h.errorMessage(thrown), Value: thrown}
			}
			h.js.RunMicrotasks()
		}
		if err := h.rt.loop.RunOnce(ctx, h.rt.done, h.js); err != nil {
			if errors.Is(err, eventloop.ErrClosed) {
				return Undefined(), ErrRuntimeClosed
			}
			return Undefined(), err
		}
		if err := h.ready(); err != nil {
			return Undefined(), err
		}
	}
}
