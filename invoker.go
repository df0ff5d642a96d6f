package jsbridge

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// CallInvoker schedules closures onto a runtime's owner goroutine. It is
// safe for concurrent use and may be copied freely.
type CallInvoker struct {
	rt *Runtime
}

// InvokeAsync queues fn and returns without waiting. Calls from one
// goroutine run in submission order. An error from fn is logged.
func (c *CallInvoker) InvokeAsync(fn func() error) error {
	rt := c.rt
	return rt.post(func() {
		if err := rt.guard(fn); err != nil {
			rt.log.Warn("async invoke failed", zap.Error(err))
		}
	}, nil)
}

// InvokeSync runs fn on the owner goroutine and returns its error.
//
// On the owner goroutine fn runs immediately, unless a JS->Go host call is
// in flight, in which case ErrSyncReentry is returned instead of
// deadlocking. Elsewhere fn is queued and the caller blocks until it has
// run, ctx ends, or the runtime closes (ErrRuntimeClosed). When ctx has no
// deadline, Config.SyncTimeoutMs supplies one.
func (c *CallInvoker) InvokeSync(ctx context.Context, fn func() error) error {
	rt := c.rt
	if rt.cfg.DisableSyncInvoke {
		return ErrSyncUnsupported
	}
	if rt.onOwner() {
		if rt.h.depth > 0 {
			return ErrSyncReentry
		}
		return rt.guard(fn)
	}
	if _, ok := ctx.Deadline(); !ok && rt.cfg.SyncTimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.cfg.syncTimeout())
		defer cancel()
	}

	errc := make(chan error, 1)
	if err := rt.post(func() { errc <- rt.guard(fn) }, func() { errc <- ErrRuntimeClosed }); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for synchronous invoke: %w", ctx.Err())
	}
}

// guard runs fn, converting a panic into an error.
func (rt *Runtime) guard(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			rt.log.Error("invoke panicked", zap.Any("panic", p), zap.Stack("stack"))
			err = fmt.Errorf("invoke panic: %v", p)
		}
	}()
	return fn()
}
