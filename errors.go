package jsbridge

import (
	"errors"
	"fmt"
)

// Dispatch and binding errors. All are recoverable and returned to the
// caller that attempted the operation.
var (
	// ErrNoActiveRuntime is returned by the package-level lookups when no
	// runtime has been started or the active one has been torn down.
	ErrNoActiveRuntime = errors.New("no active runtime")

	// ErrRuntimeActive is returned by Start while another runtime is published.
	ErrRuntimeActive = errors.New("a runtime is already active")

	// ErrRuntimeClosed is returned for work submitted to, or dropped by, a
	// runtime that has been closed.
	ErrRuntimeClosed = errors.New("runtime is closed")

	// ErrSyncReentry is returned by InvokeSync on the owner goroutine while
	// a JS->Go host call is in flight.
	ErrSyncReentry = errors.New("synchronous invoke refused: a host call is in flight on the runtime goroutine")

	// ErrSyncUnsupported is returned by InvokeSync when Config.DisableSyncInvoke is set.
	ErrSyncUnsupported = errors.New("synchronous invoke is not supported by this runtime")

	// ErrWrongThread is returned when a Handle is used off the owner goroutine.
	ErrWrongThread = errors.New("runtime accessed off its owning goroutine")

	// ErrStaleValue is returned when a Value is used after its scope closed.
	ErrStaleValue = errors.New("value used after its scope was released")

	// ErrReceiver is returned when a method is called on a value that does
	// not wrap the type the method was declared on.
	ErrReceiver = errors.New("receiver not bound correctly")

	// ErrAlreadySettled is returned by PromiseBridge once it has settled.
	ErrAlreadySettled = errors.New("promise already settled")
)

// JSError is an exception thrown by JavaScript.
type JSError struct {
	Message string
	// Value is the thrown value. It is only valid in the scope that
	// observed the exception.
	Value Value
}

func (e *JSError) Error() string {
	if e.Message == "" {
		return "javascript exception"
	}
	return e.Message
}

// UnsupportedEventError is returned for event names no emitter key maps to.
type UnsupportedEventError struct {
	Name string
}

func (e *UnsupportedEventError) Error() string {
	return fmt.Sprintf("event name %q is not supported", e.Name)
}
