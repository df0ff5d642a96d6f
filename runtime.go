package jsbridge

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cryguy/jsbridge/internal/core"
	"github.com/cryguy/jsbridge/internal/eventloop"
	"github.com/cryguy/jsbridge/internal/webapi"
	"github.com/google/uuid"
	"github.com/petermattis/goid"
	"go.uber.org/zap"
)

// Task is work scheduled onto the owner goroutine. It receives the
// runtime's context, cancelled at teardown, and the Handle. A task runs
// to completion; Handle.Await is its only yield point.
type Task func(ctx context.Context, h *Handle) error

// Option customises Start.
type Option func(*options)

type options struct {
	log    *zap.Logger
	codec  *Codec
	engine core.EngineFactory
}

// WithLogger sets the runtime's logger instead of the package Logger().
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithCodec sets the codec host methods and events marshal through.
func WithCodec(c *Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// current is the process-wide descriptor of the active runtime.
var current atomic.Pointer[Runtime]

// Current returns the active runtime or ErrNoActiveRuntime.
func Current() (*Runtime, error) {
	rt := current.Load()
	if rt == nil {
		return nil, ErrNoActiveRuntime
	}
	return rt, nil
}

// Spawn schedules task on the active runtime.
func Spawn(task Task) error {
	rt, err := Current()
	if err != nil {
		return err
	}
	return rt.Spawn(task)
}

// InvokeAsync schedules fn on the active runtime.
func InvokeAsync(fn func() error) error {
	rt, err := Current()
	if err != nil {
		return err
	}
	return rt.Invoker().InvokeAsync(fn)
}

// InvokeSync runs fn on the active runtime and waits for it.
func InvokeSync(ctx context.Context, fn func() error) error {
	rt, err := Current()
	if err != nil {
		return err
	}
	return rt.Invoker().InvokeSync(ctx, fn)
}

// Runtime owns one interpreter and the goroutine it is confined to.
type Runtime struct {
	id      uuid.UUID
	cfg     Config
	log     *zap.Logger
	codec   *Codec
	loop    *eventloop.EventLoop
	h       *Handle
	invoker *CallInvoker
	bridge  HostObject

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
	owner     atomic.Int64

	// owner-only state
	hosts    map[int]*hostEntry
	nextHost int
	funcs    map[int]Func
	nextFunc int
	members  map[any]Value
}

// Start creates the interpreter on a dedicated goroutine locked to its OS
// thread, installs bridge as globalThis[cfg.GlobalName], publishes the
// runtime as the process-wide current one and starts draining its queue.
// bridge may be nil. Cancelling ctx closes the runtime.
func Start(ctx context.Context, cfg Config, bridge HostObject, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if current.Load() != nil {
		return nil, ErrRuntimeActive
	}
	o := options{log: Logger(), engine: newEngine}
	for _, opt := range opts {
		opt(&o)
	}
	if o.codec == nil {
		o.codec = &Codec{VariantKey: cfg.VariantKey}
	}

	rt := &Runtime{
		id:      uuid.New(),
		cfg:     cfg,
		codec:   o.codec,
		bridge:  bridge,
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
		hosts:   make(map[int]*hostEntry),
		funcs:   make(map[int]Func),
		members: make(map[any]Value),
	}
	rt.log = o.log.With(zap.String("runtime", rt.id.String()))
	rt.loop = eventloop.New(rt.log)
	rt.invoker = &CallInvoker{rt: rt}
	rt.ctx, rt.cancel = context.WithCancel(context.WithoutCancel(ctx))

	ready := make(chan error, 1)
	go rt.run(o.engine, ready)
	if err := <-ready; err != nil {
		return nil, err
	}

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = rt.Close()
			case <-rt.done:
			}
		}()
	}
	return rt, nil
}

// run is the owner goroutine.
func (rt *Runtime) run(factory core.EngineFactory, ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(rt.exited)
	rt.owner.Store(goid.Get())

	engine, err := factory(core.EngineConfig{MemoryLimitMB: rt.cfg.MemoryLimitMB})
	if err != nil {
		ready <- fmt.Errorf("creating engine: %w", err)
		return
	}
	rt.h = newHandle(rt, engine)

	if err := rt.setup(engine); err != nil {
		rt.h.closed = true
		engine.Close()
		ready <- err
		return
	}
	if !current.CompareAndSwap(nil, rt) {
		rt.h.closed = true
		engine.Close()
		ready <- ErrRuntimeActive
		return
	}
	rt.log.Info("runtime started", zap.String("global", rt.cfg.GlobalName))
	ready <- nil

	rt.loop.Run(rt.done, engine)
	rt.teardown(engine)
}

func (rt *Runtime) setup(engine core.Engine) error {
	setups := []webapi.SetupFunc{
		webapi.SetupHandles(webapi.HostCallbacks{
			Get:     rt.hostGet,
			Set:     rt.hostSet,
			Keys:    rt.hostKeys,
			Call:    rt.funcCall,
			Release: rt.release,
		}),
	}
	if rt.cfg.Console {
		setups = append(setups, webapi.SetupConsole(rt.log))
	}
	if rt.cfg.Timers {
		setups = append(setups, webapi.SetupTimers)
	}
	for _, setup := range setups {
		if err := setup(engine, rt.loop); err != nil {
			return fmt.Errorf("setup: %w", err)
		}
	}
	if rt.bridge == nil {
		return nil
	}
	return rt.runTask(func(_ context.Context, h *Handle) error {
		g, err := h.Global()
		if err != nil {
			return err
		}
		obj, err := h.NewHostObject(rt.bridge)
		if err != nil {
			return fmt.Errorf("installing bridge: %w", err)
		}
		return h.Set(g, rt.cfg.GlobalName, obj)
	})
}

func (rt *Runtime) teardown(engine core.Engine) {
	current.CompareAndSwap(rt, nil)
	dropped := rt.loop.Close()
	for id, e := range rt.hosts {
		delete(rt.hosts, id)
		e.release()
	}
	rt.cancel()
	rt.h.closed = true
	engine.Close()
	rt.log.Info("runtime stopped", zap.Int("dropped_jobs", dropped))
}

// Close tears the runtime down: it stops being current immediately, new
// work is refused, queued work is dropped, host objects are released and
// the engine is closed. Close waits for the owner goroutine to exit unless
// it is called from that goroutine. It is safe to call more than once.
func (rt *Runtime) Close() error {
	rt.closeOnce.Do(func() {
		current.CompareAndSwap(rt, nil)
		close(rt.done)
	})
	if rt.onOwner() {
		return nil
	}
	<-rt.exited
	return nil
}

// ID identifies the runtime in logs.
func (rt *Runtime) ID() uuid.UUID { return rt.id }

// Config returns the configuration the runtime was started with.
func (rt *Runtime) Config() Config { return rt.cfg }

// Codec returns the codec used for host calls and events.
func (rt *Runtime) Codec() *Codec { return rt.codec }

// Context is cancelled when the runtime tears down.
func (rt *Runtime) Context() context.Context { return rt.ctx }

// Done is closed once Close has been called.
func (rt *Runtime) Done() <-chan struct{} { return rt.done }

// Invoker returns the runtime's call invoker.
func (rt *Runtime) Invoker() *CallInvoker { return rt.invoker }

func (rt *Runtime) onOwner() bool {
	return goid.Get() == rt.owner.Load()
}

func (rt *Runtime) closing() bool {
	select {
	case <-rt.done:
		return true
	default:
		return false
	}
}

// post enqueues a job; drop runs instead if teardown discards it.
func (rt *Runtime) post(run, drop func()) error {
	if rt.closing() {
		return ErrRuntimeClosed
	}
	if err := rt.loop.Post(eventloop.Job{Run: run, Drop: drop}); err != nil {
		return ErrRuntimeClosed
	}
	return nil
}

// Spawn enqueues task. Tasks from one goroutine run in submission order.
// A task's error is logged.
func (rt *Runtime) Spawn(task Task) error {
	return rt.post(func() {
		if err := rt.runTask(task); err != nil {
			rt.log.Warn("task failed", zap.Error(err))
		}
	}, nil)
}

// Exec runs task on the owner goroutine and waits for its result. Called
// on the owner it runs inline. If ctx ends first the task still runs.
func (rt *Runtime) Exec(ctx context.Context, task Task) error {
	if rt.onOwner() {
		return rt.runTask(task)
	}
	errc := make(chan error, 1)
	if err := rt.post(func() { errc <- rt.runTask(task) }, func() { errc <- ErrRuntimeClosed }); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runTask runs task in its own scope, converting panics to errors.
func (rt *Runtime) runTask(task Task) (err error) {
	h := rt.h
	h.openScope()
	defer h.closeScope(0)
	defer func() {
		if p := recover(); p != nil {
			rt.log.Error("task panicked", zap.Any("panic", p), zap.Stack("stack"))
			err = fmt.Errorf("task panic: %v", p)
		}
	}()
	return task(rt.ctx, h)
}

// hostEntry is one registered host object.
type hostEntry struct {
	obj    HostObject
	shared *Shared
}

func (e *hostEntry) release() {
	if e.shared != nil {
		e.shared.Release()
		return
	}
	if d, ok := e.obj.(Dropper); ok {
		d.Drop()
	}
}

func (rt *Runtime) registerHost(obj HostObject) int {
	rt.nextHost++
	e := &hostEntry{obj: obj}
	if s, ok := obj.(*Shared); ok {
		s.Retain()
		e.shared = s
	}
	rt.hosts[rt.nextHost] = e
	return rt.nextHost
}

func (rt *Runtime) releaseHost(id int) {
	e, ok := rt.hosts[id]
	if !ok {
		return
	}
	delete(rt.hosts, id)
	e.release()
}

func (rt *Runtime) registerFunc(fn Func) int {
	rt.nextFunc++
	rt.funcs[rt.nextFunc] = fn
	return rt.nextFunc
}

func (rt *Runtime) releaseFunc(id int) {
	delete(rt.funcs, id)
}
