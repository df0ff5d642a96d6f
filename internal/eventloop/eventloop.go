// Package eventloop is the owner-goroutine scheduler: an unbounded FIFO of
// jobs posted from any goroutine plus Go-backed setTimeout/setInterval
// timers, drained one step at a time on the goroutine that owns the engine.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cryguy/jsbridge/internal/core"
	"go.uber.org/zap"
)

// ErrClosed is returned by Post once the loop has been closed.
var ErrClosed = errors.New("event loop is closed")

// Job is a unit of work for the owner goroutine. Run executes it; Drop,
// if set, is called instead when the loop is closed before Run happens.
type Job struct {
	Run  func()
	Drop func()
}

// timerEntry represents a pending setTimeout or setInterval callback.
// The actual callback is stored in globalThis.__timerCallbacks[id] on the
// JS side. Go only tracks scheduling metadata.
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for setTimeout, >0 for setInterval
	id       int
	seq      uint64 // registration order, breaks deadline ties
}

// EventLoop holds the job queue and timers. Post, RegisterTimer and
// ClearTimer are safe from any goroutine; Run, RunOnce and Step must only
// be called by the owner.
type EventLoop struct {
	mu     sync.Mutex
	queue  []Job
	head   int
	closed bool
	wake   chan struct{}
	timers map[int]*timerEntry
	nextID int
	seq    uint64
	log    *zap.Logger
}

// New creates an empty EventLoop. A nil logger disables logging.
func New(log *zap.Logger) *EventLoop {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventLoop{
		wake:   make(chan struct{}, 1),
		timers: make(map[int]*timerEntry),
		log:    log,
	}
}

// Post appends a job to the queue. Jobs run in the order they were posted.
func (el *EventLoop) Post(job Job) error {
	el.mu.Lock()
	if el.closed {
		el.mu.Unlock()
		return ErrClosed
	}
	el.queue = append(el.queue, job)
	el.mu.Unlock()
	el.signal()
	return nil
}

func (el *EventLoop) signal() {
	select {
	case el.wake <- struct{}{}:
	default:
	}
}

// pop removes the oldest queued job.
func (el *EventLoop) pop() (Job, bool) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.head >= len(el.queue) {
		return Job{}, false
	}
	job := el.queue[el.head]
	el.queue[el.head] = Job{}
	el.head++
	if el.head == len(el.queue) {
		el.queue = el.queue[:0]
		el.head = 0
	}
	return job, true
}

// Len returns the number of queued jobs.
func (el *EventLoop) Len() int {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.queue) - el.head
}

// RegisterTimer creates a timer entry and returns its ID.
// The actual JS callback is stored in globalThis.__timerCallbacks[id].
func (el *EventLoop) RegisterTimer(delay time.Duration, isInterval bool) int {
	el.mu.Lock()
	el.nextID++
	el.seq++
	id := el.nextID
	entry := &timerEntry{
		deadline: time.Now().Add(delay),
		id:       id,
		seq:      el.seq,
	}
	if isInterval {
		if delay < 10*time.Millisecond {
			delay = 10 * time.Millisecond // minimum interval
		}
		entry.interval = delay
	}
	el.timers[id] = entry
	el.mu.Unlock()
	el.signal()
	return id
}

// ClearTimer cancels a timer by ID.
func (el *EventLoop) ClearTimer(id int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	delete(el.timers, id)
}

// nextTimer returns the earliest timer, or nil.
func (el *EventLoop) nextTimer() *timerEntry {
	var next *timerEntry
	for _, t := range el.timers {
		if next == nil || t.deadline.Before(next.deadline) ||
			(t.deadline.Equal(next.deadline) && t.seq < next.seq) {
			next = t
		}
	}
	return next
}

// dueTimer claims the earliest timer whose deadline has passed. Intervals
// are rescheduled, timeouts removed. It reports the wait until the next
// deadline when nothing is due, or -1 when there are no timers.
func (el *EventLoop) dueTimer(now time.Time) (id int, wait time.Duration) {
	el.mu.Lock()
	defer el.mu.Unlock()
	next := el.nextTimer()
	if next == nil {
		return 0, -1
	}
	if next.deadline.After(now) {
		return 0, next.deadline.Sub(now)
	}
	if next.interval > 0 {
		el.seq++
		next.deadline = now.Add(next.interval)
		next.seq = el.seq
	} else {
		delete(el.timers, next.id)
	}
	return next.id, 0
}

// fireTimer invokes the JS-side callback registered for a timer.
func (el *EventLoop) fireTimer(rt core.JSRuntime, id int) {
	js := fmt.Sprintf(`(function() {
		var entry = globalThis.__timerCallbacks && globalThis.__timerCallbacks[%d];
		if (!entry) return;
		if (!entry.interval) delete globalThis.__timerCallbacks[%d];
		entry.fn.apply(null, entry.args || []);
	})()`, id, id)
	if err := rt.Eval(js); err != nil {
		el.log.Warn("timer callback failed", zap.Int("timer", id), zap.Error(err))
	}
}

// Step runs at most one unit of work: the oldest queued job, or else one
// due timer. Microtasks are pumped afterwards. It returns whether anything
// ran and, when idle, how long until the next timer is due (-1 for none).
func (el *EventLoop) Step(rt core.JSRuntime) (ran bool, wait time.Duration) {
	if job, ok := el.pop(); ok {
		job.Run()
		rt.RunMicrotasks()
		return true, 0
	}
	id, wait := el.dueTimer(time.Now())
	if id == 0 {
		return false, wait
	}
	el.fireTimer(rt, id)
	rt.RunMicrotasks()
	return true, 0
}

// RunOnce runs one unit of work, blocking until one is available, ctx is
// done, or done is closed.
func (el *EventLoop) RunOnce(ctx context.Context, done <-chan struct{}, rt core.JSRuntime) error {
	for {
		select {
		case <-done:
			return ErrClosed
		default:
		}
		ran, wait := el.Step(rt)
		if ran {
			return nil
		}
		if err := el.idle(ctx, done, wait); err != nil {
			return err
		}
	}
}

// Run drains the loop until done is closed.
func (el *EventLoop) Run(done <-chan struct{}, rt core.JSRuntime) {
	for {
		if err := el.RunOnce(context.Background(), done, rt); err != nil {
			return
		}
	}
}

// idle blocks until new work is signalled, the next timer is due, ctx is
// done or done is closed.
func (el *EventLoop) idle(ctx context.Context, done <-chan struct{}, wait time.Duration) error {
	var timerC <-chan time.Time
	if wait >= 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timerC = t.C
	}
	select {
	case <-done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-el.wake:
	case <-timerC:
	}
	return nil
}

// HasPending returns true if there are queued jobs or active timers.
func (el *EventLoop) HasPending() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.queue) > el.head || len(el.timers) > 0
}

// Close refuses further jobs, clears timers and calls Drop on every job
// still queued. It returns how many jobs were dropped.
func (el *EventLoop) Close() int {
	el.mu.Lock()
	if el.closed {
		el.mu.Unlock()
		return 0
	}
	el.closed = true
	pending := el.queue[el.head:]
	el.queue = nil
	el.head = 0
	el.timers = make(map[int]*timerEntry)
	el.mu.Unlock()

	for _, job := range pending {
		if job.Drop != nil {
			job.Drop()
		}
	}
	if len(pending) > 0 {
		el.log.Debug("dropped queued jobs", zap.Int("count", len(pending)))
	}
	return len(pending)
}
