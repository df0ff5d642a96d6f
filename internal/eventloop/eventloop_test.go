package eventloop

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRuntime records evaluated scripts and microtask checkpoints.
type fakeRuntime struct {
	mu         sync.Mutex
	evals      []string
	microtasks int
}

func (f *fakeRuntime) Eval(js string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals = append(f.evals, js)
	return nil
}
func (f *fakeRuntime) EvalString(string) (string, error) { return "", nil }
func (f *fakeRuntime) EvalBool(string) (bool, error)     { return false, nil }
func (f *fakeRuntime) EvalInt(string) (int, error)       { return 0, nil }
func (f *fakeRuntime) RegisterFunc(string, any) error    { return nil }
func (f *fakeRuntime) SetGlobal(string, any) error       { return nil }
func (f *fakeRuntime) RunMicrotasks() {
	f.mu.Lock()
	f.microtasks++
	f.mu.Unlock()
}

func TestPostRunsInOrder(t *testing.T) {
	el := New(nil)
	rt := &fakeRuntime{}

	var got []int
	for i := 0; i < 5; i++ {
		if err := el.Post(Job{Run: func() { got = append(got, i) }}); err != nil {
			t.Fatalf("Post: %v", err)
		}
	}
	for el.Len() > 0 {
		if ran, _ := el.Step(rt); !ran {
			t.Fatal("Step did not run a queued job")
		}
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("order = %v, want ascending", got)
		}
	}
	if rt.microtasks != 5 {
		t.Errorf("microtask checkpoints = %d, want 5", rt.microtasks)
	}
}

func TestPostFromManyGoroutinesKeepsPerProducerOrder(t *testing.T) {
	el := New(nil)
	rt := &fakeRuntime{}

	const producers, perProducer = 4, 50
	var mu sync.Mutex
	seen := make(map[int][]int)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = el.Post(Job{Run: func() {
					mu.Lock()
					seen[p] = append(seen[p], i)
					mu.Unlock()
				}})
			}
		}()
	}
	wg.Wait()
	for el.Len() > 0 {
		el.Step(rt)
	}

	for p := 0; p < producers; p++ {
		if len(seen[p]) != perProducer {
			t.Fatalf("producer %d: %d jobs ran, want %d", p, len(seen[p]), perProducer)
		}
		for i, v := range seen[p] {
			if v != i {
				t.Fatalf("producer %d out of order: %v", p, seen[p])
			}
		}
	}
}

func TestCloseDropsQueuedJobs(t *testing.T) {
	el := New(nil)

	ran, dropped := 0, 0
	for i := 0; i < 3; i++ {
		_ = el.Post(Job{Run: func() { ran++ }, Drop: func() { dropped++ }})
	}
	if n := el.Close(); n != 3 {
		t.Errorf("Close dropped %d, want 3", n)
	}
	if ran != 0 || dropped != 3 {
		t.Errorf("ran=%d dropped=%d, want 0/3", ran, dropped)
	}
	if err := el.Post(Job{Run: func() {}}); !errors.Is(err, ErrClosed) {
		t.Errorf("Post after Close = %v, want ErrClosed", err)
	}
	if n := el.Close(); n != 0 {
		t.Errorf("second Close dropped %d, want 0", n)
	}
}

func TestTimersFireByDeadline(t *testing.T) {
	el := New(nil)
	rt := &fakeRuntime{}

	late := el.RegisterTimer(20*time.Millisecond, false)
	early := el.RegisterTimer(0, false)
	cleared := el.RegisterTimer(0, false)
	el.ClearTimer(cleared)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		if err := el.RunOnce(ctx, nil, rt); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}

	if len(rt.evals) != 2 {
		t.Fatalf("fired %d timers, want 2", len(rt.evals))
	}
	if !strings.Contains(rt.evals[0], "__timerCallbacks["+strconv.Itoa(early)+"]") {
		t.Errorf("first timer fired was not %d: %s", early, rt.evals[0])
	}
	if !strings.Contains(rt.evals[1], "__timerCallbacks["+strconv.Itoa(late)+"]") {
		t.Errorf("second timer fired was not %d: %s", late, rt.evals[1])
	}
	if el.HasPending() {
		t.Error("timeouts should not remain pending after firing")
	}
}

func TestRunOnceHonoursContextAndDone(t *testing.T) {
	el := New(nil)
	rt := &fakeRuntime{}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := el.RunOnce(ctx, nil, rt); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("RunOnce on idle loop = %v, want deadline exceeded", err)
	}

	done := make(chan struct{})
	close(done)
	if err := el.RunOnce(context.Background(), done, rt); !errors.Is(err, ErrClosed) {
		t.Errorf("RunOnce after done = %v, want ErrClosed", err)
	}
}

func TestRunWakesOnPost(t *testing.T) {
	el := New(nil)
	rt := &fakeRuntime{}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		el.Run(done, rt)
		close(exited)
	}()

	result := make(chan int, 1)
	if err := el.Post(Job{Run: func() { result <- 7 }}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	select {
	case v := <-result:
		if v != 7 {
			t.Errorf("got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
	close(done)
	<-exited
}
