// Package scheduler implements the delayed-execution scheduler used for
// retry backoff, subscription expiry, and periodic publication ticks: a
// min-heap of pending runnables ordered by due time, drained by a fixed
// pool of worker goroutines.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Runnable is scheduled work. Implementations should return promptly;
// long-running work should hand off to its own goroutine.
type Runnable func(ctx context.Context)

// Handle cancels a scheduled Runnable before it fires. Canceling after it
// has already started running has no effect.
type Handle struct {
	id   uint64
	s    *Scheduler
}

// Cancel prevents the runnable from firing if it hasn't already.
func (h Handle) Cancel() {
	h.s.cancelTask(h.id)
}

type task struct {
	id     uint64
	dueMs  int64
	run    Runnable
	cancel bool
}

type taskHeap []*task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].dueMs < h[j].dueMs }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*task)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

const defaultWorkers = 6

// Scheduler runs Runnables at or after a requested due time using a fixed
// worker pool, driven by a single dispatch goroutine that sleeps until the
// next due task and wakes workers to run it.
type Scheduler struct {
	mu      sync.Mutex
	heap    taskHeap
	nextID  uint64
	tasks   map[uint64]*task
	wake    chan struct{}
	workers int
	work    chan *task

	ctx      context.Context
	cancelFn context.CancelFunc
	wg       sync.WaitGroup

	now func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkers overrides the default worker-pool size (6).
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// New constructs and starts a Scheduler. Call Stop to release its
// goroutines.
func New(opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		tasks:   make(map[uint64]*task),
		wake:    make(chan struct{}, 1),
		workers: defaultWorkers,
		ctx:      ctx,
		cancelFn: cancel,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.work = make(chan *task, s.workers)

	s.wg.Add(1)
	go s.dispatchLoop()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Schedule runs run after delay elapses.
func (s *Scheduler) Schedule(delay time.Duration, run Runnable) Handle {
	return s.ScheduleAt(s.now().Add(delay), run)
}

// ScheduleAt runs run at the given absolute time.
func (s *Scheduler) ScheduleAt(at time.Time, run Runnable) Handle {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	t := &task{id: id, dueMs: at.UnixMilli(), run: run}
	s.tasks[id] = t
	heap.Push(&s.heap, t)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return Handle{id: id, s: s}
}

func (s *Scheduler) cancelTask(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.cancel = true
		delete(s.tasks, id)
	}
}

// Stop halts the dispatch loop and all workers, discarding any tasks not
// yet dispatched.
func (s *Scheduler) Stop() {
	s.cancelFn()
	s.wg.Wait()
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	defer close(s.work)

	for {
		s.mu.Lock()
		var waitFor time.Duration
		if len(s.heap) == 0 {
			waitFor = time.Hour
		} else {
			due := s.heap[0].dueMs
			nowMs := s.now().UnixMilli()
			if due <= nowMs {
				waitFor = 0
			} else {
				waitFor = time.Duration(due-nowMs) * time.Millisecond
			}
		}
		s.mu.Unlock()

		timer := time.NewTimer(waitFor)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		s.mu.Lock()
		for len(s.heap) > 0 && s.heap[0].dueMs <= s.now().UnixMilli() {
			t := heap.Pop(&s.heap).(*task)
			if t.cancel {
				continue
			}
			delete(s.tasks, t.id)
			s.mu.Unlock()
			select {
			case s.work <- t:
			case <-s.ctx.Done():
				return
			}
			s.mu.Lock()
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case t, ok := <-s.work:
			if !ok {
				return
			}
			t.run(s.ctx)
		}
	}
}
