// Package schedule runs one-off and recurring jobs from a min-heap of due
// times on a bounded worker pool.
package schedule

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/smukkama/aqgrid/internal/logging"
)

// ErrStopped is returned when scheduling on a stopped scheduler.
var ErrStopped = errors.New("scheduler is stopped")

// Job is the work a task runs. ctx ends when the scheduler stops.
type Job func(ctx context.Context)

// NextFunc returns the next due time strictly after now.
type NextFunc func(now time.Time) time.Time

// task represents a job scheduled for future execution
type task struct {
	id    string
	dueAt time.Time
	job   Job
	next  NextFunc
	index int // index in the heap (for heap.Interface)
}

// taskHeap is a min-heap of tasks ordered by dueAt
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	return h[i].dueAt.Before(h[j].dueAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[0 : n-1]
	return t
}

// Scheduler manages scheduled tasks using a min-heap
type Scheduler struct {
	mu      sync.Mutex
	heap    taskHeap
	tasks   map[string]*task
	running map[string]bool
	wakeup  chan struct{}
	jobs    chan *task
	workers int
	log     *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	workerWg sync.WaitGroup
	loopDone chan struct{}
	stopped  bool
}

// New creates a scheduler with a pool of workers.
func New(workers int, log *slog.Logger) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	s := &Scheduler{
		heap:     make(taskHeap, 0),
		tasks:    make(map[string]*task),
		running:  make(map[string]bool),
		wakeup:   make(chan struct{}, 1),
		jobs:     make(chan *task, 64),
		workers:  workers,
		log:      logging.OrDiscard(log),
		loopDone: make(chan struct{}),
	}
	heap.Init(&s.heap)
	return s
}

// Start starts the worker pool and the scheduler loop. Jobs receive a
// context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.workers; i++ {
		s.workerWg.Add(1)
		go s.worker()
	}
	go s.run()
}

// Stop cancels running jobs and waits for the workers to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.loopDone
	close(s.jobs)
	s.workerWg.Wait()
}

// Schedule runs job once at dueAt, replacing any task with the same id.
func (s *Scheduler) Schedule(id string, dueAt time.Time, job Job) error {
	return s.push(&task{id: id, dueAt: dueAt, job: job})
}

// Every runs job at each time next yields, starting after now. A run that
// is still in progress when the next one falls due skips that occurrence.
func (s *Scheduler) Every(id string, next NextFunc, job Job) error {
	return s.push(&task{id: id, dueAt: next(time.Now()), job: job, next: next})
}

func (s *Scheduler) push(t *task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if existing, ok := s.tasks[t.id]; ok {
		heap.Remove(&s.heap, existing.index)
		delete(s.tasks, t.id)
	}
	heap.Push(&s.heap, t)
	s.tasks[t.id] = t

	if s.heap[0] == t {
		select {
		case s.wakeup <- struct{}{}:
		default:
		}
	}
	return nil
}

// Cancel removes a scheduled task
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	heap.Remove(&s.heap, t.index)
	delete(s.tasks, id)
	return true
}

// run is the main scheduler loop. It never executes jobs itself.
func (s *Scheduler) run() {
	defer close(s.loopDone)
	for {
		s.mu.Lock()
		var wait time.Duration
		if s.heap.Len() == 0 {
			wait = 24 * time.Hour
		} else {
			wait = time.Until(s.heap[0].dueAt)
			if wait <= 0 {
				t := heap.Pop(&s.heap).(*task)
				delete(s.tasks, t.id)
				s.dispatch(t)
				s.mu.Unlock()
				continue
			}
		}
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.wakeup:
			timer.Stop()
		case <-s.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// dispatch hands t to the pool and re-arms recurring tasks. Missed
// occurrences are not replayed. Called with s.mu held.
func (s *Scheduler) dispatch(t *task) {
	if t.next != nil {
		next := &task{id: t.id, dueAt: t.next(time.Now()), job: t.job, next: t.next}
		heap.Push(&s.heap, next)
		s.tasks[t.id] = next
	}

	if s.running[t.id] {
		s.log.Warn("skipping run; previous run still in progress", "task", t.id)
		return
	}
	select {
	case s.jobs <- t:
		s.running[t.id] = true
	default:
		s.log.Warn("skipping run; worker queue full", "task", t.id)
	}
}

func (s *Scheduler) worker() {
	defer s.workerWg.Done()
	for t := range s.jobs {
		s.execute(t)
	}
}

func (s *Scheduler) execute(t *task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled job panicked", "task", t.id, "panic", r)
		}
		s.mu.Lock()
		delete(s.running, t.id)
		s.mu.Unlock()
	}()

	if s.ctx.Err() != nil {
		return
	}
	start := time.Now()
	t.job(s.ctx)
	s.log.Debug("scheduled job finished", "task", t.id, "duration", time.Since(start))
}

// Stats contains statistics about the scheduler
type Stats struct {
	ScheduledTasks int
	RunningTasks   int
	Workers        int
}

// Stats returns statistics about the scheduler
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		ScheduledTasks: len(s.tasks),
		RunningTasks:   len(s.running),
		Workers:        s.workers,
	}
}
