package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newStarted(t *testing.T, workers int) *Scheduler {
	t.Helper()
	s := New(workers, nil)
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func TestScheduler_Schedule(t *testing.T) {
	s := newStarted(t, 2)

	var executed atomic.Bool
	err := s.Schedule("test1", time.Now().Add(50*time.Millisecond), func(context.Context) {
		executed.Store(true)
	})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if !executed.Load() {
		t.Error("Task was not executed")
	}
}

func TestScheduler_Cancel(t *testing.T) {
	s := newStarted(t, 2)

	var executed atomic.Bool
	if err := s.Schedule("test1", time.Now().Add(100*time.Millisecond), func(context.Context) {
		executed.Store(true)
	}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	if !s.Cancel("test1") {
		t.Error("Cancel returned false")
	}
	if s.Cancel("test1") {
		t.Error("Expected a second Cancel to return false")
	}

	time.Sleep(200 * time.Millisecond)
	if executed.Load() {
		t.Error("Task was executed despite being cancelled")
	}
}

func TestScheduler_Ordering(t *testing.T) {
	s := newStarted(t, 1)

	var results []int
	var mu sync.Mutex
	record := func(n int) Job {
		return func(context.Context) {
			mu.Lock()
			results = append(results, n)
			mu.Unlock()
		}
	}

	now := time.Now()
	s.Schedule("task3", now.Add(150*time.Millisecond), record(3))
	s.Schedule("task1", now.Add(50*time.Millisecond), record(1))
	s.Schedule("task2", now.Add(100*time.Millisecond), record(2))

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	if results[0] != 1 || results[1] != 2 || results[2] != 3 {
		t.Errorf("Tasks executed in wrong order: %v", results)
	}
}

func TestScheduler_RescheduleExisting(t *testing.T) {
	s := newStarted(t, 2)

	var count atomic.Int32
	s.Schedule("test1", time.Now().Add(100*time.Millisecond), func(context.Context) { count.Add(1) })
	s.Schedule("test1", time.Now().Add(50*time.Millisecond), func(context.Context) { count.Add(10) })

	time.Sleep(200 * time.Millisecond)
	if got := count.Load(); got != 10 {
		t.Errorf("Expected count=10 (only second task), got %d", got)
	}
}

func TestScheduler_EveryRepeats(t *testing.T) {
	s := newStarted(t, 2)

	var runs atomic.Int32
	err := s.Every("tick", func(now time.Time) time.Time { return now.Add(20 * time.Millisecond) }, func(context.Context) {
		runs.Add(1)
	})
	if err != nil {
		t.Fatalf("Every failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := runs.Load(); got < 3 {
		t.Errorf("Expected at least 3 runs, got %d", got)
	}
	if stats := s.Stats(); stats.ScheduledTasks != 1 {
		t.Errorf("Expected the recurring task to stay scheduled, got %d", stats.ScheduledTasks)
	}
}

func TestScheduler_SlowJobDoesNotOverlapOrBlock(t *testing.T) {
	s := newStarted(t, 2)

	var active, maxActive atomic.Int32
	s.Every("slow", func(now time.Time) time.Time { return now.Add(10 * time.Millisecond) }, func(ctx context.Context) {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
		}
		active.Add(-1)
	})

	var fast atomic.Bool
	s.Schedule("fast", time.Now().Add(30*time.Millisecond), func(context.Context) { fast.Store(true) })

	time.Sleep(150 * time.Millisecond)
	if maxActive.Load() != 1 {
		t.Errorf("Expected no overlapping runs, got %d concurrent", maxActive.Load())
	}
	if !fast.Load() {
		t.Error("Expected the fast job to run while the slow one was busy")
	}
}

func TestScheduler_StopCancelsJobs(t *testing.T) {
	s := New(1, nil)
	s.Start(context.Background())

	cancelled := make(chan struct{})
	s.Schedule("long", time.Now(), func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	})
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("Expected the job context to be cancelled on Stop")
	}
	if err := s.Schedule("late", time.Now(), func(context.Context) {}); err != ErrStopped {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
}

func TestScheduler_Stats(t *testing.T) {
	s := newStarted(t, 5)

	s.Schedule("task1", time.Now().Add(time.Hour), func(context.Context) {})
	s.Schedule("task2", time.Now().Add(2*time.Hour), func(context.Context) {})
	s.Schedule("task3", time.Now().Add(3*time.Hour), func(context.Context) {})

	stats := s.Stats()
	if stats.ScheduledTasks != 3 {
		t.Errorf("Expected 3 scheduled tasks, got %d", stats.ScheduledTasks)
	}
	if stats.Workers != 5 {
		t.Errorf("Expected 5 workers, got %d", stats.Workers)
	}
}

func TestDaily(t *testing.T) {
	next, err := Daily("02:00")
	if err != nil {
		t.Fatalf("Daily failed: %v", err)
	}
	if got, want := next(time.Date(2024, 5, 1, 1, 30, 0, 0, time.UTC)), time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if got, want := next(time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC)), time.Date(2024, 5, 2, 2, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("Expected the next day %v, got %v", want, got)
	}

	for _, bad := range []string{"2am", "24:00", "12:60", ""} {
		if _, err := Daily(bad); err == nil {
			t.Errorf("Expected an error for %q", bad)
		}
	}
}

func TestAligned(t *testing.T) {
	next := Aligned(time.Hour, 10*time.Minute)
	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2024, 5, 1, 10, 2, 0, 0, time.UTC), time.Date(2024, 5, 1, 10, 10, 0, 0, time.UTC)},
		{time.Date(2024, 5, 1, 10, 10, 0, 0, time.UTC), time.Date(2024, 5, 1, 11, 10, 0, 0, time.UTC)},
		{time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC), time.Date(2024, 5, 1, 11, 10, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := next(tt.now); !got.Equal(tt.want) {
			t.Errorf("Aligned(%v): expected %v, got %v", tt.now, tt.want, got)
		}
	}
}
