package gridcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smukkama/aqgrid/internal/interpolation"
)

func testSpec() interpolation.GridSpec {
	return interpolation.GridSpec{
		BBox:        interpolation.BBox{MinLat: 45.1, MinLon: 7.6, MaxLat: 45.2, MaxLon: 7.7},
		ResolutionM: 500,
		Method:      interpolation.MethodIDW,
		Timestamp:   time.Date(2024, 3, 1, 10, 17, 0, 0, time.UTC),
	}
}

func countingCompute(calls *atomic.Int32, release <-chan struct{}) ComputeFunc {
	return func(ctx context.Context, fp Fingerprint) (*interpolation.Grid, error) {
		calls.Add(1)
		if release != nil {
			<-release
		}
		return &interpolation.Grid{Spec: fp.Spec(), Method: fp.Method}, nil
	}
}

func TestConcurrentRequestsComputeOnce(t *testing.T) {
	c := New(DefaultConfig(), nil, nil, nil)
	fp := c.Fingerprint(testSpec(), false)

	var calls atomic.Int32
	release := make(chan struct{})
	compute := countingCompute(&calls, release)

	const callers = 16
	var wg sync.WaitGroup
	grids := make([]*interpolation.Grid, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			grids[i], errs[i] = c.GetOrCompute(context.Background(), fp, compute)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("Expected exactly 1 computation, got %d", n)
	}
	for i := range grids {
		if errs[i] != nil {
			t.Fatalf("Caller %d failed: %v", i, errs[i])
		}
		if grids[i] != grids[0] {
			t.Errorf("Expected caller %d to share the same grid", i)
		}
	}

	st := c.Stats()
	if st.Entries != 1 || st.Computations != 1 {
		t.Errorf("Expected 1 entry and 1 computation, got %+v", st)
	}
}

func TestFailedComputationIsNotStored(t *testing.T) {
	c := New(DefaultConfig(), nil, nil, nil)
	fp := c.Fingerprint(testSpec(), false)

	boom := errors.New("boom")
	_, err := c.GetOrCompute(context.Background(), fp, func(context.Context, Fingerprint) (*interpolation.Grid, error) {
		return nil, boom
	})
	if !errors.Is(err, ErrCacheCompute) || !errors.Is(err, boom) {
		t.Fatalf("Expected ErrCacheCompute wrapping the cause, got %v", err)
	}
	if st := c.Stats(); st.Entries != 0 {
		t.Fatalf("Expected no entry after failure, got %d", st.Entries)
	}

	var calls atomic.Int32
	if _, err := c.GetOrCompute(context.Background(), fp, countingCompute(&calls, nil)); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected the retry to compute, got %d calls", calls.Load())
	}
}

func TestEquivalentRequestsShareFingerprint(t *testing.T) {
	c := New(DefaultConfig(), nil, nil, nil)
	a := testSpec()
	b := testSpec()
	b.BBox.MinLat += 0.00001
	b.BBox.MaxLon -= 0.00001
	b.Timestamp = b.Timestamp.Add(30 * time.Minute)

	fa, fb := c.Fingerprint(a, false), c.Fingerprint(b, false)
	if fa.Key() != fb.Key() {
		t.Errorf("Expected equivalent requests to share a key:\n%s\n%s", fa, fb)
	}
	if !fa.Timestamp.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected timestamp snapped to the hour, got %v", fa.Timestamp)
	}
	if fb.BBox.MinLat > b.BBox.MinLat || fb.BBox.MaxLon < b.BBox.MaxLon {
		t.Errorf("Expected the box rounded outward, got %+v", fb.BBox)
	}

	k := a
	k.Method = interpolation.MethodKriging
	if c.Fingerprint(k, false).Key() == fa.Key() {
		t.Error("Expected the method to change the key")
	}
	if c.Fingerprint(a, true).Key() == fa.Key() {
		t.Error("Expected live and historical requests to differ")
	}
	if live := c.Fingerprint(a, true); live.Snap != DefaultTTLPolicy().LiveIDW {
		t.Errorf("Expected live snap of %v, got %v", DefaultTTLPolicy().LiveIDW, live.Snap)
	}
}

func TestTTLExpiry(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(DefaultConfig(), nil, nil, nil)
	c.SetClock(func() time.Time { return now })

	fp := c.Fingerprint(testSpec(), true)
	var calls atomic.Int32
	compute := countingCompute(&calls, nil)

	c.GetOrCompute(context.Background(), fp, compute)
	c.GetOrCompute(context.Background(), fp, compute)
	if calls.Load() != 1 {
		t.Fatalf("Expected a hit within the TTL, got %d calls", calls.Load())
	}

	now = now.Add(DefaultTTLPolicy().LiveIDW)
	if n := c.Sweep(); n != 1 {
		t.Errorf("Expected sweep to drop 1 expired entry, got %d", n)
	}
	c.GetOrCompute(context.Background(), fp, compute)
	if calls.Load() != 2 {
		t.Errorf("Expected recomputation after expiry, got %d calls", calls.Load())
	}
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	c := New(DefaultConfig(), nil, nil, nil)
	var calls atomic.Int32
	compute := countingCompute(&calls, nil)

	near := c.Fingerprint(testSpec(), false)
	farSpec := testSpec()
	farSpec.BBox = interpolation.BBox{MinLat: 10, MinLon: 10, MaxLat: 10.1, MaxLon: 10.1}
	far := c.Fingerprint(farSpec, false)
	c.GetOrCompute(ctx, near, compute)
	c.GetOrCompute(ctx, far, compute)

	box := interpolation.BBox{MinLat: 45.15, MinLon: 7.65, MaxLat: 45.16, MaxLon: 7.66}
	other := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	if n := c.Invalidate(ctx, &box, &other); n != 0 {
		t.Errorf("Expected a different hour to match nothing, removed %d", n)
	}
	inside := time.Date(2024, 3, 1, 10, 45, 0, 0, time.UTC)
	if n := c.Invalidate(ctx, &box, &inside); n != 1 {
		t.Errorf("Expected 1 overlapping entry removed, got %d", n)
	}

	c.GetOrCompute(ctx, far, compute)
	if calls.Load() != 2 {
		t.Errorf("Expected the far entry to survive, got %d calls", calls.Load())
	}

	// A sensor 2 km outside the near box still reaches it with a 5 km radius.
	c.GetOrCompute(ctx, near, compute)
	if n := c.InvalidateSensors(ctx, [][2]float64{{45.218, 7.65}}, 5000); n != 1 {
		t.Errorf("Expected the sensor invalidation to remove 1 entry, got %d", n)
	}
	if n := c.Invalidate(ctx, nil, nil); n != 1 {
		t.Errorf("Expected a full invalidation to remove the far entry, got %d", n)
	}
}

func TestInvalidationDuringComputation(t *testing.T) {
	ctx := context.Background()
	c := New(DefaultConfig(), nil, nil, nil)
	fp := c.Fingerprint(testSpec(), false)

	var calls atomic.Int32
	release := make(chan struct{})
	done := make(chan *interpolation.Grid)
	go func() {
		g, _ := c.GetOrCompute(ctx, fp, countingCompute(&calls, release))
		done <- g
	}()
	for c.Stats().InFlight == 0 {
		time.Sleep(time.Millisecond)
	}

	c.Invalidate(ctx, nil, nil)
	close(release)
	if g := <-done; g == nil {
		t.Fatal("Expected the in-flight caller to receive its grid")
	}
	if st := c.Stats(); st.Entries != 0 {
		t.Errorf("Expected the stale result not to be stored, got %d entries", st.Entries)
	}

	c.GetOrCompute(ctx, fp, countingCompute(&calls, nil))
	if calls.Load() != 2 {
		t.Errorf("Expected a fresh computation, got %d calls", calls.Load())
	}
}

func TestCallerCancellationDoesNotAbortSharedWork(t *testing.T) {
	c := New(DefaultConfig(), nil, nil, nil)
	fp := c.Fingerprint(testSpec(), false)

	var calls atomic.Int32
	release := make(chan struct{})
	compute := countingCompute(&calls, release)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error)
	go func() {
		_, err := c.GetOrCompute(ctx, fp, compute)
		errc <- err
	}()
	for c.Stats().InFlight == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	close(release)
	if _, err := c.GetOrCompute(context.Background(), fp, compute); err != nil {
		t.Fatalf("GetOrCompute failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected the abandoned computation to be reused, got %d calls", calls.Load())
	}
}

type fakeStore struct {
	mu    sync.Mutex
	grids map[string]*interpolation.Grid
	fps   map[string]Fingerprint
}

func newFakeStore() *fakeStore {
	return &fakeStore{grids: map[string]*interpolation.Grid{}, fps: map[string]Fingerprint{}}
}

func (s *fakeStore) Get(_ context.Context, key string) (*interpolation.Grid, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grids[key]
	return g, ok, nil
}

func (s *fakeStore) Put(_ context.Context, key string, fp Fingerprint, g *interpolation.Grid, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grids[key], s.fps[key] = g, fp
	return nil
}

func (s *fakeStore) Delete(_ context.Context, match func(Fingerprint) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, fp := range s.fps {
		if match(fp) {
			delete(s.grids, k)
			delete(s.fps, k)
			n++
		}
	}
	return n, nil
}

func TestSecondLevelStoreIsShared(t *testing.T) {
	ctx := context.Background()
	shared := newFakeStore()
	a := New(DefaultConfig(), shared, nil, nil)
	b := New(DefaultConfig(), shared, nil, nil)
	fp := a.Fingerprint(testSpec(), false)

	var calls atomic.Int32
	compute := countingCompute(&calls, nil)
	if _, err := a.GetOrCompute(ctx, fp, compute); err != nil {
		t.Fatalf("GetOrCompute failed: %v", err)
	}
	if _, err := b.GetOrCompute(ctx, fp, compute); err != nil {
		t.Fatalf("GetOrCompute failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected the second replica to read the shared grid, got %d calls", calls.Load())
	}

	b.Invalidate(ctx, nil, nil)
	if len(shared.grids) != 0 {
		t.Errorf("Expected invalidation to reach the shared store, %d left", len(shared.grids))
	}
}
