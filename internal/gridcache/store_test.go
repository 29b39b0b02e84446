package gridcache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smukkama/aqgrid/internal/interpolation"
)

// newRedisStore connects to the Redis named by REDIS_TEST_ADDR and uses a
// scratch database that is flushed around the test.
func newRedisStore(t *testing.T) (*RedisStore, *redis.Client) {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis unavailable: %v", err)
	}
	client.FlushDB(ctx)
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return NewRedisStore(client), client
}

func putGrid(t *testing.T, s *RedisStore, spec interpolation.GridSpec, ttl time.Duration) string {
	t.Helper()
	fp := NewFingerprint(spec, false, time.Hour, 4)
	key := fp.Key()
	if err := s.Put(context.Background(), key, fp, &interpolation.Grid{Spec: spec, Method: spec.Method}, ttl); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	return key
}

func TestRedisStoreIndexDropsExpiredEntries(t *testing.T) {
	s, client := newRedisStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	old := testSpec()
	putGrid(t, s, old, time.Minute)

	now = now.Add(time.Hour)
	fresh := testSpec()
	fresh.Timestamp = fresh.Timestamp.Add(time.Hour)
	freshKey := putGrid(t, s, fresh, time.Hour)

	members, err := client.ZRange(ctx, gridIndexKey, 0, -1).Result()
	if err != nil {
		t.Fatalf("ZRange failed: %v", err)
	}
	if len(members) != 1 || members[0] != freshKey {
		t.Errorf("Expected only the live entry indexed, got %v", members)
	}
}

func TestRedisStoreDeleteMatchesFingerprints(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	idw := testSpec()
	kriging := testSpec()
	kriging.Method = interpolation.MethodKriging
	idwKey := putGrid(t, s, idw, time.Hour)
	krigingKey := putGrid(t, s, kriging, time.Hour)

	n, err := s.Delete(ctx, func(fp Fingerprint) bool { return fp.Method == interpolation.MethodKriging })
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 deleted grid, got %d", n)
	}
	if _, ok, _ := s.Get(ctx, krigingKey); ok {
		t.Error("Expected the kriging grid to be gone")
	}
	if _, ok, _ := s.Get(ctx, idwKey); !ok {
		t.Error("Expected the IDW grid to survive")
	}
}
