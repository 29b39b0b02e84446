package gridcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smukkama/aqgrid/internal/interpolation"
)

// Store is a second-level grid store shared between processes.
type Store interface {
	Get(ctx context.Context, key string) (*interpolation.Grid, bool, error)
	Put(ctx context.Context, key string, fp Fingerprint, g *interpolation.Grid, ttl time.Duration) error
	// Delete removes the entries whose fingerprint matches.
	Delete(ctx context.Context, match func(Fingerprint) bool) (int, error)
}

const (
	gridKeyPrefix = "grid:"
	metaKeyPrefix = "grid_meta:"
	gridIndexKey  = "grid_index"
)

// RedisStore keeps grids as JSON under grid:<key> and their fingerprints
// under grid_meta:<key>, both with the entry's TTL. The grid_index sorted
// set scores every key by its expiry so invalidation can list keys without
// scanning, and expired members are pruned on each Put.
type RedisStore struct {
	redis *redis.Client
	now   func() time.Time
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client, now: time.Now}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (*interpolation.Grid, bool, error) {
	data, err := s.redis.Get(ctx, gridKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get grid from Redis: %w", err)
	}

	var g interpolation.Grid
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal grid: %w", err)
	}
	return &g, true, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, key string, fp Fingerprint, g *interpolation.Grid, ttl time.Duration) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal grid: %w", err)
	}
	meta, err := json.Marshal(fp)
	if err != nil {
		return fmt.Errorf("failed to marshal fingerprint: %w", err)
	}

	now := s.now()
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, gridKeyPrefix+key, data, ttl)
	pipe.Set(ctx, metaKeyPrefix+key, meta, ttl)
	pipe.ZAdd(ctx, gridIndexKey, redis.Z{Score: float64(now.Add(ttl).UnixMilli()), Member: key})
	pipe.ZRemRangeByScore(ctx, gridIndexKey, "-inf", strconv.FormatInt(now.UnixMilli(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store grid in Redis: %w", err)
	}
	return nil
}

// Delete implements Store. Index members whose grid already expired are
// dropped along the way.
func (s *RedisStore) Delete(ctx context.Context, match func(Fingerprint) bool) (int, error) {
	now := strconv.FormatInt(s.now().UnixMilli(), 10)
	if err := s.redis.ZRemRangeByScore(ctx, gridIndexKey, "-inf", now).Err(); err != nil {
		return 0, fmt.Errorf("failed to prune grid index: %w", err)
	}
	keys, err := s.redis.ZRange(ctx, gridIndexKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read grid index: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	metaKeys := make([]string, len(keys))
	for i, k := range keys {
		metaKeys[i] = metaKeyPrefix + k
	}
	metas, err := s.redis.MGet(ctx, metaKeys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read grid fingerprints: %w", err)
	}

	var drop, doomed []string
	for i, key := range keys {
		raw, ok := metas[i].(string)
		if !ok {
			drop = append(drop, key)
			continue
		}
		var fp Fingerprint
		if err := json.Unmarshal([]byte(raw), &fp); err != nil || match(fp) {
			drop = append(drop, key)
			doomed = append(doomed, gridKeyPrefix+key, metaKeyPrefix+key)
		}
	}
	if len(drop) == 0 {
		return 0, nil
	}

	members := make([]any, len(drop))
	for i, k := range drop {
		members[i] = k
	}
	pipe := s.redis.TxPipeline()
	if len(doomed) > 0 {
		pipe.Del(ctx, doomed...)
	}
	pipe.ZRem(ctx, gridIndexKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to delete grids from Redis: %w", err)
	}
	return len(doomed) / 2, nil
}
