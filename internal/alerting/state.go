// Package alerting turns validation breaches into alerts with a
// clear -> pending -> active -> clear state machine, so a degraded region
// alerts once rather than on every run.
package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertState represents the current state of one region/method/metric
type AlertState struct {
	Status       string    `json:"status"` // CLEAR, PENDING_ALERT, ALERTING
	BreachStart  time.Time `json:"breach_start"`
	LastChecked  time.Time `json:"last_checked"`
	BreachValue  float64   `json:"breach_value"`
	BreachedRuns int       `json:"breached_runs"`
	AlertID      int64     `json:"alert_id,omitempty"`
}

const (
	StateClear   = "CLEAR"
	StatePending = "PENDING_ALERT"
	StateActive  = "ALERTING"
)

// StateStore keeps alert states by key. A missing key is CLEAR.
type StateStore interface {
	GetState(ctx context.Context, key string) (*AlertState, error)
	SetState(ctx context.Context, key string, state *AlertState) error
	DeleteState(ctx context.Context, key string) error
}

// RedisStateManager keeps alert states in Redis so restarts and replicas
// of the validator share them.
type RedisStateManager struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRedisStateManager creates a new state manager
func NewRedisStateManager(redisClient *redis.Client) *RedisStateManager {
	return &RedisStateManager{redis: redisClient, ttl: 7 * 24 * time.Hour}
}

func stateKey(key string) string {
	return "alert_state:" + key
}

// GetState implements StateStore.
func (sm *RedisStateManager) GetState(ctx context.Context, key string) (*AlertState, error) {
	data, err := sm.redis.Get(ctx, stateKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return &AlertState{Status: StateClear}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state from Redis: %w", err)
	}

	var state AlertState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &state, nil
}

// SetState implements StateStore. States expire after a week so regions
// that stop being validated do not keep stale alerts.
func (sm *RedisStateManager) SetState(ctx context.Context, key string, state *AlertState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := sm.redis.Set(ctx, stateKey(key), data, sm.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set state in Redis: %w", err)
	}
	return nil
}

// DeleteState implements StateStore.
func (sm *RedisStateManager) DeleteState(ctx context.Context, key string) error {
	return sm.redis.Del(ctx, stateKey(key)).Err()
}

// GetAllStates returns every stored state keyed without the prefix.
func (sm *RedisStateManager) GetAllStates(ctx context.Context) (map[string]*AlertState, error) {
	states := make(map[string]*AlertState)
	iter := sm.redis.Scan(ctx, 0, stateKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := sm.redis.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		var state AlertState
		if err := json.Unmarshal([]byte(data), &state); err != nil {
			continue
		}
		states[key[len(stateKey("")):]] = &state
	}
	return states, iter.Err()
}

// MemoryStateManager is an in-process StateStore.
type MemoryStateManager struct {
	mu     sync.Mutex
	states map[string]AlertState
}

// NewMemoryStateManager creates an empty store.
func NewMemoryStateManager() *MemoryStateManager {
	return &MemoryStateManager{states: make(map[string]AlertState)}
}

// GetState implements StateStore.
func (m *MemoryStateManager) GetState(_ context.Context, key string) (*AlertState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[key]
	if !ok {
		return &AlertState{Status: StateClear}, nil
	}
	return &state, nil
}

// SetState implements StateStore.
func (m *MemoryStateManager) SetState(_ context.Context, key string, state *AlertState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key] = *state
	return nil
}

// DeleteState implements StateStore.
func (m *MemoryStateManager) DeleteState(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key)
	return nil
}
