package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/paygent-labs/paygent"
)

// releaseLease deletes the in-flight marker only while it still holds the
// caller's token, so an owner whose lease expired cannot release its
// successor
var releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore shares settlement idempotency across processes. In-flight
// markers are SETNX keys holding an owner token with a lease; results are
// JSON values with a TTL.
type RedisStore struct {
	client       redis.Cmdable
	prefix       string
	ttl          time.Duration
	lease        time.Duration
	pollInterval time.Duration

	mu     sync.Mutex
	owners map[chan struct{}]string
}

var _ Store = (*RedisStore)(nil)

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces the keys (default "paygent:settlement:")
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithResultTTL sets how long settled records are kept
func WithResultTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithLease sets how long an in-flight marker survives a crashed owner
func WithLease(lease time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.lease = lease
	}
}

// WithPollInterval sets how often waiters poll for a result
func WithPollInterval(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.pollInterval = d
	}
}

// NewRedisStore creates a store on the given client
func NewRedisStore(client redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:       client,
		prefix:       "paygent:settlement:",
		ttl:          DefaultCacheTTL,
		lease:        2 * time.Minute,
		pollInterval: 50 * time.Millisecond,
		owners:       make(map[chan struct{}]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) resultKey(key string) string { return s.prefix + "result:" + key }
func (s *RedisStore) lockKey(key string) string { return s.prefix + "inflight:" + key }

// CheckAndMark returns the cached record, or takes the in-flight lease
func (s *RedisStore) CheckAndMark(ctx context.Context, key string) (CacheStatus, *paygent.SettlementRecord, chan struct{}, error) {
	rec, err := s.load(ctx, key)
	if err != nil {
		return StatusNotFound, nil, nil, err
	}
	if rec != nil {
		return StatusCached, rec, nil, nil
	}

	token := uuid.NewString()
	acquired, err := s.client.SetNX(ctx, s.lockKey(key), token, s.lease).Result()
	if err != nil {
		return StatusNotFound, nil, nil, fmt.Errorf("mark settlement in-flight: %w", err)
	}
	if !acquired {
		return StatusInFlight, nil, nil, nil
	}

	// The owner may have completed between the load and the SETNX
	rec, err = s.load(ctx, key)
	if err != nil {
		_ = s.release(ctx, key, token)
		return StatusNotFound, nil, nil, err
	}
	if rec != nil {
		_ = s.release(ctx, key, token)
		return StatusCached, rec, nil, nil
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.owners[done] = token
	s.mu.Unlock()
	return StatusNotFound, nil, done, nil
}

// WaitForResult polls until a result appears or the in-flight marker goes away
func (s *RedisStore) WaitForResult(ctx context.Context, key string, _ chan struct{}) (*paygent.SettlementRecord, error) {
	for {
		rec, err := s.load(ctx, key)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
		n, err := s.client.Exists(ctx, s.lockKey(key)).Result()
		if err != nil {
			return nil, fmt.Errorf("check in-flight settlement: %w", err)
		}
		if n == 0 {
			return nil, nil
		}
		if err := paygent.Sleep(ctx, s.pollInterval); err != nil {
			return nil, err
		}
	}
}

// Complete stores the record and releases the lease
func (s *RedisStore) Complete(ctx context.Context, key string, record *paygent.SettlementRecord, done chan struct{}) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode settlement record: %w", err)
	}
	if err := s.client.Set(ctx, s.resultKey(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store settlement record: %w", err)
	}
	return s.releaseOwner(ctx, key, done)
}

// Fail releases the lease without storing a result. A lease that expired
// and was taken by another owner is left alone.
func (s *RedisStore) Fail(ctx context.Context, key string, done chan struct{}) error {
	return s.releaseOwner(ctx, key, done)
}

func (s *RedisStore) releaseOwner(ctx context.Context, key string, done chan struct{}) error {
	closeDone(done)
	s.mu.Lock()
	token, ok := s.owners[done]
	delete(s.owners, done)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.release(ctx, key, token)
}

func (s *RedisStore) release(ctx context.Context, key, token string) error {
	if err := releaseLease.Run(ctx, s.client, []string{s.lockKey(key)}, token).Err(); err != nil {
		return fmt.Errorf("release settlement lease: %w", err)
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, key string) (*paygent.SettlementRecord, error) {
	data, err := s.client.Get(ctx, s.resultKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load settlement record: %w", err)
	}
	var rec paygent.SettlementRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode settlement record: %w", err)
	}
	return &rec, nil
}

func closeDone(done chan struct{}) {
	if done == nil {
		return
	}
	select {
	case <-done:
	default:
		close(done)
	}
}
