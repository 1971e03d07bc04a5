package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	dErrors "aport/pkg/domain-errors"
)

const recordKeyPrefix = "aport:idem:"

// RedisStore implements Store on Redis. SET NX makes the first reserver win
// across every engine instance; GET-after-lost-race returns the holder's
// record so callers converge on one decision.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL overrides the replay window.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// NewRedis constructs a Redis-backed idempotency store.
func NewRedis(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, ttl: DefaultTTL}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisStore) Reserve(ctx context.Context, key string, pending *Record) (*Record, bool, error) {
	raw, err := json.Marshal(pending)
	if err != nil {
		return nil, false, dErrors.Wrap(err, dErrors.CodeInternal, "encode idempotency record")
	}
	// The marker carries ReservationTTL, not the replay TTL: a holder that
	// dies mid-evaluation frees the key after seconds, not a day.
	set, err := s.client.SetNX(ctx, recordKeyPrefix+key, raw, ReservationTTL).Result()
	if err != nil {
		return nil, false, dErrors.Wrap(err, dErrors.CodeInternal, "idempotency reserve")
	}
	if set {
		return nil, true, nil
	}
	// Lost the race; surface the record that actually holds the key.
	existing, err := s.read(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		// Holder expired between SETNX and GET; extremely narrow window,
		// retry the claim.
		return s.Reserve(ctx, key, pending)
	}
	return existing, false, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "encode idempotency record")
	}
	// Plain SET: only the reservation holder completes, so overwriting the
	// pending marker is the intended transition.
	if err := s.client.Set(ctx, recordKeyPrefix+key, raw, s.ttl).Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "idempotency complete")
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, recordKeyPrefix+key).Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "idempotency release")
	}
	return nil
}

func (s *RedisStore) read(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, recordKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "idempotency read")
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "decode idempotency record")
	}
	return &rec, nil
}
