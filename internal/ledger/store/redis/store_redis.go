// Package redis provides the distributed ledger store. All check-and-reserve
// logic runs inside Lua scripts so the check and the increment are one atomic
// step on the Redis side, across every engine instance.
package redis

import (
	"fmt"
	"time"

	"context"

	"github.com/redis/go-redis/v9"

	"aport/internal/ledger"
	id "aport/pkg/domain"
	dErrors "aport/pkg/domain-errors"
)

const counterKeyPrefix = "aport:ledger:"

// checkAndIncrScript refuses when the post-increment total would exceed the
// cap (cap < 0 means uncapped). Returns {ok, total}.
var checkAndIncrScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local delta = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
if cap >= 0 and current + delta > cap then
  return {0, tostring(current)}
end
local total = redis.call('INCRBYFLOAT', KEYS[1], delta)
redis.call('EXPIRE', KEYS[1], ARGV[3])
return {1, total}
`)

// batchScript checks every key first and only then applies any increment,
// so a refused batch leaves every counter untouched. ARGV layout per entry i:
// delta at 2i+1, cap at 2i+2; final ARGV is the TTL in seconds.
// Returns {1} on commit or {0, violatedIndex} on refusal.
var batchScript = redis.NewScript(`
local n = #KEYS
local ttl = ARGV[2*n+1]
local pending = {}
for i = 1, n do
  local delta = tonumber(ARGV[2*i-1])
  pending[KEYS[i]] = (pending[KEYS[i]] or 0) + delta
end
for i = 1, n do
  local cap = tonumber(ARGV[2*i])
  if cap >= 0 then
    local current = tonumber(redis.call('GET', KEYS[i]) or '0')
    if current + pending[KEYS[i]] > cap then
      return {0, i}
    end
  end
end
local applied = {}
for i = 1, n do
  if not applied[KEYS[i]] then
    redis.call('INCRBYFLOAT', KEYS[i], pending[KEYS[i]])
    redis.call('EXPIRE', KEYS[i], ttl)
    applied[KEYS[i]] = true
  end
end
return {1}
`)

// Store implements ledger.Store on Redis. This is the recommended backend
// when more than one engine instance serves the same agents.
type Store struct {
	client *redis.Client
	now    func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithClock injects a time source for window rollover tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New constructs a Redis-backed ledger store.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// counterKey uses a {agent} hash tag so every key of one agent lands on the
// same cluster slot, keeping the batch script valid under Redis Cluster.
func counterKey(agentID id.AgentID, dimension string, window ledger.Window, now time.Time) string {
	return fmt.Sprintf("%s{%s}:%s:%s", counterKeyPrefix, agentID, dimension, window.Key(now))
}

func (s *Store) CheckAndIncrement(ctx context.Context, agentID id.AgentID, dimension string, window ledger.Window, delta, cap float64) (bool, float64, error) {
	key := counterKey(agentID, dimension, window, s.now())
	res, err := checkAndIncrScript.Run(ctx, s.client, []string{key},
		delta, cap, int(window.TTL().Seconds())).Slice()
	if err != nil {
		return false, 0, dErrors.Wrap(err, dErrors.CodeInternal, "ledger check-and-increment")
	}
	if len(res) < 2 {
		return false, 0, dErrors.New(dErrors.CodeInternal, "ledger script returned malformed reply")
	}
	ok := res[0].(int64) == 1
	total, err := parseFloatReply(res[1])
	if err != nil {
		return false, 0, err
	}
	return ok, total, nil
}

func (s *Store) CheckAndIncrementBatch(ctx context.Context, agentID id.AgentID, entries []ledger.Entry, caps ledger.CapFunc) (bool, string, error) {
	if len(entries) == 0 {
		return true, "", nil
	}
	now := s.now()

	keys := make([]string, 0, len(entries))
	args := make([]any, 0, 2*len(entries)+1)
	maxTTL := time.Duration(0)
	for _, e := range entries {
		keys = append(keys, counterKey(agentID, e.Dimension, e.Window, now))
		cap, capped := caps(e.Dimension)
		if !capped {
			cap = -1
		}
		args = append(args, e.Delta, cap)
		if ttl := e.Window.TTL(); ttl > maxTTL {
			maxTTL = ttl
		}
	}
	args = append(args, int(maxTTL.Seconds()))

	res, err := batchScript.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return false, "", dErrors.Wrap(err, dErrors.CodeInternal, "ledger batch reservation")
	}
	if res[0].(int64) == 1 {
		return true, "", nil
	}
	idx := int(res[1].(int64)) - 1
	if idx < 0 || idx >= len(entries) {
		return false, "", dErrors.New(dErrors.CodeInternal, "ledger script returned bad violation index")
	}
	return false, entries[idx].Dimension, nil
}

func (s *Store) Current(ctx context.Context, agentID id.AgentID, dimension string, window ledger.Window) (float64, error) {
	key := counterKey(agentID, dimension, window, s.now())
	val, err := s.client.Get(ctx, key).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "ledger read")
	}
	return val, nil
}

func parseFloatReply(v any) (float64, error) {
	switch t := v.(type) {
	case string:
		var f float64
		if _, err := fmt.Sscanf(t, "%g", &f); err != nil {
			return 0, dErrors.Wrap(err, dErrors.CodeInternal, "parse ledger total")
		}
		return f, nil
	case int64:
		return float64(t), nil
	case float64:
		return t, nil
	}
	return 0, dErrors.New(dErrors.CodeInternal, "unexpected ledger reply type")
}
