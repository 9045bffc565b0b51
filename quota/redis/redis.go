// Package redis provides a Redis-backed CapacityStore for quotagate.
//
// Each profile owns two keys: a sorted set request log scored by millisecond
// timestamp and an integer pending counter. Selection and release each run as
// one Lua script, which makes the store safe to share between router
// instances. All keys touched by a selection must live in one slot, so
// Redis Cluster deployments need a hash-tagged prefix such as "{quotagate}:".
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/quotagate"
)

// Store is a Redis-backed CapacityStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	now       func() time.Time
}

var _ quotagate.CapacityStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "quotagate:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new Redis-backed CapacityStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "quotagate:",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) requestsKey(profileID string) string {
	return s.keyPrefix + "profile:" + profileID + ":requests"
}

func (s *Store) pendingKey(profileID string) string {
	return s.keyPrefix + "profile:" + profileID + ":pending"
}

// selectScript evaluates every candidate and reserves the chosen one.
// KEYS[2i-1] = request log of candidate i
// KEYS[2i]   = pending counter of candidate i
// ARGV[1] = now (unix ms)
// ARGV[2] = exclusive lower bound of the minute window, "(" prefixed
// ARGV[3] = exclusive lower bound of the second window, "(" prefixed
// ARGV[4] = inclusive prune bound (entries at or below are dropped)
// ARGV[5] = policy name
// ARGV[6] = reservation member
// ARGV[7] = request log TTL (ms)
// ARGV[8+3(i-1)..] = rpm, max concurrent, max rps of candidate i (-1 = unset)
//
// Returns nil when nothing is eligible, otherwise
// {index (0-based), window count, pending, second count}.
var selectScript = goredis.NewScript(`
local mode = ARGV[5]
local n = #KEYS / 2
local best, best_count, best_limit, best_pending, best_second, best_conc

for i = 1, n do
    local rkey = KEYS[2 * i - 1]
    local pkey = KEYS[2 * i]
    local base = 7 + (i - 1) * 3
    local rpm = tonumber(ARGV[base + 1])
    local conc = tonumber(ARGV[base + 2])
    local rps = tonumber(ARGV[base + 3])

    local count = redis.call("ZCOUNT", rkey, ARGV[2], "+inf")
    local eligible = count < rpm

    local pending = 0
    if eligible and conc >= 0 then
        pending = tonumber(redis.call("GET", pkey) or "0")
        eligible = pending < conc
    end

    local second = 0
    if eligible and rps >= 0 then
        second = redis.call("ZCOUNT", rkey, ARGV[3], "+inf")
        eligible = second < rps
    end

    if eligible then
        local take = best == nil
        if not take and mode == "least-utilization" then
            take = count * best_limit < best_count * rpm
        end
        if take then
            best, best_count, best_limit = i, count, rpm
            best_pending, best_second, best_conc = pending, second, conc
        end
        if mode == "first-available" then
            break
        end
    end
end

if best == nil then
    return nil
end

local rkey = KEYS[2 * best - 1]
redis.call("ZREMRANGEBYSCORE", rkey, "-inf", ARGV[4])
redis.call("ZADD", rkey, ARGV[1], ARGV[6])
redis.call("PEXPIRE", rkey, ARGV[7])
if best_conc >= 0 then
    redis.call("INCR", KEYS[2 * best])
end

return {best - 1, best_count, best_pending, best_second}
`)

// releaseScript undoes one reservation.
// KEYS[1] = request log
// KEYS[2] = pending counter
// ARGV[1] = reservation member
// ARGV[2] = "1" if the reservation holds a concurrency slot
var releaseScript = goredis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
if ARGV[2] == "1" then
    local pending = tonumber(redis.call("GET", KEYS[2]) or "0")
    if pending > 0 then
        redis.call("DECR", KEYS[2])
    end
end
return 1
`)

// Select atomically picks and reserves one eligible candidate.
func (s *Store) Select(ctx context.Context, req quotagate.SelectRequest) (quotagate.Decision, bool, error) {
	mode, err := scriptMode(req.Policy)
	if err != nil {
		return quotagate.Decision{}, false, err
	}

	ordered := req.Policy.Order(req.Candidates)
	if len(ordered) == 0 {
		return quotagate.Decision{}, false, nil
	}

	now := s.now()
	nowMs := now.UnixMilli()
	minuteCut := strconv.FormatInt(nowMs-quotagate.Window.Milliseconds(), 10)
	secondCut := strconv.FormatInt(nowMs-quotagate.SecondWindow.Milliseconds(), 10)
	member := quotagate.ReservationMember(now)

	keys := make([]string, 0, 2*len(ordered))
	args := make([]any, 0, 7+3*len(ordered))
	args = append(args,
		strconv.FormatInt(nowMs, 10),
		"("+minuteCut,
		"("+secondCut,
		minuteCut,
		mode,
		member,
		(2 * quotagate.Window).Milliseconds(),
	)
	for _, c := range ordered {
		q := c.Profile.Quota
		keys = append(keys, s.requestsKey(c.Profile.ID), s.pendingKey(c.Profile.ID))
		args = append(args, q.MaxRequestsPerMinute, optLimit(q.MaxConcurrentRequests), optLimit(q.MaxRequestsPerSecond))
	}

	vals, err := selectScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if errors.Is(err, goredis.Nil) {
		return quotagate.Decision{}, false, nil
	}
	if err != nil {
		return quotagate.Decision{}, false, fmt.Errorf("%w: redis select: %v", quotagate.ErrStoreUnavailable, err)
	}
	if len(vals) != 4 || vals[0] < 0 || int(vals[0]) >= len(ordered) {
		return quotagate.Decision{}, false, fmt.Errorf("quotagate/redis: unexpected select result: %v", vals)
	}

	chosen := quotagate.Scored{
		Candidate: ordered[vals[0]],
		Usage:     quotagate.Usage{Window: vals[1], Pending: vals[2], Second: vals[3]},
	}
	res := quotagate.Reservation{
		ProfileID:   chosen.Profile.ID,
		Member:      member,
		Timestamp:   now,
		Concurrency: chosen.Profile.Quota.ConcurrencyLimited(),
	}
	return quotagate.NewDecision(chosen, res), true, nil
}

// Release removes the reservation's log entry and returns its concurrency
// slot.
func (s *Store) Release(ctx context.Context, res quotagate.Reservation) error {
	withPending := "0"
	if res.Concurrency {
		withPending = "1"
	}
	_, err := releaseScript.Run(ctx, s.client,
		[]string{s.requestsKey(res.ProfileID), s.pendingKey(res.ProfileID)},
		res.Member, withPending,
	).Result()
	if err != nil {
		return fmt.Errorf("%w: redis release: %v", quotagate.ErrStoreUnavailable, err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %v", quotagate.ErrStoreUnavailable, err)
	}
	return nil
}

// scriptMode maps a policy to the ranking implemented by selectScript.
func scriptMode(p quotagate.Policy) (string, error) {
	if p == nil {
		return "", fmt.Errorf("quotagate/redis: policy is required")
	}
	switch name := p.Name(); name {
	case quotagate.PolicyLeastUtilization, quotagate.PolicyFirstAvailable:
		return name, nil
	default:
		return "", fmt.Errorf("quotagate/redis: policy %q cannot be evaluated in redis", name)
	}
}

func optLimit(v *uint) int64 {
	if v == nil {
		return -1
	}
	return int64(*v)
}
