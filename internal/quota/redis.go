package quota

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript atomically checks and claims capacity in fixed windows.
// KEYS[1] = minute hash (fields req, tok)
// KEYS[2] = day counter
// ARGV[1..3] = rpm, tpm, rpd (0 = unlimited)
// ARGV[4] = estimated tokens
// ARGV[5] = minute key TTL seconds, ARGV[6] = day key TTL seconds
// Returns 1 when admitted, 0 when denied.
var reserveScript = redis.NewScript(`
local rpm = tonumber(ARGV[1])
local tpm = tonumber(ARGV[2])
local rpd = tonumber(ARGV[3])
local est = tonumber(ARGV[4])

local req = tonumber(redis.call('HGET', KEYS[1], 'req') or '0')
local tok = tonumber(redis.call('HGET', KEYS[1], 'tok') or '0')
local day = tonumber(redis.call('GET', KEYS[2]) or '0')

if rpm > 0 and req + 1 > rpm then return 0 end
if rpd > 0 and day + 1 > rpd then return 0 end
if tpm > 0 then
    if tok >= tpm then return 0 end
    if tok + est > tpm and not (est > tpm and tok == 0) then return 0 end
end

redis.call('HINCRBY', KEYS[1], 'req', 1)
redis.call('HINCRBY', KEYS[1], 'tok', est)
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[5]))
redis.call('INCR', KEYS[2])
redis.call('EXPIRE', KEYS[2], tonumber(ARGV[6]))
return 1
`)

// releaseScript rolls back an unsent reservation, never going below zero.
// ARGV[1] = tokens claimed
var releaseScript = redis.NewScript(`
local req = tonumber(redis.call('HGET', KEYS[1], 'req') or '0')
local tok = tonumber(redis.call('HGET', KEYS[1], 'tok') or '0')
local day = tonumber(redis.call('GET', KEYS[2]) or '0')
local claimed = tonumber(ARGV[1])

if req > 0 then redis.call('HINCRBY', KEYS[1], 'req', -1) end
if tok > 0 then redis.call('HINCRBY', KEYS[1], 'tok', -math.min(tok, claimed)) end
if day > 0 then redis.call('DECR', KEYS[2]) end
return 1
`)

// settleScript replaces a reservation's token claim with actual usage.
// KEYS[1] = minute hash
// ARGV[1] = actual minus claimed tokens, ARGV[2] = minute key TTL seconds
// The token counter never goes below zero.
var settleScript = redis.NewScript(`
local delta = tonumber(ARGV[1])
if delta == 0 then return 0 end
local tok = tonumber(redis.call('HGET', KEYS[1], 'tok') or '0')
if tok + delta < 0 then delta = -tok end
if delta ~= 0 then
    redis.call('HINCRBY', KEYS[1], 'tok', delta)
    redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
end
return delta
`)

const (
	minuteKeyTTL = 2 * time.Minute
	dayKeyTTL    = 48 * time.Hour
)

// RedisTracker shares quota windows between orchestrator instances. A
// reservation claims its request and estimated tokens immediately; Commit
// settles the token claim to actual usage in either direction. With a nil
// client, or on Redis errors, every check passes (fail open).
type RedisTracker struct {
	rdb    *redis.Client
	prefix string
	limits LimitsFunc
	now    func() time.Time
}

func NewRedisTracker(rdb *redis.Client, prefix string, fn LimitsFunc) *RedisTracker {
	if prefix == "" {
		prefix = "orch:quota"
	}
	return &RedisTracker{rdb: rdb, prefix: prefix, limits: fn, now: time.Now}
}

func (t *RedisTracker) keys(provider, model string, now time.Time) (minuteKey, dayKey string) {
	k := key(provider, model)
	minuteKey = fmt.Sprintf("%s:%s:m:%d", t.prefix, k, minuteStart(now).Unix())
	dayKey = fmt.Sprintf("%s:%s:d:%d", t.prefix, k, dayStart(now).Unix())
	return minuteKey, dayKey
}

func (t *RedisTracker) limitsFor(provider, model string) Limits {
	if t.limits == nil {
		return Limits{}
	}
	l, _ := t.limits(provider, model)
	return l
}

func (t *RedisTracker) counters(ctx context.Context, provider, model string, now time.Time) (req, tok, day int, err error) {
	mk, dk := t.keys(provider, model, now)
	pipe := t.rdb.Pipeline()
	minute := pipe.HMGet(ctx, mk, "req", "tok")
	daily := pipe.Get(ctx, dk)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, 0, err
	}
	vals := minute.Val()
	req = parseCount(vals, 0)
	tok = parseCount(vals, 1)
	day, _ = daily.Int()
	return req, tok, day, nil
}

func parseCount(vals []any, i int) int {
	if i >= len(vals) || vals[i] == nil {
		return 0
	}
	s, _ := vals[i].(string)
	n, _ := strconv.Atoi(s)
	return n
}

func (t *RedisTracker) CanAdmit(ctx context.Context, provider, model string, estimatedTokens int) bool {
	l := t.limitsFor(provider, model)
	if t.rdb == nil || l.Unlimited() {
		return true
	}
	req, tok, day, err := t.counters(ctx, provider, model, t.now())
	if err != nil {
		slog.Warn("quota check failed, admitting", "provider", provider, "model", model, "error", err)
		return true
	}
	return admits(l, req, tok, day, estimatedTokens)
}

func (t *RedisTracker) Reserve(ctx context.Context, provider, model string, estimatedTokens int) (Reservation, error) {
	if estimatedTokens < 0 {
		estimatedTokens = 0
	}
	l := t.limitsFor(provider, model)
	if t.rdb == nil {
		return noopReservation{}, nil
	}
	mk, dk := t.keys(provider, model, t.now())
	ok, err := reserveScript.Run(ctx, t.rdb, []string{mk, dk},
		l.RPM, l.TPM, l.RPD, estimatedTokens,
		int64(minuteKeyTTL/time.Second), int64(dayKeyTTL/time.Second),
	).Int()
	if err != nil {
		slog.Warn("quota reserve failed, admitting", "provider", provider, "model", model, "error", err)
		return noopReservation{}, nil
	}
	if ok != 1 {
		return nil, ErrQuotaExceeded
	}
	return &redisReservation{rdb: t.rdb, minuteKey: mk, dayKey: dk, tokens: estimatedTokens}, nil
}

func (t *RedisTracker) Record(ctx context.Context, provider, model string, tokens int) {
	if t.rdb == nil {
		return
	}
	if tokens < 0 {
		tokens = 0
	}
	mk, dk := t.keys(provider, model, t.now())
	pipe := t.rdb.TxPipeline()
	pipe.HIncrBy(ctx, mk, "req", 1)
	pipe.HIncrBy(ctx, mk, "tok", int64(tokens))
	pipe.Expire(ctx, mk, minuteKeyTTL)
	pipe.Incr(ctx, dk)
	pipe.Expire(ctx, dk, dayKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("quota record failed", "provider", provider, "model", model, "error", err)
	}
}

func (t *RedisTracker) WaitTime(ctx context.Context, provider, model string) time.Duration {
	l := t.limitsFor(provider, model)
	if t.rdb == nil || l.Unlimited() {
		return 0
	}
	now := t.now()
	req, tok, day, err := t.counters(ctx, provider, model, now)
	if err != nil {
		return 0
	}
	return waitFor(l, now, req, tok, day)
}

type redisReservation struct {
	rdb       *redis.Client
	minuteKey string
	dayKey    string
	tokens    int
	done      atomic.Bool
}

func (r *redisReservation) Commit(ctx context.Context, tokens int) {
	if !r.done.CompareAndSwap(false, true) {
		return
	}
	if tokens < 0 {
		tokens = 0
	}
	delta := tokens - r.tokens
	if delta == 0 {
		return
	}
	if err := settleScript.Run(ctx, r.rdb, []string{r.minuteKey}, delta, int64(minuteKeyTTL/time.Second)).Err(); err != nil {
		slog.Warn("quota commit failed", "key", r.minuteKey, "error", err)
	}
}

func (r *redisReservation) Release(ctx context.Context) {
	if !r.done.CompareAndSwap(false, true) {
		return
	}
	if err := releaseScript.Run(ctx, r.rdb, []string{r.minuteKey, r.dayKey}, r.tokens).Err(); err != nil {
		slog.Warn("quota release failed", "key", r.minuteKey, "error", err)
	}
}

type noopReservation struct{}

func (noopReservation) Commit(context.Context, int) {}
func (noopReservation) Release(context.Context)     {}
