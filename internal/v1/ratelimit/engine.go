// Package ratelimit implements the multi-scope rate limit engine:
// fixed-window counters per (principal, action) with sticky blocks once
// a window is exceeded. Counters live in memory by default or in Redis
// when shared across replicas.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/studyhive/studyhive/backend/go/internal/v1/config"
	"github.com/studyhive/studyhive/backend/go/internal/v1/logging"
	"github.com/studyhive/studyhive/backend/go/internal/v1/metrics"
)

// Action identifies a rate-limited operation class.
type Action string

const (
	ActionAPI            Action = "api"
	ActionIdentityCreate Action = "identity_create"
	ActionJoinAttempt    Action = "join_attempt"
	ActionChatSend       Action = "chat_send"
)

// Decision is the outcome of one Check call.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// RetryAfter is how long the caller must wait before the decision could
// flip to allowed. Zero when the decision is allowed.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || d.ResetAt.IsZero() {
		return 0
	}
	wait := d.ResetAt.Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

type policy struct {
	rate  limiter.Rate
	block time.Duration
}

const blockShards = 16

// blockShard holds the sticky blocks for a slice of the key space.
type blockShard struct {
	mu     sync.Mutex
	blocks map[string]time.Time // key -> blocked_until
}

// Engine holds one fixed-window limiter per action plus the sticky
// block table layered on top.
type Engine struct {
	limiters map[Action]*limiter.Limiter
	policies map[Action]policy
	shards   [blockShards]*blockShard
	breaker  *gobreaker.CircuitBreaker // nil when the store is in-memory
	clock    clock.PassiveClock
}

// NewEngine builds the engine from the configured rate table. A non-nil
// redis client switches the counter store to Redis so replicas share
// windows; counter lookups then run through a circuit breaker and fail
// open when Redis is down.
func NewEngine(cfg *config.Config, redisClient *redis.Client, clk clock.PassiveClock) (*Engine, error) {
	rates := map[Action]struct {
		formatted string
		block     time.Duration
	}{
		ActionAPI:            {cfg.RateLimitAPI, cfg.RateBlockAPI},
		ActionIdentityCreate: {cfg.RateLimitIdentity, cfg.RateBlockIdentity},
		ActionJoinAttempt:    {cfg.RateLimitJoin, cfg.RateBlockJoin},
		ActionChatSend:       {cfg.RateLimitChat, cfg.RateBlockChat},
	}

	var store limiter.Store
	var breaker *gobreaker.CircuitBreaker
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:studyhive:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "ratelimit-redis",
			MaxRequests: 5,
			Interval:    time.Minute,
			Timeout:     15 * time.Second,
		})
		logging.Info(context.Background(), "✅ Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Info(context.Background(), "Rate limiter using in-memory store")
	}

	e := &Engine{
		limiters: make(map[Action]*limiter.Limiter, len(rates)),
		policies: make(map[Action]policy, len(rates)),
		breaker:  breaker,
		clock:    clk,
	}
	for action, r := range rates {
		rate, err := limiter.NewRateFromFormatted(r.formatted)
		if err != nil {
			return nil, fmt.Errorf("invalid %s rate %q: %w", action, r.formatted, err)
		}
		e.limiters[action] = limiter.New(store, rate)
		e.policies[action] = policy{rate: rate, block: r.block}
	}
	for i := range e.shards {
		e.shards[i] = &blockShard{blocks: make(map[string]time.Time)}
	}
	return e, nil
}

// Check runs the fixed-window counter for (principal, action). A check
// while blocked is denied without touching the counter and reports the
// block expiry as ResetAt. Exceeding the window installs a sticky block.
// The principal key is the hashed address or public user id, never the
// raw address.
func (e *Engine) Check(ctx context.Context, principal string, action Action) Decision {
	pol := e.policies[action]
	key := string(action) + ":" + principal
	now := e.clock.Now()

	if _, blocked := e.blockedUntil(key, now); blocked {
		// An attempt that lands while blocked is itself a violation and
		// pushes the expiry out by another block period.
		until := e.RecordViolation(principal, action)
		metrics.RateLimitDenials.WithLabelValues(string(action)).Inc()
		return Decision{
			Allowed: false,
			Limit:   pol.rate.Limit,
			ResetAt: until,
		}
	}

	lctx, err := e.get(ctx, action, key)
	if err != nil {
		// Counter store down: fail open so abuse control never takes
		// the whole service with it.
		logging.Warn(ctx, "rate limit store failed, allowing request",
			zap.String("action", string(action)), zap.Error(err))
		return Decision{Allowed: true, Limit: pol.rate.Limit, Remaining: pol.rate.Limit}
	}

	d := Decision{
		Allowed:   !lctx.Reached,
		Limit:     lctx.Limit,
		Remaining: lctx.Remaining,
		ResetAt:   time.Unix(lctx.Reset, 0),
	}
	if lctx.Reached {
		until := now.Add(pol.block)
		e.setBlock(key, until)
		d.ResetAt = until
		metrics.RateLimitDenials.WithLabelValues(string(action)).Inc()
		metrics.RateLimitBlocks.WithLabelValues(string(action)).Inc()
		logging.Warn(ctx, "suspicious activity: rate limit exceeded, principal blocked",
			zap.String("action", string(action)),
			zap.Duration("block", pol.block))
	}
	return d
}

// RecordViolation extends the principal's sticky block for the action,
// measured from now or from the current block expiry, whichever is
// later. Check calls it for every attempt that lands while blocked, so
// a principal that keeps hammering never sees its block expire.
func (e *Engine) RecordViolation(principal string, action Action) time.Time {
	pol := e.policies[action]
	key := string(action) + ":" + principal
	now := e.clock.Now()

	shard := e.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	from := now
	if until, ok := shard.blocks[key]; ok && until.After(from) {
		from = until
	}
	until := from.Add(pol.block)
	shard.blocks[key] = until
	metrics.RateLimitBlocks.WithLabelValues(string(action)).Inc()
	return until
}

// get runs the counter read-modify-write, through the breaker when the
// store is Redis-backed.
func (e *Engine) get(ctx context.Context, action Action, key string) (limiter.Context, error) {
	inst := e.limiters[action]
	if e.breaker == nil {
		return inst.Get(ctx, key)
	}
	res, err := e.breaker.Execute(func() (interface{}, error) {
		return inst.Get(ctx, key)
	})
	if err != nil {
		return limiter.Context{}, err
	}
	return res.(limiter.Context), nil
}

func (e *Engine) blockedUntil(key string, now time.Time) (time.Time, bool) {
	shard := e.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	until, ok := shard.blocks[key]
	if !ok {
		return time.Time{}, false
	}
	if !until.After(now) {
		// Expired; drop so the map does not grow with dead entries.
		delete(shard.blocks, key)
		return time.Time{}, false
	}
	return until, true
}

func (e *Engine) setBlock(key string, until time.Time) {
	shard := e.shardFor(key)
	shard.mu.Lock()
	shard.blocks[key] = until
	shard.mu.Unlock()
}

func (e *Engine) shardFor(key string) *blockShard {
	// FNV-1a, inlined: the key set is small and hot.
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return e.shards[h%blockShards]
}

// PrincipalFunc derives the rate-limit key from a request.
type PrincipalFunc func(c *gin.Context) string
