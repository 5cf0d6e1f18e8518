// ratelimit.go throttles API callers. Scans fan out into many upstream audit log
// requests, so a misbehaving dashboard can burn a whole organization's GitHub quota;
// the limiter caps how often each caller may start one.
package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/app-inventory/app-inventory/internal/config"
)

const redisKeyPrefix = "gau:ratelimit:"

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether the caller identified by key may make another request.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Close() error
}

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained rate per caller
	RequestsPerMinute int
	// BurstSize is the maximum burst of requests allowed
	BurstSize int
	// CleanupInterval is how often idle callers are forgotten (memory limiter only)
	CleanupInterval time.Duration
}

// DefaultRateLimitConfig returns the limits used when none are configured.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   5 * time.Minute,
	}
}

func (c RateLimitConfig) burst() int {
	if c.BurstSize < 1 {
		return 1
	}
	return c.BurstSize
}

// NewLimiterFromConfig builds the limiter described by cfg: Redis-backed when a
// redis_url is set, in-process otherwise. It returns nil when limiting is disabled.
func NewLimiterFromConfig(cfg config.RateLimitingConfig) (Limiter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	rlc := DefaultRateLimitConfig()
	rlc.RequestsPerMinute = cfg.RequestsPerMinute
	if cfg.Burst > 0 {
		rlc.BurstSize = cfg.Burst
	}
	if cfg.RedisURL == "" {
		return NewMemoryLimiter(rlc), nil
	}
	return NewRedisLimiter(cfg.RedisURL, rlc)
}

// ---------------------------------------------------------------------------
// In-process token bucket
// ---------------------------------------------------------------------------

// bucket tracks the tokens left for a single caller
type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// MemoryLimiter is a token bucket limiter local to this process.
type MemoryLimiter struct {
	config   RateLimitConfig
	buckets  map[string]*bucket
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewMemoryLimiter creates a memory limiter and starts its cleanup goroutine.
// Call Close to stop it.
func NewMemoryLimiter(config RateLimitConfig) *MemoryLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	l := &MemoryLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

func (l *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep(10 * time.Minute)
		case <-l.stopCh:
			return
		}
	}
}

// sweep forgets callers idle for longer than idle.
func (l *MemoryLimiter) sweep(idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, b := range l.buckets {
		if now.Sub(b.lastUpdate) > idle {
			delete(l.buckets, key)
		}
	}
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (l *MemoryLimiter) Close() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	return nil
}

func (l *MemoryLimiter) perSecond() float64 {
	return float64(l.config.RequestsPerMinute) / 60.0
}

// Allow takes one token from key's bucket if one is available.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	burst := float64(l.config.burst())
	d := Decision{Limit: l.config.RequestsPerMinute}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: burst, lastUpdate: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastUpdate)
	b.tokens = min(burst, b.tokens+elapsed.Seconds()*l.perSecond())
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
		d.Remaining = int(b.tokens)
		return d, nil
	}

	d.RetryAfter = time.Minute
	if rate := l.perSecond(); rate > 0 {
		d.RetryAfter = time.Duration((1 - b.tokens) / rate * float64(time.Second))
	}
	return d, nil
}

// ---------------------------------------------------------------------------
// Redis-backed GCRA limiter shared by all replicas
// ---------------------------------------------------------------------------

// RedisLimiter applies the limit across every replica through Redis.
type RedisLimiter struct {
	rdb     *redis.Client
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRedisLimiter connects to the Redis server at redisURL. The connection is lazy;
// an unreachable server surfaces as an Allow error.
func NewRedisLimiter(redisURL string, config RateLimitConfig) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limiting redis_url: %w", err)
	}
	rdb := redis.NewClient(opts)
	return &RedisLimiter{
		rdb:     rdb,
		limiter: redis_rate.NewLimiter(rdb),
		limit: redis_rate.Limit{
			Rate:   config.RequestsPerMinute,
			Burst:  config.burst(),
			Period: time.Minute,
		},
	}, nil
}

// Allow consumes one request from key's allowance.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := l.limiter.Allow(ctx, redisKeyPrefix+key, l.limit)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}
	return Decision{
		Allowed:    res.Allowed > 0,
		Limit:      l.limit.Rate,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
	}, nil
}

// Ping checks that the Redis server answers.
func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (l *RedisLimiter) Close() error {
	return l.rdb.Close()
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// RateLimitMiddleware rejects callers over their allowance with 429. A limiter
// failure (Redis down) lets the request through and logs a warning.
func RateLimitMiddleware(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := getRateLimitKey(c)

		d, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request",
				"error", err, "request_id", c.GetString(RequestIDKey))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

		if !d.Allowed {
			retryAfter := int(math.Ceil(d.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}

// getRateLimitKey identifies the caller. Requests carrying a GitHub token are keyed
// on a fingerprint of the token so callers behind one proxy do not share a bucket;
// anonymous requests fall back to the client IP.
func getRateLimitKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		if token != "" {
			sum := sha256.Sum256([]byte(token))
			return "token:" + hex.EncodeToString(sum[:8])
		}
	}

	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
