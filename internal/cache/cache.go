// Package cache stores analysis results in redis keyed by the hash of the
// analysed text and the scoring settings in effect.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/mail-cci/headerguard/internal/metrics"
	"github.com/mail-cci/headerguard/internal/types"
)

const defaultTTL = time.Hour

type entry struct {
	Result types.AnalysisResult `json:"result"`
	Level  types.ThreatLevel    `json:"level"`
}

// Results is a redis-backed result cache. A nil *Results is valid and
// caches nothing.
type Results struct {
	rdb     *redis.Client
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger
}

// New returns a cache talking to the redis server at addr.
func New(addr string, timeout, ttl time.Duration, logger *zap.Logger) *Results {
	return NewWithClient(redis.NewClient(&redis.Options{Addr: addr}), timeout, ttl, logger)
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, timeout, ttl time.Duration, logger *zap.Logger) *Results {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Results{rdb: rdb, ttl: ttl, timeout: timeout, logger: logger}
}

func key(hash string) string {
	return fmt.Sprintf("analysis:%s", hash)
}

func (c *Results) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(parent, c.timeout)
	}
	return context.WithCancel(parent)
}

// Get returns the cached result for hash.
func (c *Results) Get(ctx context.Context, hash string) (types.AnalysisResult, types.ThreatLevel, bool) {
	if c == nil || c.rdb == nil {
		return types.AnalysisResult{}, "", false
	}
	ctx, cancel := c.ctx(ctx)
	defer cancel()

	val, err := c.rdb.Get(ctx, key(hash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.CacheRequests.WithLabelValues("miss").Inc()
		} else {
			metrics.CacheRequests.WithLabelValues("error").Inc()
			c.logger.Warn("result cache lookup failed", zap.String("hash", hash), zap.Error(err))
		}
		return types.AnalysisResult{}, "", false
	}

	var e entry
	if err := json.Unmarshal(val, &e); err != nil {
		metrics.CacheRequests.WithLabelValues("error").Inc()
		c.logger.Warn("corrupt result cache entry", zap.String("hash", hash), zap.Error(err))
		return types.AnalysisResult{}, "", false
	}
	if e.Result.Indicators == nil {
		e.Result.Indicators = []string{}
	}
	metrics.CacheRequests.WithLabelValues("hit").Inc()
	return e.Result, e.Level, true
}

// Set stores res under hash. Failures are logged and otherwise ignored.
func (c *Results) Set(ctx context.Context, hash string, res types.AnalysisResult, level types.ThreatLevel) {
	if c == nil || c.rdb == nil {
		return
	}
	data, err := json.Marshal(entry{Result: res, Level: level})
	if err != nil {
		c.logger.Warn("encoding result cache entry", zap.Error(err))
		return
	}
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	if err := c.rdb.Set(ctx, key(hash), data, c.ttl).Err(); err != nil {
		c.logger.Warn("result cache store failed", zap.String("hash", hash), zap.Error(err))
	}
}

// Close releases the redis client.
func (c *Results) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
