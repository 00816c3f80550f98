// Package spf evaluates the Received-SPF header heuristically and, when
// verification is enabled, checks the sending host against the domain's
// published SPF record.
package spf

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/mail-cci/headerguard/internal/config"
	"github.com/mail-cci/headerguard/internal/metrics"
	"github.com/mail-cci/headerguard/internal/types"
)

// settings is replaced as a whole on Init; Verify works on one snapshot.
type settings struct {
	cfg    *config.Config
	rdb    *redis.Client
	logger *zap.Logger
}

var (
	current atomic.Pointer[settings]
	initMu  sync.Mutex
)

func load() *settings {
	if s := current.Load(); s != nil {
		return s
	}
	return &settings{logger: zap.NewNop()}
}

const defaultTimeout = 5 * time.Second

// Init configures SPF verification with application settings and
// initializes the redis client. It can be called multiple times safely.
func Init(c *config.Config, l *zap.Logger) {
	initMu.Lock()
	defer initMu.Unlock()

	prev := load()
	next := &settings{cfg: c, logger: prev.logger}
	if l != nil {
		next.logger = l
	}
	if c != nil && c.RedisURL != "" {
		next.rdb = redis.NewClient(&redis.Options{Addr: c.RedisURL})
	}
	current.Store(next)
	if prev.rdb != nil {
		_ = prev.rdb.Close()
	}
}

// Check evaluates SPF for ip against domain without caching. The RecordTTL
// of the published records is returned alongside the result.
func Check(ctx context.Context, ip net.IP, domain string) (*types.VerificationResult, uint32, error) {
	res := &types.VerificationResult{Check: "spf", Domain: domain}
	if ip == nil {
		return res, 0, fmt.Errorf("spf check for %s: missing client ip", domain)
	}
	r, ttl, err := checkHost(ctx, ip, strings.ToLower(domain), 0)
	res.Result = r
	if err != nil {
		res.Explanation = err.Error()
		return res, ttl, err
	}
	if ttl == 0 {
		ttl = defaultRecordTTL
	}
	return res, ttl, nil
}

// Verify checks the SPF record of domain for clientIP, consulting the redis
// cache first. Lookup errors are reported in the result as temperror or
// permerror and returned to the caller.
func Verify(ctx context.Context, clientIP net.IP, domain, sender string) (*types.VerificationResult, error) {
	st := load()
	cfg, rdb, logger := st.cfg, st.rdb, st.logger

	cacheKey := fmt.Sprintf("spf:%s:%s", clientIP.String(), strings.ToLower(domain))
	if rdb != nil {
		if val, err := rdb.Get(ctx, cacheKey).Result(); err == nil {
			logger.Debug("spf cache hit", zap.String("key", cacheKey))
			return &types.VerificationResult{Check: "spf", Domain: domain, Result: val}, nil
		}
	}

	timeout := defaultTimeout
	if cfg != nil && cfg.Verify.SPFTimeout > 0 {
		timeout = cfg.Verify.SPFTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, ttl, err := Check(cctx, clientIP, domain)
	metrics.VerificationDuration.WithLabelValues("spf").Observe(time.Since(start).Seconds())
	metrics.VerificationsTotal.WithLabelValues("spf", res.Result).Inc()
	if err != nil {
		logger.Debug("spf check failed",
			zap.String("domain", domain),
			zap.String("sender", sender),
			zap.String("result", res.Result),
			zap.Error(err))
		return res, err
	}

	if rdb != nil {
		exp := time.Duration(ttl) * time.Second
		if cfg != nil && cfg.Verify.CacheTTL > 0 && cfg.Verify.CacheTTL < exp {
			exp = cfg.Verify.CacheTTL
		}
		if err := rdb.Set(ctx, cacheKey, res.Result, exp).Err(); err != nil {
			logger.Debug("spf cache store failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}

	logger.Debug("spf verification complete",
		zap.String("domain", domain),
		zap.String("sender", sender),
		zap.String("ip", clientIP.String()),
		zap.String("result", res.Result))
	return res, nil
}
