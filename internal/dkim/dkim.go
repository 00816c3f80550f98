// Package dkim evaluates DKIM evidence present in headers and, when
// verification is enabled, verifies DKIM signatures against published keys.
package dkim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/textproto"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/go-redis/redis/v8"
	mdns "github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/mail-cci/headerguard/internal/config"
	"github.com/mail-cci/headerguard/internal/metrics"
	"github.com/mail-cci/headerguard/internal/types"
)

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

var txtLookup = defaultLookupTXT

const (
	dkimSigerrorEmptyS = 18
	defaultTimeout     = 5 * time.Second
	defaultKeyTTL      = time.Hour
)

func defaultLookupTXT(ctx context.Context, domain string) ([]string, uint32, error) {
	conf, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, 0, err
	}
	if len(conf.Servers) == 0 {
		return nil, 0, errors.New("no nameservers configured")
	}
	server := net.JoinHostPort(conf.Servers[0], conf.Port)
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(domain), mdns.TypeTXT)
	r, _, err := new(mdns.Client).ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, 0, err
	}
	var out []string
	var ttl uint32
	for _, ans := range r.Answer {
		if t, ok := ans.(*mdns.TXT); ok {
			out = append(out, strings.Join(t.Txt, ""))
			if ttl == 0 || t.Hdr.Ttl < ttl {
				ttl = t.Hdr.Ttl
			}
		}
	}
	return out, ttl, nil
}

// Init stores the application config for DKIM verification. The previous
// redis client is closed after the new settings are published.
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

var selectorRegexp = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)

func parseSelector(header string) (string, error) {
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "s=") {
			val := strings.TrimSpace(strings.TrimPrefix(part, "s="))
			if val == "" {
				return "", fmt.Errorf("empty selector")
			}
			if !selectorRegexp.MatchString(val) {
				return "", fmt.Errorf("invalid selector %q", val)
			}
			return val, nil
		}
	}
	return "", fmt.Errorf("s tag not found")
}

// Verify checks every DKIM signature in rawEmail. The result is "pass" when at
// least one signature verifies, "fail" when signatures exist but none
// verifies and "none" when the message is unsigned.
func Verify(ctx context.Context, rawEmail []byte) (*types.VerificationResult, error) {
	st := load()
	cfg, logger := st.cfg, st.logger

	res := &types.VerificationResult{Check: "dkim", Result: "none"}
	logger.Debug("verifying DKIM", zap.Int("size", len(rawEmail)))

	if msg, err := mail.ReadMessage(bytes.NewReader(rawEmail)); err == nil {
		for _, v := range msg.Header[textproto.CanonicalMIMEHeaderKey("DKIM-Signature")] {
			sel, err := parseSelector(v)
			if err != nil {
				logger.Debug("invalid DKIM selector", zap.Int("code", dkimSigerrorEmptyS), zap.Error(err))
				continue
			}
			if res.Selector == "" {
				res.Selector = sel
			}
		}
	}

	start := time.Now()
	defer func() {
		metrics.VerificationDuration.WithLabelValues("dkim").Observe(time.Since(start).Seconds())
		metrics.VerificationsTotal.WithLabelValues("dkim", res.Result).Inc()
	}()

	timeout := defaultTimeout
	if cfg != nil && cfg.Verify.DKIMTimeout > 0 {
		timeout = cfg.Verify.DKIMTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	verifs, err := dkim.VerifyWithOptions(bytes.NewReader(rawEmail), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			return lookupTXTWithCache(ctx, st, domain)
		},
	})
	if err != nil && len(verifs) == 0 {
		res.Result = "temperror"
		res.Explanation = err.Error()
		return res, fmt.Errorf("dkim verification: %w", err)
	}
	if len(verifs) == 0 {
		return res, nil
	}

	res.Result = "fail"
	for _, v := range verifs {
		if res.Domain == "" {
			res.Domain = v.Domain
		}
		if v.Err == nil {
			res.Result = "pass"
			res.Domain = v.Domain
			res.Explanation = ""
			break
		}
		if res.Explanation == "" {
			res.Explanation = v.Err.Error()
		}
	}

	logger.Debug("dkim verification complete",
		zap.String("result", res.Result),
		zap.String("domain", res.Domain),
		zap.String("selector", res.Selector))
	return res, nil
}

func lookupTXTWithCache(ctx context.Context, st *settings, domain string) ([]string, error) {
	cfg, rdb, logger := st.cfg, st.rdb, st.logger
	cacheKey := ""
	if parts := strings.SplitN(domain, "._domainkey.", 2); len(parts) == 2 && parts[0] != "" && parts[1] != "" {
		cacheKey = fmt.Sprintf("dkim:key:%s:%s", parts[0], parts[1])
		if rdb != nil {
			if val, err := rdb.Get(ctx, cacheKey).Result(); err == nil {
				return []string{val}, nil
			}
		}
	}

	txts, ttl, err := txtLookup(ctx, domain)
	if err != nil {
		return nil, err
	}

	if cacheKey != "" && rdb != nil && len(txts) > 0 {
		dur := defaultKeyTTL
		if cfg != nil && cfg.Verify.CacheTTL > 0 {
			dur = cfg.Verify.CacheTTL
		}
		if ttl > 0 && time.Duration(ttl)*time.Second < dur {
			dur = time.Duration(ttl) * time.Second
		}
		if err := rdb.Set(ctx, cacheKey, txts[0], dur).Err(); err != nil {
			logger.Debug("dkim key cache store failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}
	return txts, nil
}
