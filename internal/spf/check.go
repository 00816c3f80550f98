package spf

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"

	mdns "github.com/miekg/dns"
)

const maxRecursiveDepth = 10

const defaultRecordTTL = 3600

// txtLookup is replaced in tests.
var txtLookup = defaultLookupTXT

// Resolver lookups used by the a and mx mechanisms.
var (
	lookupIP = func(ctx context.Context, host string) ([]net.IP, error) {
		return net.DefaultResolver.LookupIP(ctx, "ip", host)
	}
	lookupMX = func(ctx context.Context, host string) ([]*net.MX, error) {
		return net.DefaultResolver.LookupMX(ctx, host)
	}
)

func qualifierResult(q byte) string {
	switch q {
	case '+':
		return "pass"
	case '-':
		return "fail"
	case '~':
		return "softfail"
	default:
		return "neutral"
	}
}

func ipNetContains(ip net.IP, network net.IP, mask int) bool {
	if network == nil {
		return false
	}
	if ip.To4() != nil {
		if network.To4() == nil {
			return false
		}
		n := &net.IPNet{IP: network.To4(), Mask: net.CIDRMask(mask, 32)}
		return n.Contains(ip)
	}
	n := &net.IPNet{IP: network, Mask: net.CIDRMask(mask, 128)}
	return n.Contains(ip)
}

// defaultLookupTXT resolves TXT records for domain using miekg/dns so that
// context deadlines are respected. It returns the records and the lowest TTL
// observed.
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

func parseMechanism(tok string) (q byte, name, val string) {
	if tok == "" {
		return '+', "", ""
	}
	switch tok[0] {
	case '+', '-', '~', '?':
		q = tok[0]
		tok = tok[1:]
	default:
		q = '+'
	}
	if i := strings.IndexAny(tok, ":="); i != -1 {
		name = strings.ToLower(tok[:i])
		val = tok[i+1:]
	} else {
		name = strings.ToLower(tok)
	}
	return
}

func parseNetwork(val string, defaultMask int) (net.IP, int) {
	ipstr, mask := val, defaultMask
	if idx := strings.Index(val, "/"); idx != -1 {
		ipstr = val[:idx]
		if m, err := strconv.Atoi(val[idx+1:]); err == nil {
			mask = m
		}
	}
	return net.ParseIP(ipstr), mask
}

func minTTL(a, b uint32) uint32 {
	if a == 0 {
		return b
	}
	if b != 0 && b < a {
		return b
	}
	return a
}

// checkHost evaluates the SPF record of domain for ip. It returns the result
// keyword and the lowest TTL seen across the record and every include or
// redirect it followed.
func checkHost(ctx context.Context, ip net.IP, domain string, depth int) (string, uint32, error) {
	if depth > maxRecursiveDepth {
		return "permerror", 0, errors.New("spf recursion limit reached")
	}
	txts, ttl, err := txtLookup(ctx, domain)
	if err != nil {
		return "temperror", 0, err
	}
	var record string
	for _, t := range txts {
		if strings.HasPrefix(strings.ToLower(t), "v=spf1") {
			record = t
			break
		}
	}
	if record == "" {
		return "none", ttl, nil
	}
	parts := strings.Fields(record)
	for _, tok := range parts[1:] {
		q, mech, val := parseMechanism(tok)
		switch mech {
		case "ip4":
			network, mask := parseNetwork(val, 32)
			if ip.To4() != nil && ipNetContains(ip, network, mask) {
				return qualifierResult(q), ttl, nil
			}
		case "ip6":
			network, mask := parseNetwork(val, 128)
			if ip.To4() == nil && ipNetContains(ip, network, mask) {
				return qualifierResult(q), ttl, nil
			}
		case "a":
			host := val
			if host == "" {
				host = domain
			}
			ips, _ := lookupIP(ctx, host)
			for _, h := range ips {
				if h.Equal(ip) {
					return qualifierResult(q), ttl, nil
				}
			}
		case "mx":
			host := val
			if host == "" {
				host = domain
			}
			mxs, _ := lookupMX(ctx, host)
			for _, mx := range mxs {
				ips, _ := lookupIP(ctx, mx.Host)
				for _, h := range ips {
					if h.Equal(ip) {
						return qualifierResult(q), ttl, nil
					}
				}
			}
		case "include":
			r, incTTL, err := checkHost(ctx, ip, val, depth+1)
			if err == nil && r == "pass" {
				return qualifierResult(q), minTTL(ttl, incTTL), nil
			}
		case "redirect":
			r, redTTL, err := checkHost(ctx, ip, val, depth+1)
			return r, minTTL(ttl, redTTL), err
		case "all":
			return qualifierResult(q), ttl, nil
		}
	}
	return "neutral", ttl, nil
}
