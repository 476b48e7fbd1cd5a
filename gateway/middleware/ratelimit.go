package middleware

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tokensale/observability"
)

// RateLimit bounds the request rate of a single client on one route group.
// Tokens assigns a cost to specific "METHOD /path" pairs; everything else
// costs DefaultTokens.
type RateLimit struct {
	RatePerSecond float64
	Burst         int
	DefaultTokens int
	Tokens        map[string]int
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per (route group, client) pair. Clients
// are keyed by the connection address; X-Real-IP and X-Forwarded-For are only
// consulted when the connection comes from a trusted proxy.
type RateLimiter struct {
	logger   *slog.Logger
	limits   map[string]RateLimit
	mu       sync.Mutex
	visitors map[string]*rateEntry
	idleTTL  time.Duration
	clockNow func() time.Time
	trusted  []*net.IPNet
}

func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		visitors: make(map[string]*rateEntry),
		idleTTL:  5 * time.Minute,
		clockNow: time.Now,
	}
}

// TrustProxies sets the proxies whose forwarding headers identify the client.
// Entries are CIDR blocks or bare IP addresses.
func (r *RateLimiter) TrustProxies(entries []string) error {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return fmt.Errorf("ratelimit: invalid trusted proxy %q", entry)
			}
			bits := 8 * net.IPv4len
			if ip.To4() == nil {
				bits = 8 * net.IPv6len
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, block, err := net.ParseCIDR(entry)
		if err != nil {
			return fmt.Errorf("ratelimit: invalid trusted proxy %q: %w", entry, err)
		}
		nets = append(nets, block)
	}
	r.mu.Lock()
	r.trusted = nets
	r.mu.Unlock()
	return nil
}

func (r *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[key]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			identifier := r.clientID(req)
			limiter := r.obtainLimiter(key+"|"+identifier, limit)
			if !limiter.AllowN(r.clockNow(), limit.cost(req)) {
				observability.Sale().RecordThrottle("rate_limit")
				r.logger.Debug("rate limited", slog.String("route", key), slog.String("client", identifier))
				WriteError(w, http.StatusTooManyRequests, "rate_limited", http.StatusText(http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (l RateLimit) cost(req *http.Request) int {
	if tokens, ok := l.Tokens[req.Method+" "+req.URL.Path]; ok && tokens > 0 {
		return tokens
	}
	if l.DefaultTokens > 0 {
		return l.DefaultTokens
	}
	return 1
}

func (r *RateLimiter) obtainLimiter(id string, cfg RateLimit) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clockNow()
	r.pruneLocked(now)
	if entry, ok := r.visitors[id]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	r.visitors[id] = &rateEntry{limiter: limiter, lastSeen: now}
	return limiter
}

func (r *RateLimiter) pruneLocked(now time.Time) {
	for id, entry := range r.visitors {
		if now.Sub(entry.lastSeen) > r.idleTTL {
			delete(r.visitors, id)
		}
	}
}

func (r *RateLimiter) clientID(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if !r.isTrusted(net.ParseIP(host)) {
		return host
	}
	if ip := net.ParseIP(strings.TrimSpace(req.Header.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}
	// Walk the chain from the nearest hop and stop at the first address we do
	// not operate.
	hops := strings.Split(req.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip := net.ParseIP(strings.TrimSpace(hops[i]))
		if ip == nil {
			break
		}
		if !r.isTrusted(ip) {
			return ip.String()
		}
	}
	return host
}

func (r *RateLimiter) isTrusted(ip net.IP) bool {
	if ip == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, block := range r.trusted {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}
