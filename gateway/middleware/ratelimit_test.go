package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"sale": {RatePerSecond: 1, Burst: 1},
	}, nil)

	handler := limiter.Middleware("sale")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/sale", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesRoutes(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"read":  {RatePerSecond: 1, Burst: 1},
		"write": {RatePerSecond: 1, Burst: 1},
	}, nil)

	readHandler := limiter.Middleware("read")(okHandler())
	writeHandler := limiter.Middleware("write")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/sale", nil)
	res := httptest.NewRecorder()
	readHandler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected read request to succeed, got %d", res.Code)
	}

	writeReq := httptest.NewRequest(http.MethodPost, "/v1/claim", nil)
	writeRes := httptest.NewRecorder()
	writeHandler.ServeHTTP(writeRes, writeReq)
	if writeRes.Code != http.StatusOK {
		t.Fatalf("expected first write request to succeed, got %d", writeRes.Code)
	}

	writeRes = httptest.NewRecorder()
	writeHandler.ServeHTTP(writeRes, writeReq)
	if writeRes.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second write request to hit limit, got %d", writeRes.Code)
	}
}

func TestRateLimiterAppliesRouteTokens(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"write": {
			RatePerSecond: 5,
			Burst:         5,
			DefaultTokens: 1,
			Tokens: map[string]int{
				"POST /v1/purchases/bonus": 3,
			},
		},
	}, nil)
	frozen := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return frozen }

	handler := limiter.Middleware("write")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/purchases/bonus", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first bonus request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second bonus request to exceed the burst, got %d", res.Code)
	}

	// Default cost of 1 still fits the two remaining tokens.
	claimReq := httptest.NewRequest(http.MethodPost, "/v1/claim", nil)
	claimRes := httptest.NewRecorder()
	handler.ServeHTTP(claimRes, claimReq)
	if claimRes.Code != http.StatusOK {
		t.Fatalf("expected claim to succeed with default token cost, got %d", claimRes.Code)
	}
}

func TestRateLimiterIgnoresForwardedHeadersFromUntrustedPeers(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"sale": {RatePerSecond: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("sale")(okHandler())

	codes := make([]int, 0, 3)
	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/sale", nil)
		req.RemoteAddr = "203.0.113.7:4000"
		req.Header.Set("X-Forwarded-For", ip)
		req.Header.Set("X-Real-IP", ip)
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		codes = append(codes, res.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected rotating headers to share one bucket, got %v", codes)
	}
}

func TestRateLimiterSeparatesClientsBehindTrustedProxy(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"sale": {RatePerSecond: 1, Burst: 1},
	}, nil)
	if err := limiter.TrustProxies([]string{"192.168.0.0/16", "198.51.100.9"}); err != nil {
		t.Fatalf("trust proxies: %v", err)
	}
	handler := limiter.Middleware("sale")(okHandler())

	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/sale", nil)
		req.RemoteAddr = "192.168.1.1:4000"
		req.Header.Set("X-Forwarded-For", ip+", 198.51.100.9")
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("expected request from %s to succeed, got %d", ip, res.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/sale", nil)
	req.RemoteAddr = "192.168.1.2:4000"
	req.Header.Set("X-Real-IP", "10.0.0.1")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected X-Real-IP from a trusted proxy to map to the same client, got %d", res.Code)
	}
}

func TestRateLimiterClientID(t *testing.T) {
	limiter := NewRateLimiter(nil, nil)
	if err := limiter.TrustProxies([]string{"10.0.0.0/8"}); err != nil {
		t.Fatalf("trust proxies: %v", err)
	}
	cases := []struct {
		name    string
		remote  string
		realIP  string
		forward string
		want    string
	}{
		{name: "untrusted peer", remote: "203.0.113.7:1", forward: "1.1.1.1", want: "203.0.113.7"},
		{name: "trusted without headers", remote: "10.1.1.1:1", want: "10.1.1.1"},
		{name: "trusted real ip", remote: "10.1.1.1:1", realIP: "1.1.1.1", want: "1.1.1.1"},
		{name: "nearest untrusted hop", remote: "10.1.1.1:1", forward: "6.6.6.6, 2.2.2.2, 10.2.2.2", want: "2.2.2.2"},
		{name: "all hops trusted", remote: "10.1.1.1:1", forward: "10.3.3.3", want: "10.1.1.1"},
		{name: "malformed hop", remote: "10.1.1.1:1", forward: "not-an-ip", want: "10.1.1.1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/sale", nil)
			req.RemoteAddr = tc.remote
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if tc.forward != "" {
				req.Header.Set("X-Forwarded-For", tc.forward)
			}
			if got := limiter.clientID(req); got != tc.want {
				t.Fatalf("clientID = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRateLimiterRejectsInvalidTrustedProxy(t *testing.T) {
	limiter := NewRateLimiter(nil, nil)
	for _, entry := range []string{"not-an-ip", "10.0.0.0/99"} {
		if err := limiter.TrustProxies([]string{entry}); err == nil {
			t.Fatalf("expected %q to be rejected", entry)
		}
	}
}

func TestRateLimiterPrunesIdleClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{"sale": {RatePerSecond: 1, Burst: 1}}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	limiter.obtainLimiter("sale|a", RateLimit{})
	now = now.Add(10 * time.Minute)
	limiter.obtainLimiter("sale|b", RateLimit{})
	if _, ok := limiter.visitors["sale|a"]; ok {
		t.Fatalf("expected idle visitor to be pruned")
	}
}
