package idempotency

import (
	"bytes"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"tokensale/crypto"
	"tokensale/gateway/middleware"
)

const (
	// HeaderKey names the client-chosen idempotency key.
	HeaderKey = "Idempotency-Key"
	// HeaderCache is set to "hit" on replayed responses.
	HeaderCache = "X-Idempotency-Cache"
	// DefaultTTL bounds how long a response is replayed.
	DefaultTTL = 24 * time.Hour
	maxKeyLen  = 128
)

type recordStore interface {
	Get(key string, now time.Time) (Record, bool, error)
	Put(key string, record Record) error
}

// Guard replays the first response of a signed POST when the caller repeats
// it with the same Idempotency-Key.
type Guard struct {
	store  recordStore
	ttl    time.Duration
	nowFn  func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewGuard(store *Store, ttl time.Duration, nowFn func() time.Time, logger *slog.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{ttl: ttl, nowFn: nowFn, logger: logger, inflight: make(map[string]struct{})}
	if store != nil {
		g.store = store
	}
	return g
}

func cacheKey(caller [20]byte, method, path, key string) string {
	return strings.Join([]string{crypto.FormatAddress(caller), method, path, key}, "|")
}

// Middleware must run after signature authentication so the principal is
// known.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idemKey := strings.TrimSpace(r.Header.Get(HeaderKey))
		principal, ok := middleware.PrincipalFromContext(r.Context())
		if idemKey == "" || !ok || g.store == nil {
			next.ServeHTTP(w, r)
			return
		}
		if len(idemKey) > maxKeyLen {
			middleware.WriteError(w, http.StatusBadRequest, "invalid_request", "idempotency key too long")
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		digest := crypto.Keccak256Hash(body)
		fingerprint := hex.EncodeToString(digest[:])
		key := cacheKey(principal.Address, r.Method, r.URL.Path, idemKey)

		// The key is claimed before the lookup so a request that missed the
		// cache cannot run after another one with the same key has finished.
		if !g.acquire(key) {
			middleware.WriteError(w, http.StatusConflict, "idempotency_in_progress", "a request with this idempotency key is in progress")
			return
		}
		defer g.release(key)

		record, found, err := g.store.Get(key, g.nowFn())
		if err != nil {
			g.logger.Error("idempotency lookup failed", slog.Any("error", err))
			middleware.WriteError(w, http.StatusInternalServerError, "internal", "idempotency store unavailable")
			return
		}
		if found {
			if record.Fingerprint != fingerprint {
				middleware.WriteError(w, http.StatusConflict, "idempotency_conflict", "idempotency key reused with a different body")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(HeaderCache, "hit")
			w.WriteHeader(record.StatusCode)
			_, _ = w.Write(record.Body)
			return
		}

		recorder := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		if recorder.status >= http.StatusInternalServerError {
			return
		}
		now := g.nowFn()
		if err := g.store.Put(key, Record{
			StatusCode:  recorder.status,
			Body:        recorder.body.Bytes(),
			Fingerprint: fingerprint,
			StoredAt:    now,
			ExpiresAt:   now.Add(g.ttl),
		}); err != nil {
			g.logger.Warn("idempotency persist failed", slog.Any("error", err))
		}
	})
}

func (g *Guard) acquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[key]; busy {
		return false
	}
	g.inflight[key] = struct{}{}
	return true
}

func (g *Guard) release(key string) {
	g.mu.Lock()
	delete(g.inflight, key)
	g.mu.Unlock()
}

type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}
