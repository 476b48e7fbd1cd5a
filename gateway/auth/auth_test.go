package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"tokensale/crypto"
)

func TestNonceStoreCapacityEviction(t *testing.T) {
	store := newNonceStore(5*time.Minute, 3)
	base := time.Unix(1700000000, 0).UTC()

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("nonce-%d", i)
		if seen := store.Seen(key, base); seen {
			t.Fatalf("expected first observation of %s to be false", key)
		}
	}
	if seen := store.Seen("nonce-3", base); seen {
		t.Fatalf("expected new key to be accepted after capacity eviction")
	}
	if got := len(store.entries); got != 3 {
		t.Fatalf("expected capacity to remain at 3, got %d", got)
	}
	if _, exists := store.entries["nonce-0"]; exists {
		t.Fatalf("expected oldest nonce to be evicted when capacity exceeded")
	}
	if seen := store.Seen("nonce-1", base); !seen {
		t.Fatalf("expected recently seen nonce to be reported as duplicate")
	}
}

func TestNonceStoreExpiresOldEntries(t *testing.T) {
	store := newNonceStore(30*time.Second, 5)
	base := time.Unix(1700000000, 0).UTC()

	if store.Seen("nonce-a", base) {
		t.Fatalf("expected first nonce to be new")
	}
	future := base.Add(time.Minute)
	if store.Seen("nonce-b", future) {
		t.Fatalf("expected new nonce to be accepted after expiration window")
	}
	if _, exists := store.entries["nonce-a"]; exists {
		t.Fatalf("expected expired nonce-a to be pruned")
	}
	if store.Seen("nonce-a", future) {
		t.Fatalf("expected nonce-a to be treated as new after expiration")
	}
}

func TestNewAuthenticatorClampsSecurityParameters(t *testing.T) {
	auth := NewAuthenticator(time.Hour, 48*time.Hour, 1_000_000, time.Now, nil)
	if auth.allowedTimestampSkew != maxAllowedTimestampSkew {
		t.Fatalf("expected timestamp skew to clamp to %s, got %s", maxAllowedTimestampSkew, auth.allowedTimestampSkew)
	}
	if auth.nonceTTL != maxNonceWindow {
		t.Fatalf("expected nonce TTL to clamp to %s, got %s", maxNonceWindow, auth.nonceTTL)
	}
	if auth.nonceCapacity != maxNonceCapacity {
		t.Fatalf("expected nonce capacity to clamp to %d, got %d", maxNonceCapacity, auth.nonceCapacity)
	}
}

func signedRequest(t *testing.T, key *crypto.PrivateKey, body []byte, at time.Time, nonce string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "https://sale.test/v1/payments?b=2&a=1", bytes.NewReader(body))
	if err := SignRequest(req, key, body, at, nonce); err != nil {
		t.Fatalf("sign request: %v", err)
	}
	return req
}

func TestAuthenticateRecoversCaller(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := NewAuthenticator(time.Minute, 10*time.Minute, 16, func() time.Time { return now }, nil)
	body := []byte(`{"amount":"10"}`)

	principal, err := auth.Authenticate(signedRequest(t, key, body, now, "n-1"), body)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.Address != key.Address() {
		t.Fatalf("recovered %x, want %x", principal.Address, key.Address())
	}

	if _, err := auth.Authenticate(signedRequest(t, key, body, now, "n-1"), body); !errors.Is(err, ErrNonceReplayed) {
		t.Fatalf("expected replay rejection, got %v", err)
	}

	// A tampered body recovers a different identity, which then has its own
	// nonce space; it must never map back to the signer.
	tampered, err := auth.Authenticate(signedRequest(t, key, body, now, "n-2"), []byte(`{"amount":"99"}`))
	if err == nil && tampered.Address == key.Address() {
		t.Fatalf("tampered body authenticated as the signer")
	}
}

func TestAuthenticateRejections(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := NewAuthenticator(time.Minute, 10*time.Minute, 16, func() time.Time { return now }, nil)

	stale := signedRequest(t, key, nil, now.Add(-2*time.Minute), "stale")
	if _, err := auth.Authenticate(stale, nil); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("expected stale timestamp, got %v", err)
	}

	missing := httptest.NewRequest(http.MethodPost, "/v1/claim", nil)
	if _, err := auth.Authenticate(missing, nil); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected missing credentials, got %v", err)
	}

	garbled := signedRequest(t, key, nil, now, "garbled")
	garbled.Header.Set(HeaderSignature, "0x1234")
	if _, err := auth.Authenticate(garbled, nil); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	badTS := signedRequest(t, key, nil, now, "ts")
	badTS.Header.Set(HeaderTimestamp, "yesterday")
	if _, err := auth.Authenticate(badTS, nil); !errors.Is(err, ErrInvalidTimestamp) {
		t.Fatalf("expected invalid timestamp, got %v", err)
	}

	large := make([]byte, MaxBodyForSignature+1)
	if _, err := auth.Authenticate(signedRequest(t, key, nil, now, "big"), large); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected body too large, got %v", err)
	}
}

func TestCanonicalQueryOrdersParameters(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/events?limit=5&after=2", nil)
	if got := CanonicalRequestPath(req); got != "/v1/events?after=2&limit=5" {
		t.Fatalf("unexpected canonical path %q", got)
	}
}

func TestAuthenticatorPersistsNonceUsage(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	backend := newFakePersistence()
	now := time.Unix(1_700_000_000, 0).UTC()
	payload := []byte("payload")
	nowFn := func() time.Time { return now }
	cutoff := now.Add(-5 * time.Minute)

	auth := NewAuthenticator(2*time.Minute, 5*time.Minute, 16, nowFn, backend)
	if err := auth.HydrateNonces(context.Background(), cutoff); err != nil {
		t.Fatalf("hydrate nonces: %v", err)
	}
	if _, err := auth.Authenticate(signedRequest(t, key, payload, now, "nonce-42"), payload); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if count := backend.Count(); count != 1 {
		t.Fatalf("unexpected persisted nonce count: %d", count)
	}

	authRestart := NewAuthenticator(2*time.Minute, 5*time.Minute, 16, nowFn, backend)
	if err := authRestart.HydrateNonces(context.Background(), cutoff); err != nil {
		t.Fatalf("hydrate restart: %v", err)
	}
	if _, err := authRestart.Authenticate(signedRequest(t, key, payload, now, "nonce-42"), payload); !errors.Is(err, ErrNonceReplayed) {
		t.Fatalf("expected nonce replay after hydration, got %v", err)
	}

	authCold := NewAuthenticator(2*time.Minute, 5*time.Minute, 16, nowFn, backend)
	if _, err := authCold.Authenticate(signedRequest(t, key, payload, now, "nonce-42"), payload); !errors.Is(err, ErrNonceReplayed) {
		t.Fatalf("expected nonce replay via persistence, got %v", err)
	}
}

type fakePersistence struct {
	mu      sync.Mutex
	records map[string]NonceRecord
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{records: make(map[string]NonceRecord)}
}

func (f *fakePersistence) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%x|%d|%s", record.Caller, record.Timestamp, record.Nonce)
	if existing, ok := f.records[key]; ok {
		if record.ObservedAt.After(existing.ObservedAt) {
			f.records[key] = record
		}
		return true, nil
	}
	f.records[key] = record
	return false, nil
}

func (f *fakePersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]NonceRecord, 0, len(f.records))
	for _, rec := range f.records {
		if rec.ObservedAt.Before(cutoff) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, rec := range f.records {
		if rec.ObservedAt.Before(cutoff) {
			delete(f.records, key)
		}
	}
	return nil
}

func (f *fakePersistence) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func TestAuthenticateRejectsOversizedNonce(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Unix(1_700_000_000, 0).UTC()
	backend := newFakePersistence()
	auth := NewAuthenticator(time.Minute, 5*time.Minute, 16, func() time.Time { return now }, backend)
	payload := []byte("{}")
	nonce := string(bytes.Repeat([]byte("n"), MaxNonceLength+1))
	if _, err := auth.Authenticate(signedRequest(t, key, payload, now, nonce), payload); !errors.Is(err, ErrNonceTooLong) {
		t.Fatalf("expected oversized nonce rejection, got %v", err)
	}
	if backend.Count() != 0 {
		t.Fatalf("oversized nonce was persisted")
	}
}
