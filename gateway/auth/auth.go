package auth

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tokensale/crypto"
)

const (
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Sale-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Sale-Nonce"
	// HeaderSignature carries the hex-encoded secp256k1 signature over RequestDigest.
	HeaderSignature = "X-Sale-Signature"
	// MaxBodyForSignature is the maximum body size we will hash when authenticating.
	MaxBodyForSignature int = 1 << 20 // 1 MiB
	// MaxNonceLength bounds the nonce header.
	MaxNonceLength = 128

	maxAllowedTimestampSkew  = 10 * time.Minute
	defaultTimestampSkew     = 2 * time.Minute
	maxNonceWindow           = 24 * time.Hour
	defaultNonceWindow       = 10 * time.Minute
	defaultNonceCapacity     = 4096
	maxNonceCapacity         = 65536
	persistencePruneInterval = time.Minute
)

var (
	ErrMissingCredentials = errors.New("auth: missing request signature headers")
	ErrInvalidTimestamp   = errors.New("auth: invalid timestamp")
	ErrStaleTimestamp     = errors.New("auth: timestamp outside allowed skew")
	ErrInvalidSignature   = errors.New("auth: invalid signature")
	ErrNonceReplayed      = errors.New("nonce already used")
	ErrBodyTooLarge       = fmt.Errorf("auth: request body exceeds %d bytes", MaxBodyForSignature)
	ErrNonceTooLong       = fmt.Errorf("auth: nonce exceeds %d bytes", MaxNonceLength)
)

// Principal is the caller identity recovered from a signed request.
type Principal struct {
	Address [20]byte
}

// NonceRecord is one accepted (timestamp, nonce) pair of a signer.
type NonceRecord struct {
	Caller     [20]byte
	Timestamp  int64
	Nonce      string
	ObservedAt time.Time
}

func (r NonceRecord) validate() error {
	if r.Caller == ([20]byte{}) || r.Nonce == "" {
		return errors.New("auth: nonce record incomplete")
	}
	if len(r.Nonce) > MaxNonceLength {
		return ErrNonceTooLong
	}
	return nil
}

// cacheKey identifies the record inside the caller's in-memory window.
func (r NonceRecord) cacheKey() string {
	return strconv.FormatInt(r.Timestamp, 10) + "|" + r.Nonce
}

// NoncePersistence provides durable storage for per-caller nonce usage.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// Authenticator recovers the caller of a request from its signature headers
// and rejects stale or replayed requests.
type Authenticator struct {
	allowedTimestampSkew time.Duration
	nonceTTL             time.Duration
	nonceCapacity        int
	nowFn                func() time.Time

	nonceMu sync.Mutex
	nonces  map[[20]byte]*nonceStore

	pruneMu     sync.Mutex
	persistence NoncePersistence
	lastPruned  time.Time
}

// NewAuthenticator builds an Authenticator. Zero values select the defaults
// and values above the hard limits are clamped.
func NewAuthenticator(skew time.Duration, nonceTTL time.Duration, nonceCapacity int, nowFn func() time.Time, persistence NoncePersistence) *Authenticator {
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 {
		skew = defaultTimestampSkew
	}
	if skew > maxAllowedTimestampSkew {
		skew = maxAllowedTimestampSkew
	}
	if nonceTTL <= 0 {
		nonceTTL = defaultNonceWindow
	}
	if nonceTTL > maxNonceWindow {
		nonceTTL = maxNonceWindow
	}
	if nonceCapacity <= 0 {
		nonceCapacity = defaultNonceCapacity
	}
	if nonceCapacity > maxNonceCapacity {
		nonceCapacity = maxNonceCapacity
	}
	return &Authenticator{
		allowedTimestampSkew: skew,
		nonceTTL:             nonceTTL,
		nonceCapacity:        nonceCapacity,
		nowFn:                nowFn,
		nonces:               make(map[[20]byte]*nonceStore),
		persistence:          persistence,
	}
}

// Authenticate validates headers and signature, returning the caller principal.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, ErrBodyTooLarge
	}
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	providedSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if timestampHeader == "" || nonce == "" || providedSig == "" {
		return nil, ErrMissingCredentials
	}
	if len(nonce) > MaxNonceLength {
		return nil, ErrNonceTooLong
	}
	ts, err := parseUnixTimestamp(timestampHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	now := a.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.allowedTimestampSkew {
		return nil, fmt.Errorf("%w of %s", ErrStaleTimestamp, a.allowedTimestampSkew)
	}
	sig, err := crypto.DecodeSignature(providedSig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	digest := RequestDigest(r.Method, CanonicalRequestPath(r), timestampHeader, nonce, body)
	caller, err := crypto.RecoverSigner(digest, sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	duplicate, err := a.registerNonce(r.Context(), NonceRecord{
		Caller:     caller,
		Timestamp:  ts.Unix(),
		Nonce:      nonce,
		ObservedAt: now,
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		return nil, ErrNonceReplayed
	}
	return &Principal{Address: caller}, nil
}

// HydrateNonces warms the in-memory cache with persisted nonce usage records.
func (a *Authenticator) HydrateNonces(ctx context.Context, cutoff time.Time) error {
	if a == nil || a.persistence == nil {
		return nil
	}
	records, err := a.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persistent nonces: %w", err)
	}
	for _, rec := range records {
		if rec.validate() != nil {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		a.nonceStore(rec.Caller).Add(rec.cacheKey(), observed)
	}
	return nil
}

func (a *Authenticator) registerNonce(ctx context.Context, record NonceRecord) (bool, error) {
	now := record.ObservedAt
	cache := a.nonceStore(record.Caller)
	key := record.cacheKey()
	if cache.Contains(key, now) {
		return true, nil
	}
	if a.persistence != nil {
		if err := a.prunePersistent(ctx, now); err != nil {
			return false, err
		}
		existed, err := a.persistence.EnsureNonce(ctx, record)
		if err != nil {
			return false, fmt.Errorf("persist nonce: %w", err)
		}
		if existed {
			cache.Add(key, now)
			return true, nil
		}
	}
	return cache.Seen(key, now), nil
}

func (a *Authenticator) prunePersistent(ctx context.Context, now time.Time) error {
	if a.persistence == nil || a.nonceTTL <= 0 {
		return nil
	}
	a.pruneMu.Lock()
	defer a.pruneMu.Unlock()
	cutoff := now.Add(-a.nonceTTL)
	if a.lastPruned.IsZero() || now.Sub(a.lastPruned) >= persistencePruneInterval {
		if err := a.persistence.PruneNonces(ctx, cutoff); err != nil {
			return fmt.Errorf("prune persistent nonces: %w", err)
		}
		a.lastPruned = now
	}
	return nil
}

func (a *Authenticator) nonceStore(caller [20]byte) *nonceStore {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	cache, ok := a.nonces[caller]
	if ok {
		return cache
	}
	cache = newNonceStore(a.nonceTTL, a.nonceCapacity)
	a.nonces[caller] = cache
	return cache
}

// CanonicalRequestPath normalises URL paths and query ordering for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery normalises raw query strings for stable signing.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// RequestDigest is the message a caller signs for a request:
// keccak256(METHOD \n path \n timestamp \n nonce \n keccak256(body)).
func RequestDigest(method, path, timestamp, nonce string, body []byte) [32]byte {
	bodyHash := crypto.Keccak256Hash(body)
	payload := strings.Join([]string{strings.ToUpper(method), path, timestamp, nonce}, "\n")
	return crypto.Keccak256Hash([]byte(payload), []byte("\n"), bodyHash[:])
}

// SignRequest sets the signature headers on r for body using key.
func SignRequest(r *http.Request, key *crypto.PrivateKey, body []byte, now time.Time, nonce string) error {
	timestamp := strconv.FormatInt(now.Unix(), 10)
	digest := RequestDigest(r.Method, CanonicalRequestPath(r), timestamp, nonce, body)
	sig, err := crypto.SignDigest(key, digest)
	if err != nil {
		return err
	}
	r.Header.Set(HeaderTimestamp, timestamp)
	r.Header.Set(HeaderNonce, nonce)
	r.Header.Set(HeaderSignature, crypto.EncodeSignature(sig))
	return nil
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

type nonceStore struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceStore(ttl time.Duration, capacity int) *nonceStore {
	if ttl <= 0 {
		ttl = defaultNonceWindow
	}
	if ttl > maxNonceWindow {
		ttl = maxNonceWindow
	}
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	if capacity > maxNonceCapacity {
		capacity = maxNonceCapacity
	}
	return &nonceStore{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Seen returns true if the provided nonce has already been observed within the
// TTL window and records it otherwise.
func (n *nonceStore) Seen(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	if _, exists := n.entries[key]; exists {
		return true
	}
	n.insertLocked(key, now)
	return false
}

// Contains reports whether the nonce has been observed without mutating the cache when new.
func (n *nonceStore) Contains(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	_, exists := n.entries[key]
	return exists
}

// Add registers a nonce in the cache, applying eviction as required.
func (n *nonceStore) Add(key string, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	n.insertLocked(key, now)
}

func (n *nonceStore) insertLocked(key string, now time.Time) {
	if elem, exists := n.entries[key]; exists {
		elem.Value = nonceEntry{key: key, ts: now}
		n.order.MoveToBack(elem)
		return
	}
	for n.order.Len() >= n.capacity {
		n.evictFront()
	}
	elem := n.order.PushBack(nonceEntry{key: key, ts: now})
	n.entries[key] = elem
}

func (n *nonceStore) evictExpired(cutoff time.Time) {
	for {
		front := n.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(nonceEntry)
		if !entry.ts.Before(cutoff) {
			return
		}
		n.order.Remove(front)
		delete(n.entries, entry.key)
	}
}

func (n *nonceStore) evictFront() {
	front := n.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(nonceEntry)
	n.order.Remove(front)
	delete(n.entries, entry.key)
}
