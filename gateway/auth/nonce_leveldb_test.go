package auth

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tokensale/crypto"
)

func TestLevelDBNoncePersistenceAuthenticatorRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonces")
	backend, err := NewLevelDBNoncePersistence(path)
	if err != nil {
		t.Fatalf("open persistence: %v", err)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Unix(1_717_787_717, 0).UTC()
	nowFn := func() time.Time { return now }
	payload := []byte("payload")
	cutoff := now.Add(-5 * time.Minute)

	auth := NewAuthenticator(time.Minute, 5*time.Minute, 32, nowFn, backend)
	if _, err := auth.Authenticate(signedRequest(t, key, payload, now, "nonce-restart"), payload); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close persistence: %v", err)
	}

	reopened, err := NewLevelDBNoncePersistence(path)
	if err != nil {
		t.Fatalf("reopen persistence: %v", err)
	}
	defer reopened.Close()

	records, err := reopened.RecentNonces(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("recent nonces: %v", err)
	}
	if len(records) != 1 || records[0].Caller != key.Address() || records[0].Timestamp != now.Unix() || records[0].Nonce != "nonce-restart" {
		t.Fatalf("unexpected persisted records: %+v", records)
	}

	authRestart := NewAuthenticator(time.Minute, 5*time.Minute, 32, nowFn, reopened)
	if err := authRestart.HydrateNonces(context.Background(), cutoff); err != nil {
		t.Fatalf("hydrate restart: %v", err)
	}
	if _, err := authRestart.Authenticate(signedRequest(t, key, payload, now, "nonce-restart"), payload); !errors.Is(err, ErrNonceReplayed) {
		t.Fatalf("expected nonce replay after restart, got %v", err)
	}
}

func TestLevelDBNoncePersistencePrune(t *testing.T) {
	store, err := NewLevelDBNoncePersistence(filepath.Join(t.TempDir(), "nonces"))
	if err != nil {
		t.Fatalf("open persistence: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()
	for i, nonce := range []string{"old", "new"} {
		rec := NonceRecord{Caller: [20]byte{0xab}, Timestamp: 1, Nonce: nonce, ObservedAt: base.Add(time.Duration(i) * time.Hour)}
		if existed, err := store.EnsureNonce(ctx, rec); err != nil || existed {
			t.Fatalf("ensure %s: existed=%v err=%v", nonce, existed, err)
		}
	}
	if err := store.PruneNonces(ctx, base.Add(30*time.Minute)); err != nil {
		t.Fatalf("prune: %v", err)
	}
	records, err := store.RecentNonces(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 1 || records[0].Nonce != "new" {
		t.Fatalf("unexpected records after prune: %+v", records)
	}
	existed, err := store.EnsureNonce(ctx, NonceRecord{Caller: [20]byte{0xab}, Timestamp: 1, Nonce: "new", ObservedAt: base.Add(2 * time.Hour)})
	if err != nil || !existed {
		t.Fatalf("expected existing nonce, existed=%v err=%v", existed, err)
	}
}

func TestLevelDBNoncePersistenceKeysBySigner(t *testing.T) {
	store, err := NewLevelDBNoncePersistence(filepath.Join(t.TempDir(), "nonces"))
	if err != nil {
		t.Fatalf("open persistence: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()

	records := []NonceRecord{
		{Caller: [20]byte{0x01}, Timestamp: 1_700_000_000, Nonce: "n|1", ObservedAt: base.Add(2 * time.Second)},
		{Caller: [20]byte{0x02}, Timestamp: 1_700_000_000, Nonce: "n|1", ObservedAt: base.Add(time.Second)},
		{Caller: [20]byte{0x01}, Timestamp: 1_700_000_001, Nonce: "n|1", ObservedAt: base.Add(3 * time.Second)},
		{Caller: [20]byte{0x01}, Timestamp: 1_700_000_000, Nonce: "n", ObservedAt: base},
	}
	for _, rec := range records {
		existed, err := store.EnsureNonce(ctx, rec)
		if err != nil || existed {
			t.Fatalf("ensure %x/%d/%s: existed=%v err=%v", rec.Caller[0], rec.Timestamp, rec.Nonce, existed, err)
		}
	}

	recent, err := store.RecentNonces(ctx, base)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != len(records) {
		t.Fatalf("expected %d records, got %+v", len(records), recent)
	}
	for i, want := range []NonceRecord{records[3], records[1], records[0], records[2]} {
		got := recent[i]
		if got.Caller != want.Caller || got.Timestamp != want.Timestamp || got.Nonce != want.Nonce || !got.ObservedAt.Equal(want.ObservedAt) {
			t.Fatalf("record %d: got %+v, want %+v", i, got, want)
		}
	}

	existed, err := store.EnsureNonce(ctx, NonceRecord{Caller: [20]byte{0x02}, Timestamp: 1_700_000_000, Nonce: "n|1", ObservedAt: base.Add(time.Hour)})
	if err != nil || !existed {
		t.Fatalf("expected replay for second signer, existed=%v err=%v", existed, err)
	}
	if err := store.PruneNonces(ctx, base.Add(30*time.Minute)); err != nil {
		t.Fatalf("prune: %v", err)
	}
	recent, err = store.RecentNonces(ctx, base.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("recent after prune: %v", err)
	}
	if len(recent) != 1 || recent[0].Caller != ([20]byte{0x02}) {
		t.Fatalf("refreshed record should survive pruning, got %+v", recent)
	}
}

func TestLevelDBNoncePersistenceRejectsIncompleteRecords(t *testing.T) {
	store, err := NewLevelDBNoncePersistence(filepath.Join(t.TempDir(), "nonces"))
	if err != nil {
		t.Fatalf("open persistence: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	for _, rec := range []NonceRecord{
		{Timestamp: 1, Nonce: "n"},
		{Caller: [20]byte{0x01}, Timestamp: 1},
		{Caller: [20]byte{0x01}, Timestamp: 1, Nonce: strings.Repeat("n", MaxNonceLength+1)},
	} {
		if _, err := store.EnsureNonce(ctx, rec); err == nil {
			t.Fatalf("expected %+v to be rejected", rec)
		}
	}
}
