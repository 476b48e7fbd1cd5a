package state

import (
	"errors"
	"math/big"
	"testing"

	"tokensale/core/types"
	"tokensale/storage"
)

func TestManagerBuffersUntilCommit(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	mgr := NewManager(db)

	key := []byte("test/value")
	if err := mgr.KVPut(key, uint64(42)); err != nil {
		t.Fatalf("put: %v", err)
	}
	var got uint64
	ok, err := mgr.KVGet(key, &got)
	if err != nil || !ok || got != 42 {
		t.Fatalf("buffered read: ok=%v got=%d err=%v", ok, got, err)
	}
	if db.Len() != 0 {
		t.Fatalf("write reached the database before commit")
	}
	if !mgr.Dirty() {
		t.Fatalf("expected dirty manager")
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if db.Len() != 1 || mgr.Dirty() {
		t.Fatalf("commit did not flush: len=%d dirty=%v", db.Len(), mgr.Dirty())
	}
}

func TestManagerDiscard(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)
	key := []byte("test/value")
	if err := mgr.KVPut(key, uint64(1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := mgr.KVPut(key, uint64(2)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := mgr.KVDelete([]byte("test/other")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	mgr.Discard()

	var got uint64
	if _, err := mgr.KVGet(key, &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != 1 {
		t.Fatalf("discard kept buffered value: %d", got)
	}
}

func TestManagerDeleteShadowsDatabase(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)
	key := []byte("test/value")
	_ = mgr.KVPut(key, uint64(1))
	_ = mgr.Commit()

	if err := mgr.KVDelete(key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := mgr.KVGet(key, nil); ok {
		t.Fatalf("buffered delete not visible")
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := db.Get(key); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected key removed, got %v", err)
	}
}

func TestManagerCommitFailureKeepsBuffer(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)
	db.FailWrites(errors.New("disk full"))
	_ = mgr.KVPut([]byte("test/value"), uint64(1))
	if err := mgr.Commit(); err == nil {
		t.Fatalf("expected commit failure")
	}
	if !mgr.Dirty() {
		t.Fatalf("failed commit dropped the buffer")
	}
	db.FailWrites(nil)
	if err := mgr.Commit(); err != nil {
		t.Fatalf("retry commit: %v", err)
	}
}

func TestManagerRejectsEmptyKey(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	if err := mgr.KVPut(nil, uint64(1)); err == nil {
		t.Fatalf("expected empty key error")
	}
	if _, err := mgr.KVGet(nil, nil); err == nil {
		t.Fatalf("expected empty key error")
	}
}

func TestAccountsDefaultToZero(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	var addr [20]byte
	addr[0] = 0x01

	acc, err := mgr.GetAccount(addr)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acc.Balance.Sign() != 0 {
		t.Fatalf("expected zero balance, got %s", acc.Balance)
	}
	if err := mgr.PutAccount(addr, &types.Account{Nonce: 3, Balance: big.NewInt(77)}); err != nil {
		t.Fatalf("put account: %v", err)
	}
	acc, err = mgr.GetAccount(addr)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acc.Nonce != 3 || acc.Balance.Int64() != 77 {
		t.Fatalf("unexpected account: %+v", acc)
	}
	if err := mgr.PutAccount(addr, &types.Account{Balance: big.NewInt(-1)}); err == nil {
		t.Fatalf("expected negative balance rejection")
	}
}
