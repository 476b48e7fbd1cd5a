package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()
	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := db.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	batch := NewBatch()
	batch.Put([]byte("b"), []byte("2"))
	batch.Delete([]byte("a"))
	if err := db.Write(batch); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if _, err := db.Get([]byte("a")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected a deleted, got %v", err)
	}
	got, err := db.Get([]byte("b"))
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if string(got) != "2" {
		t.Fatalf("unexpected value %q", got)
	}
	if err := db.Delete([]byte("b")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get([]byte("b")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected b deleted, got %v", err)
	}
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestMemDBFailWrites(t *testing.T) {
	db := NewMemDB()
	boom := errors.New("boom")
	db.FailWrites(boom)
	batch := NewBatch()
	batch.Put([]byte("k"), []byte("v"))
	if err := db.Write(batch); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if db.Len() != 0 {
		t.Fatalf("failed batch must not be applied")
	}
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	defer db.Close()
	exerciseDatabase(t, db)
}
