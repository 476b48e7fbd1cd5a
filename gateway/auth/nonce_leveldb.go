package auth

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	u | caller(20) | timestamp(8) | nonce         -> observed unix nanos (8)
//	x | observed(8) | caller(20) | timestamp(8) | nonce -> empty
//
// The x index is ordered by observation time so pruning and hydration are a
// single range scan.
const (
	usagePrefix  byte = 'u'
	expiryPrefix byte = 'x'

	callerLen    = 20
	timestampLen = 8
	observedLen  = 8
	usageHeader  = 1 + callerLen + timestampLen
	expiryHeader = 1 + observedLen + callerLen + timestampLen
)

var errNonceStoreClosed = errors.New("auth: nonce store not open")

// LevelDBNoncePersistence keeps the nonces accepted from each signer in
// LevelDB so a restarted gateway still rejects replays inside the window.
type LevelDBNoncePersistence struct {
	mu sync.Mutex
	db *leveldb.DB
}

// NewLevelDBNoncePersistence opens (or creates) the nonce database at path.
func NewLevelDBNoncePersistence(path string) (*LevelDBNoncePersistence, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("auth: nonce database path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("auth: resolve nonce database path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: open nonce database: %w", err)
	}
	return &LevelDBNoncePersistence{db: db}, nil
}

func (p *LevelDBNoncePersistence) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// EnsureNonce stores record and reports whether the signer had already used
// the same timestamp and nonce. A repeat refreshes the observation time.
func (p *LevelDBNoncePersistence) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	if p == nil || p.db == nil {
		return false, errNonceStoreClosed
	}
	if err := record.validate(); err != nil {
		return false, err
	}
	observed := record.ObservedAt
	if observed.IsZero() {
		observed = time.Now()
	}
	nanos := observed.UnixNano()

	p.mu.Lock()
	defer p.mu.Unlock()

	usage := usageKey(record)
	raw, err := p.db.Get(usage, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		batch := new(leveldb.Batch)
		batch.Put(usage, encodeNanos(nanos))
		batch.Put(expiryKey(nanos, record), nil)
		if err := p.db.Write(batch, nil); err != nil {
			return false, fmt.Errorf("auth: record nonce: %w", err)
		}
		return false, nil
	case err != nil:
		return false, fmt.Errorf("auth: load nonce: %w", err)
	}

	if len(raw) == observedLen {
		previous := int64(binary.BigEndian.Uint64(raw))
		if nanos > previous {
			batch := new(leveldb.Batch)
			batch.Put(usage, encodeNanos(nanos))
			batch.Delete(expiryKey(previous, record))
			batch.Put(expiryKey(nanos, record), nil)
			if err := p.db.Write(batch, nil); err != nil {
				return true, fmt.Errorf("auth: refresh nonce: %w", err)
			}
		}
	}
	return true, nil
}

// RecentNonces returns every nonce observed at or after cutoff, oldest first.
func (p *LevelDBNoncePersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	if p == nil || p.db == nil {
		return nil, errNonceStoreClosed
	}
	iter := p.db.NewIterator(&util.Range{
		Start: expiryBound(cutoff.UnixNano()),
		Limit: []byte{expiryPrefix + 1},
	}, nil)
	defer iter.Release()

	var records []NonceRecord
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, ok := decodeExpiryKey(iter.Key())
		if !ok {
			continue
		}
		records = append(records, record)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("auth: scan nonces: %w", err)
	}
	return records, nil
}

// PruneNonces deletes every nonce observed before cutoff.
func (p *LevelDBNoncePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return errNonceStoreClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	iter := p.db.NewIterator(&util.Range{
		Start: []byte{expiryPrefix},
		Limit: expiryBound(cutoff.UnixNano()),
	}, nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := append([]byte(nil), iter.Key()...)
		batch.Delete(key)
		if record, ok := decodeExpiryKey(key); ok {
			batch.Delete(usageKey(record))
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("auth: scan nonces: %w", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := p.db.Write(batch, nil); err != nil {
		return fmt.Errorf("auth: prune nonces: %w", err)
	}
	return nil
}

func usageKey(record NonceRecord) []byte {
	key := make([]byte, usageHeader, usageHeader+len(record.Nonce))
	key[0] = usagePrefix
	copy(key[1:], record.Caller[:])
	binary.BigEndian.PutUint64(key[1+callerLen:], uint64(record.Timestamp))
	return append(key, record.Nonce...)
}

func expiryKey(nanos int64, record NonceRecord) []byte {
	key := make([]byte, expiryHeader, expiryHeader+len(record.Nonce))
	key[0] = expiryPrefix
	binary.BigEndian.PutUint64(key[1:], clampNanos(nanos))
	copy(key[1+observedLen:], record.Caller[:])
	binary.BigEndian.PutUint64(key[1+observedLen+callerLen:], uint64(record.Timestamp))
	return append(key, record.Nonce...)
}

func expiryBound(nanos int64) []byte {
	key := make([]byte, 1+observedLen)
	key[0] = expiryPrefix
	binary.BigEndian.PutUint64(key[1:], clampNanos(nanos))
	return key
}

func decodeExpiryKey(key []byte) (NonceRecord, bool) {
	if len(key) <= expiryHeader || key[0] != expiryPrefix {
		return NonceRecord{}, false
	}
	var record NonceRecord
	record.ObservedAt = time.Unix(0, int64(binary.BigEndian.Uint64(key[1:]))).UTC()
	copy(record.Caller[:], key[1+observedLen:])
	record.Timestamp = int64(binary.BigEndian.Uint64(key[1+observedLen+callerLen:]))
	record.Nonce = string(key[expiryHeader:])
	return record, true
}

// clampNanos keeps pre-epoch times at the front of the index.
func clampNanos(nanos int64) uint64 {
	if nanos < 0 {
		return 0
	}
	return uint64(nanos)
}

func encodeNanos(nanos int64) []byte {
	buf := make([]byte, observedLen)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}
