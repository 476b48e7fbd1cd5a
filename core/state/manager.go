package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"tokensale/storage"
)

type pendingWrite struct {
	value  []byte
	delete bool
}

// Manager buffers writes on top of a storage.Database. Reads observe the
// buffered writes first. Commit flushes the buffer as a single atomic batch;
// Discard drops it. The sale engine wraps every operation in one buffer so a
// rejected operation leaves no trace in the database.
type Manager struct {
	mu      sync.Mutex
	db      storage.Database
	pending map[string]pendingWrite
}

// NewManager creates a state manager backed by db.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, pending: make(map[string]pendingWrite)}
}

func (m *Manager) get(key []byte) ([]byte, bool, error) {
	if m == nil || m.db == nil {
		return nil, false, fmt.Errorf("state: database not configured")
	}
	m.mu.Lock()
	write, buffered := m.pending[string(key)]
	m.mu.Unlock()
	if buffered {
		if write.delete {
			return nil, false, nil
		}
		return append([]byte(nil), write.value...), true, nil
	}
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (m *Manager) put(key, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[string(key)] = pendingWrite{value: append([]byte(nil), value...)}
}

func (m *Manager) remove(key []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[string(key)] = pendingWrite{delete: true}
}

// KVPut stores the provided value under key using RLP encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("kv: encode %s: %w", key, err)
	}
	m.put(key, encoded)
	return nil
}

// KVGet retrieves the value stored under key and decodes it into out. The
// boolean return value indicates whether the key existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, ok, err := m.get(key)
	if err != nil || !ok {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("kv: decode %s: %w", key, err)
	}
	return true, nil
}

// KVDelete removes key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	m.remove(key)
	return nil
}

// Dirty reports whether uncommitted writes are buffered.
func (m *Manager) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) > 0
}

// Commit writes every buffered change in one batch. The buffer is kept when
// the write fails so the caller can decide to Discard it.
func (m *Manager) Commit() error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: database not configured")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m.pending))
	for key := range m.pending {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	batch := storage.NewBatch()
	for _, key := range keys {
		write := m.pending[key]
		if write.delete {
			batch.Delete([]byte(key))
			continue
		}
		batch.Put([]byte(key), write.value)
	}
	if err := m.db.Write(batch); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	m.pending = make(map[string]pendingWrite)
	return nil
}

// Discard drops every buffered change.
func (m *Manager) Discard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = make(map[string]pendingWrite)
}
