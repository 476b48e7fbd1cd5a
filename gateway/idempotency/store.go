package idempotency

import (
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketResponses = []byte("responses")

// ErrClosed is returned once the store has been closed.
var ErrClosed = errors.New("idempotency: store closed")

// Record is a cached response for one idempotency key.
type Record struct {
	StatusCode  int       `json:"statusCode"`
	Body        []byte    `json:"body"`
	Fingerprint string    `json:"fingerprint"`
	StoredAt    time.Time `json:"storedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Store persists Records in a Bolt database.
type Store struct {
	db *bolt.DB
}

// Open initialises the Bolt-backed store at path.
func Open(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResponses)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the cached record for key. Expired records are deleted and
// reported as missing.
func (s *Store) Get(key string, now time.Time) (Record, bool, error) {
	if s == nil || s.db == nil {
		return Record{}, false, ErrClosed
	}
	var (
		record Record
		found  bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		if now.After(record.ExpiresAt) {
			record = Record{}
			return bucket.Delete([]byte(key))
		}
		found = true
		return nil
	})
	if err != nil {
		return Record{}, false, err
	}
	return record, found, nil
}

// Put stores record under key, replacing any previous value.
func (s *Store) Put(key string, record Record) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResponses).Put([]byte(key), payload)
	})
}

// Prune deletes every record that expired before now and returns how many
// were removed.
func (s *Store) Prune(now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		var expired [][]byte
		if err := bucket.ForEach(func(k, v []byte) error {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil || now.After(record.ExpiresAt) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}
