package storage

import (
	"encoding/json"
	"errors"
	"fmt"
)

var errStoreNotConfigured = errors.New("storage: dispute store not configured")

// DisputeStore persists dispute records as JSON values over any Database
// backend.
type DisputeStore struct {
	db Database
}

// NewDisputeStore wraps db.
func NewDisputeStore(db Database) *DisputeStore {
	return &DisputeStore{db: db}
}

// KVGet decodes the value stored under key into out. It reports false when the
// key is absent.
func (s *DisputeStore) KVGet(key []byte, out interface{}) (bool, error) {
	if s == nil || s.db == nil {
		return false, errStoreNotConfigured
	}
	raw, err := s.db.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// KVPut encodes value as JSON under key.
func (s *DisputeStore) KVPut(key []byte, value interface{}) error {
	return s.KVPutAll(map[string]interface{}{string(key): value})
}

// KVPutAll encodes every value and writes them atomically: either all keys
// are updated or none are.
func (s *DisputeStore) KVPutAll(values map[string]interface{}) error {
	if s == nil || s.db == nil {
		return errStoreNotConfigured
	}
	entries := make([]Entry, 0, len(values))
	for key, value := range values {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		entries = append(entries, Entry{Key: []byte(key), Value: raw})
	}
	return s.db.Write(entries)
}

// Close closes the underlying database.
func (s *DisputeStore) Close() {
	if s != nil && s.db != nil {
		s.db.Close()
	}
}
