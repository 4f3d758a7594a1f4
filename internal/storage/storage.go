// Package storage is the client's durable local persistence: a flat set of
// fixed string keys mapped to opaque JSON blobs, backed by a single state
// file. It stands in for the browser's local storage.
package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type Store struct {
	path      string
	mu        sync.RWMutex
	values    map[string]json.RawMessage
	ephemeral bool
}

// Open loads the state file at path, creating its directory if needed. A
// missing or empty file yields an empty store.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("state file path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &Store{
		path:   path,
		values: map[string]json.RawMessage{},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return s, nil
	}

	if err := json.Unmarshal(data, &s.values); err != nil {
		return nil, err
	}

	return s, nil
}

// SetEphemeral toggles disk persistence. While ephemeral, writes stay in
// memory only; deletes still reach the file, so a logout can remove
// credentials a previous persistent session left on disk.
func (s *Store) SetEphemeral(ephemeral bool) {
	s.mu.Lock()
	s.ephemeral = ephemeral
	s.mu.Unlock()
}

// Get returns the raw blob stored under key, if any.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.values[key]
	return raw, ok
}

// GetJSON unmarshals the blob under key into out. Returns false when the key
// is absent or the blob does not decode.
func (s *Store) GetJSON(key string, out any) bool {
	raw, ok := s.Get(key)
	if !ok {
		return false
	}

	return json.Unmarshal(raw, out) == nil
}

// GetString returns the value under key when it is a JSON string.
func (s *Store) GetString(key string) string {
	var v string
	if !s.GetJSON(key, &v) {
		return ""
	}

	return v
}

// Set marshals value and stores it under key.
func (s *Store) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = raw
	return s.saveLocked()
}

// SetRaw stores an already-encoded blob under key.
func (s *Store) SetRaw(key string, raw json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = append(json.RawMessage(nil), raw...)
	return s.saveLocked()
}

// Delete removes the given keys. Missing keys are ignored. Deletion is
// applied to the file even in ephemeral mode, editing it in place so that
// in-memory-only values never leak to disk.
func (s *Store) Delete(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.values, key)
	}

	if s.ephemeral {
		return s.deleteFromDisk(keys)
	}
	return s.saveLocked()
}

func (s *Store) deleteFromDisk(keys []string) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	disk := map[string]json.RawMessage{}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &disk); err != nil {
			return err
		}
	}

	changed := false
	for _, key := range keys {
		if _, ok := disk[key]; ok {
			delete(disk, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}

	out, err := json.MarshalIndent(disk, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, out, 0o600)
}

func (s *Store) saveLocked() error {
	if s.ephemeral {
		return nil
	}

	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(s.path, data, 0o600)
}
