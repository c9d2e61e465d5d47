// Package tokencache holds credentials in memory, grouped by credential type
// (e.g. "AccessToken", "RefreshToken"), and serializes them as JSON.
package tokencache

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// ErrEmptyType is returned by Modify when no credential type is given.
var ErrEmptyType = errors.New("credential type is required")

// identityFields determine an entry's key, in this order.
var identityFields = []string{"home_account_id", "environment", "client_id", "realm", "target"}

// Entry is one credential: a flat set of fields.
type Entry map[string]string

// Matches reports whether e holds every field of query with the same value.
func (e Entry) Matches(query Entry) bool {
	for k, v := range query {
		if got, ok := e[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// Serializable is an in-memory token cache that can be snapshotted to bytes.
type Serializable interface {
	// Deserialize replaces the whole content with data.
	Deserialize(data []byte) error
	Serialize() ([]byte, error)
	// Find returns entries of credentialType matching every field of query.
	Find(credentialType string, query Entry) []Entry
	// Modify inserts fields when old is nil, removes old when fields is nil,
	// and otherwise stores old merged with fields under old's key.
	Modify(credentialType string, old Entry, fields Entry) error
}

// compile-time interface check.
var _ Serializable = (*Memory)(nil)

// Memory is the JSON token cache. It is not safe for concurrent use.
type Memory struct {
	// credential type -> key -> entry
	entries map[string]map[string]Entry
}

// New returns an empty Memory.
func New() *Memory {
	return &Memory{entries: map[string]map[string]Entry{}}
}

func (m *Memory) Deserialize(data []byte) error {
	entries := map[string]map[string]Entry{}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("parse token cache: %w", err)
		}
	}
	if entries == nil {
		entries = map[string]map[string]Entry{}
	}
	m.entries = entries
	return nil
}

func (m *Memory) Serialize() ([]byte, error) {
	data, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal token cache: %w", err)
	}
	return data, nil
}

// Find returns copies of the matching entries, ordered by key.
func (m *Memory) Find(credentialType string, query Entry) []Entry {
	bucket := m.entries[credentialType]
	keys := slices.Sorted(maps.Keys(bucket))
	result := []Entry{}
	for _, k := range keys {
		if e := bucket[k]; e.Matches(query) {
			result = append(result, maps.Clone(e))
		}
	}
	return result
}

func (m *Memory) Modify(credentialType string, old Entry, fields Entry) error {
	if credentialType == "" {
		return ErrEmptyType
	}
	bucket := m.entries[credentialType]

	switch {
	case old == nil && fields == nil:
		return nil
	case fields == nil:
		if key, ok := locate(bucket, old); ok {
			delete(bucket, key)
		}
		if len(bucket) == 0 {
			delete(m.entries, credentialType)
		}
		return nil
	}

	if bucket == nil {
		bucket = map[string]Entry{}
		m.entries[credentialType] = bucket
	}
	if old == nil {
		key, ok := identityKey(fields)
		if !ok {
			key = uuid.NewString()
		}
		bucket[key] = maps.Clone(fields)
		return nil
	}
	merged := maps.Clone(old)
	maps.Copy(merged, fields)
	key, ok := locate(bucket, old)
	if !ok {
		if key, ok = identityKey(merged); !ok {
			key = uuid.NewString()
		}
	}
	bucket[key] = merged
	return nil
}

// locate finds old's key: by identity when an entry is stored under it,
// otherwise by an entry equal to old. Entries that gained identity fields
// after insertion keep their original key.
func locate(bucket map[string]Entry, old Entry) (string, bool) {
	if key, ok := identityKey(old); ok {
		if _, stored := bucket[key]; stored {
			return key, true
		}
	}
	for k, e := range bucket {
		if maps.Equal(e, old) {
			return k, true
		}
	}
	return "", false
}

// identityKey hashes the identity fields. ok is false when e has none.
func identityKey(e Entry) (key string, ok bool) {
	var b strings.Builder
	for i, f := range identityFields {
		v := e[f]
		if v != "" {
			ok = true
		}
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(strings.ToLower(v))
	}
	if !ok {
		return "", false
	}
	return strconv.FormatUint(xxhash.Sum64String(b.String()), 16), true
}
