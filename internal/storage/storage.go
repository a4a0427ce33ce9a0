// Package storage provides the key/value stores the client persists to: a
// durable store that outlives the process and a session store scoped to one
// client session (the terminal equivalent of a browser tab).
package storage

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Storage keys shared by the client packages.
const (
	KeyDailySpins    = "spinAppDailySpins"
	KeyClaimNavState = "spinAppClaimNavState"
	KeyUserProfile   = "spinAppUserProfile"
	KeyDashboardData = "spinAppDashboardData"
)

// KV is a string-keyed byte store.
type KV interface {
	// Get returns the value for key and whether it was present.
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// LoadJSON decodes the value stored at key into v. It reports false with a
// nil error when the key is absent. A value that fails to decode is treated
// as absent and the decode error is returned.
func LoadJSON(kv KV, key string, v any) (bool, error) {
	raw, ok, err := kv.Get(key)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SaveJSON encodes v and stores it at key.
func SaveJSON(kv KV, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := kv.Set(key, raw); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// Memory is an in-process KV. The zero value is ready to use.
type Memory struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string][]byte)}
}

func (m *Memory) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *Memory) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string][]byte)
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.items[key] = v
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Keys returns the stored keys in no particular order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	return keys
}
