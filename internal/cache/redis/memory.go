package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// Memory is the in-process Cache used when Redis is disabled. Values are
// stored JSON encoded so callers get the same copy semantics as with Redis.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	maxEntries int
	now        func() time.Time
}

func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &Memory{
		entries:    make(map[string]memoryEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) set(key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) >= m.maxEntries {
		m.evictLocked()
	}
	entry := memoryEntry{data: data}
	if ttl > 0 {
		entry.expires = m.now().Add(ttl)
	}
	m.entries[key] = entry
	return nil
}

func (m *Memory) get(key string, dst interface{}) (bool, error) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	if ok && !entry.expires.IsZero() && m.now().After(entry.expires) {
		delete(m.entries, key)
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(entry.data, dst); err != nil {
		return false, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return true, nil
}

// evictLocked drops expired entries, or every entry when none had expired.
func (m *Memory) evictLocked() {
	now := m.now()
	for k, e := range m.entries {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(m.entries, k)
		}
	}
	if len(m.entries) >= m.maxEntries {
		m.entries = make(map[string]memoryEntry)
	}
}

func (m *Memory) SetResult(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	return m.set(resultPrefix+key, value, ttl)
}

func (m *Memory) GetResult(_ context.Context, key string, dst interface{}) (bool, error) {
	return m.get(resultPrefix+key, dst)
}

func (m *Memory) SetEmbedding(_ context.Context, textHash string, embedding []float32, ttl time.Duration) error {
	return m.set(embeddingPrefix+textHash, embedding, ttl)
}

func (m *Memory) GetEmbedding(_ context.Context, textHash string) ([]float32, bool, error) {
	var embedding []float32
	ok, err := m.get(embeddingPrefix+textHash, &embedding)
	return embedding, ok, err
}

func (m *Memory) InvalidateResults(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		if strings.HasPrefix(k, resultPrefix) {
			delete(m.entries, k)
		}
	}
	return nil
}
