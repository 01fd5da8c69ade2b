package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore хранит записи в памяти процесса с ограничением по количеству.
// При переполнении вытесняются давно не использованные записи.
type MemoryStore struct {
	mu      sync.Mutex
	entries *lru.Cache[string, memoryEntry]
	now     func() time.Time
}

// NewMemoryStore создаёт хранилище не более чем на size записей.
func NewMemoryStore(size int) (*MemoryStore, error) {
	entries, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &MemoryStore{
		entries: entries,
		now:     time.Now,
	}, nil
}

// Get возвращает неистёкшее значение по ключу.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	if e.expired(m.now()) {
		m.entries.Remove(key)
		return nil, false, nil
	}

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Set сохраняет копию значения.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memoryEntry{value: make([]byte, len(value))}
	copy(e.value, value)
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}

	m.mu.Lock()
	m.entries.Add(key, e)
	m.mu.Unlock()
	return nil
}

// Has сообщает, есть ли неистёкшая запись.
func (m *MemoryStore) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

// Delete удаляет запись.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	m.entries.Remove(key)
	m.mu.Unlock()
	return nil
}

// DeleteByPrefix удаляет все записи с префиксом.
func (m *MemoryStore) DeleteByPrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, key := range m.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			m.entries.Remove(key)
			removed++
		}
	}
	return removed, nil
}

// Close ничего не делает.
func (m *MemoryStore) Close() error {
	return nil
}
