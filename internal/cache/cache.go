// Package cache предоставляет кэш с временем жизни записей и удалением по префиксу.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Store описывает хранилище байтовых значений с временем жизни.
// ttl == 0 означает запись без истечения срока.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Has(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
	Close() error
}

// Cache добавляет к хранилищу время жизни по умолчанию и защиту от одновременного пересчёта.
type Cache struct {
	store      Store
	defaultTTL time.Duration
	group      singleflight.Group

	// generation растёт при каждом удалении. Значение, вычисленное до удаления,
	// в кэш не записывается.
	mu         sync.Mutex
	generation uint64
}

// New создаёт кэш поверх хранилища с указанным временем жизни по умолчанию.
func New(store Store, defaultTTL time.Duration) *Cache {
	return &Cache{
		store:      store,
		defaultTTL: defaultTTL,
	}
}

// NoExpiry задаёт запись без истечения срока.
const NoExpiry time.Duration = -1

func (c *Cache) resolveTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl == 0:
		return c.defaultTTL
	case ttl < 0:
		return 0
	default:
		return ttl
	}
}

// Get возвращает значение по ключу.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return c.store.Get(ctx, key)
}

// Set сохраняет значение. Нулевой ttl заменяется временем жизни по умолчанию.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.store.Set(ctx, key, value, c.resolveTTL(ttl))
}

// Has сообщает, есть ли в кэше неистёкшая запись.
func (c *Cache) Has(ctx context.Context, key string) (bool, error) {
	return c.store.Has(ctx, key)
}

// Delete удаляет запись.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.bump()
	return c.store.Delete(ctx, key)
}

// DeleteByPrefix удаляет все записи с указанным префиксом и возвращает их количество.
func (c *Cache) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	c.bump()
	return c.store.DeleteByPrefix(ctx, prefix)
}

func (c *Cache) bump() {
	c.mu.Lock()
	c.generation++
	c.mu.Unlock()
}

func (c *Cache) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// fill сохраняет вычисленное значение, только если после начала вычисления
// не было удалений.
func fill[T any](ctx context.Context, c *Cache, key string, v T, ttl time.Duration, startedAt uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != startedAt {
		return
	}
	_ = SetValue(ctx, c, key, v, ttl)
}

// Close освобождает ресурсы хранилища.
func (c *Cache) Close() error {
	return c.store.Close()
}

// GetValue читает значение и декодирует его из JSON.
func GetValue[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	var zero T

	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return v, true, nil
}

// SetValue кодирует значение в JSON и сохраняет его.
func SetValue[T any](ctx context.Context, c *Cache, key string, v T, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.Set(ctx, key, raw, ttl)
}

// GetOrSet возвращает значение из кэша, а при промахе вычисляет его через compute и сохраняет.
// Одновременные промахи по одному ключу вызывают compute один раз.
// Ошибки compute не кэшируются; ошибки самого кэша не мешают вернуть вычисленное значение.
// Если во время compute запись была сброшена, результат возвращается, но не сохраняется,
// а промахи после сброса не присоединяются к начатому до него вычислению.
func GetOrSet[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, compute func(ctx context.Context) (T, error)) (T, error) {
	gen := c.currentGeneration()

	if v, ok, err := GetValue[T](ctx, c, key); err == nil && ok {
		return v, nil
	}

	res, err, _ := c.group.Do(key+"#"+strconv.FormatUint(gen, 10), func() (any, error) {
		v, err := compute(ctx)
		if err != nil {
			return v, err
		}
		fill(ctx, c, key, v, ttl, gen)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}
