package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 200

// RedisStore хранит записи в Redis (одиночный узел или кластер).
// Все ключи получают префикс пространства имён.
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisStore создаёт хранилище поверх Redis. При useCluster и нескольких адресах используется кластерный клиент.
func NewRedisStore(addrs []string, password, namespace string, useCluster bool) *RedisStore {
	var rdb redis.UniversalClient

	if useCluster && len(addrs) > 1 {
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    addrs,
			Password: password,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addrs[0],
			Password: password,
			DB:       0,
		})
	}

	return NewRedisStoreFromClient(rdb, namespace)
}

// NewRedisStoreFromClient создаёт хранилище поверх готового клиента.
func NewRedisStoreFromClient(client redis.UniversalClient, namespace string) *RedisStore {
	return &RedisStore{client: client, namespace: namespace}
}

func (s *RedisStore) key(k string) string {
	if s.namespace == "" {
		return k
	}
	return s.namespace + ":" + k
}

// Ping проверяет доступность Redis.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Get возвращает значение по ключу.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return v, true, nil
}

// Set сохраняет значение.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Has сообщает, существует ли ключ.
func (s *RedisStore) Has(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Delete удаляет ключ.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// DeleteByPrefix удаляет ключи с префиксом, перебирая их через SCAN.
// В кластере SCAN выполняется на каждом мастере.
func (s *RedisStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	pattern := escapeGlob(s.key(prefix)) + "*"

	cluster, ok := s.client.(*redis.ClusterClient)
	if !ok {
		return scanDelete(ctx, s.client, pattern)
	}

	var removed atomic.Int64
	err := cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
		n, err := scanDelete(ctx, node, pattern)
		removed.Add(int64(n))
		return err
	})
	return int(removed.Load()), err
}

func scanDelete(ctx context.Context, client redis.Cmdable, pattern string) (int, error) {
	removed := 0
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return removed, fmt.Errorf("redis scan: %w", err)
		}

		// в кластере ключи могут лежать в разных слотах, поэтому удаляем по одному
		for _, k := range keys {
			n, err := client.Del(ctx, k).Result()
			if err != nil {
				return removed, fmt.Errorf("redis del: %w", err)
			}
			removed += int(n)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return removed, nil
}

// Close закрывает клиент Redis.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
