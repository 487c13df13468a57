package storage

import (
	"sync"

	"github.com/go-redis/redis"
)

// KV is a persistent string key-value store. Get returns ErrNotFound for
// absent keys.
type KV interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Remove(key string) error
}

// KV returns a KV storing its keys in Redis under prefix.
func (s *Storage) KV(prefix string) KV {
	return &redisKV{r: s.Redis, prefix: prefix}
}

type redisKV struct {
	r      *redis.Client
	prefix string
}

func (kv *redisKV) Get(key string) (string, error) {
	v, err := kv.r.Get(kv.prefix + key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

func (kv *redisKV) Set(key, value string) error {
	return kv.r.Set(kv.prefix+key, value, 0).Err()
}

func (kv *redisKV) Remove(key string) error {
	return kv.r.Del(kv.prefix + key).Err()
}

// MemKV is a KV kept in memory. The zero value is ready to use.
type MemKV struct {
	mu sync.Mutex
	m  map[string]string
}

func (kv *MemKV) Get(key string) (string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	v, ok := kv.m[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (kv *MemKV) Set(key, value string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if kv.m == nil {
		kv.m = make(map[string]string)
	}
	kv.m[key] = value
	return nil
}

func (kv *MemKV) Remove(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	delete(kv.m, key)
	return nil
}
