package utils

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// LeaseStore grants short exclusive leases on a key. The scrape scheduler
// leases a community for the lifetime of its ScrapeRun so that no two workers,
// in this process or another, fetch the same community concurrently.
type LeaseStore interface {
	// TryAcquire returns the owner token iff the caller now owns the lease on
	// key. The lease expires on its own after ttl so a crashed owner can't
	// wedge it.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release drops the lease only while token still owns it. An owner whose
	// lease expired and was taken over releases nothing.
	Release(ctx context.Context, key string, token string) error
}

func newLeaseToken() string {
	return uuid.New().String()
}

type memoryLease struct {
	token    string
	expireAt time.Time
}

// MemoryLeaseStore is a process local LeaseStore.
type MemoryLeaseStore struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{leases: make(map[string]memoryLease), now: time.Now}
}

func (m *MemoryLeaseStore) TryAcquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if lease, ok := m.leases[key]; ok && now.Before(lease.expireAt) {
		return "", false, nil
	}
	token := newLeaseToken()
	m.leases[key] = memoryLease{token: token, expireAt: now.Add(ttl)}
	return token, true, nil
}

func (m *MemoryLeaseStore) Release(_ context.Context, key string, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease, ok := m.leases[key]; ok && lease.token == token {
		delete(m.leases, key)
	}
	return nil
}

// Held reports whether key is currently leased.
func (m *MemoryLeaseStore) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, ok := m.leases[key]
	return ok && m.now().Before(lease.expireAt)
}

// RedisLeaseStore shares leases between processes through SETNX.
type RedisLeaseStore struct {
	inner     *redis.Client
	keyParser RedisKeyParser
}

// GetRedisLeaseStore connects to REDIS_HOST:REDIS_PORT and pings it.
func GetRedisLeaseStore(ctx context.Context) (*RedisLeaseStore, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT")),
		Password: os.Getenv("REDIS_PASSWD"),
		DB:       0, // use default DB
	})
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		return nil, err
	}
	return NewRedisLeaseStore(redisClient), nil
}

func NewRedisLeaseStore(client *redis.Client) *RedisLeaseStore {
	return &RedisLeaseStore{
		inner:     client,
		keyParser: RedisKeyParser{prefix: "communitymux", delimiter: "__"},
	}
}

type RedisKeyParser struct {
	prefix    string
	delimiter string
}

func (r RedisKeyParser) ValidateId(id string) bool {
	return id != "" && !strings.Contains(id, r.delimiter)
}

func (r RedisKeyParser) EncodeLeaseKey(id string) (string, error) {
	if !r.ValidateId(id) {
		return "", fmt.Errorf("invalid lease id: %q", id)
	}
	return strings.Join([]string{r.prefix, "lease", id}, r.delimiter), nil
}

func (r RedisKeyParser) DecodeLeaseKey(key string) (string, error) {
	splits := strings.Split(key, r.delimiter)
	if len(splits) != 3 || splits[0] != r.prefix || splits[1] != "lease" {
		return "", fmt.Errorf("invalid key: %s", key)
	}
	return splits[2], nil
}

func (r *RedisLeaseStore) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	k, err := r.keyParser.EncodeLeaseKey(key)
	if err != nil {
		return "", false, err
	}
	token := newLeaseToken()
	ok, err := r.inner.SetNX(ctx, k, token, ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// releaseScript deletes the key only if it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (r *RedisLeaseStore) Release(ctx context.Context, key string, token string) error {
	k, err := r.keyParser.EncodeLeaseKey(key)
	if err != nil {
		return err
	}
	return releaseScript.Run(ctx, r.inner, []string{k}, token).Err()
}
