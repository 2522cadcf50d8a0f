package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease keeps two requests from reconciling the same fingerprint at the same
// time. It only saves duplicate work: the store's unique constraints are what
// make the merge exactly-once.
type Lease interface {
	// Acquire reports ok=false when another holder owns key. release must be
	// called once when ok is true.
	Acquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

const leasePrefix = "attendance:offline_sync:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type RedisLease struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLease(client *redis.Client, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLease{client: client, ttl: ttl}
}

func (l *RedisLease) Acquire(ctx context.Context, key string) (func(), bool, error) {
	redisKey := leasePrefix + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err()
	}
	return release, true, nil
}

// LocalLease is an in-process Lease for single-instance deployments.
type LocalLease struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLease() *LocalLease {
	return &LocalLease{held: make(map[string]struct{})}
}

func (l *LocalLease) Acquire(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}
