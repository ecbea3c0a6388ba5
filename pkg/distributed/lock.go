package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is a redis-backed mutual exclusion guard for singleton background
// work. Any number of sweeper replicas may run; whichever holds the lock
// performs the pass, the rest skip it. The token ties release to the holder
// so an expired lock can never be deleted by a stale instance.
type Lock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

func NewLock(client *redis.Client, key string, ttl time.Duration) *Lock {
	b := make([]byte, 16)
	rand.Read(b)
	return &Lock{
		client: client,
		key:    key,
		token:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

// TryAcquire attempts to take the lock without blocking. The lock expires
// after the configured TTL, so a crashed holder never wedges the others.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	return acquired, nil
}

// releaseScript deletes the lock only when still held by this instance.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Release gives the lock up. Releasing a lock that expired or was taken over
// is not an error; the work it guarded is idempotent.
func (l *Lock) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Result(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}

// Refresh extends the TTL when the lock is still held by this instance.
var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

func (l *Lock) Refresh(ctx context.Context) (bool, error) {
	res, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("failed to refresh lock %s: %w", l.key, err)
	}
	held, _ := res.(int64)
	return held == 1, nil
}
