package cache

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockScript releases a lock only when the caller still holds it.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireLock takes a best-effort advisory lock via SET NX. It returns a
// release func and whether the lock was obtained. When Redis is unavailable
// the lock is granted optimistically so rebuilds stay available on a
// single-instance deployment.
func AcquireLock(ctx context.Context, key string, ttl time.Duration) (func(), bool) {
	client, err := GetRedisClient()
	if err != nil || client == nil {
		return func() {}, true
	}

	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		log.Printf("cache: acquire lock %s failed: %v", key, err)
		return func() {}, true
	}
	if !ok {
		return func() {}, false
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(releaseCtx, client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			log.Printf("cache: release lock %s failed: %v", key, err)
		}
	}
	return release, true
}
