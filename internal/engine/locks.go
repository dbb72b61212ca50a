package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/powermem/powermem/internal/types"
)

// Locker serializes mutations per memory id. Lock returns the unlock
// function; callers must invoke it exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// stripedLocker hashes keys onto a fixed set of mutexes. In-process only;
// multi-writer deployments use the redis locker instead.
type stripedLocker struct {
	stripes []sync.Mutex
}

func NewStripedLocker(stripes int) Locker {
	if stripes <= 0 {
		stripes = 1024
	}
	return &stripedLocker{stripes: make([]sync.Mutex, stripes)}
}

func (l *stripedLocker) Lock(_ context.Context, key string) (func(), error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	mu.Lock()
	return mu.Unlock, nil
}

// redisLocker takes a coarse cross-process lock via SET NX with a TTL. The
// unlock script only deletes the key when the token still matches, so an
// expired lock taken over by another writer is never released by the first.
type redisLocker struct {
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
}

var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewRedisLocker(rdb *goredis.Client, prefix string, ttl time.Duration) Locker {
	if prefix == "" {
		prefix = "powermem:lock:"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &redisLocker{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (l *redisLocker) Lock(ctx context.Context, key string) (func(), error) {
	const op = "engine.redisLocker.Lock"
	full := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.rdb.SetNX(ctx, full, token, l.ttl).Result()
		if err != nil {
			return nil, types.E(types.KindBackendUnavailable, op, fmt.Sprintf("acquire %s", full), err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, types.E(types.KindConflict, op, fmt.Sprintf("lock %s contended", full), ctx.Err())
		case <-time.After(25 * time.Millisecond):
		}
	}

	unlock := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = unlockScript.Run(ctx, l.rdb, []string{full}, token).Result()
	}
	return unlock, nil
}
