package fanout

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/real-rm/chatroom/internal/constants"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a room lock could not be acquired in time
var ErrLockTimeout = errors.New("room lock not acquired")

// Locker serializes persist-and-publish for a room across instances
type Locker interface {
	Lock(ctx context.Context, room string) (func(), error)
}

// releaseScript deletes the lock only if this holder still owns it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLock is a SET NX PX lock per room. The TTL bounds how long a
// crashed holder can block the room.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLock creates a room lock on client with the default TTL
func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{
		client: client,
		ttl:    constants.RoomLockTTL,
		retry:  constants.RoomLockRetryInterval,
	}
}

// Lock blocks until room is held, ctx ends, or the TTL elapses
func (l *RedisLock) Lock(ctx context.Context, room string) (func(), error) {
	key := constants.RedisLockPrefix + room
	token := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, err
		}
		if ok {
			return func() {
				rctx, rcancel := context.WithTimeout(context.Background(), constants.HealthCheckTimeout)
				defer rcancel()
				_ = releaseScript.Run(rctx, l.client, []string{key}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ErrLockTimeout
		case <-ticker.C:
		}
	}
}
