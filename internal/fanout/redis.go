package fanout

import (
	"context"
	"strings"
	"sync"

	"github.com/real-rm/chatroom/internal/constants"
	"github.com/real-rm/chatroom/internal/util"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis fans frames out through Redis pub/sub. Each room maps to the
// channel chatroom:room:<room>; every instance pattern-subscribes to all
// room channels and delivers to its own members. A single receive loop
// keeps per-channel publish order.
type Redis struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	deliver Deliver
	logger  zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRedis subscribes to every room channel and starts the receive loop
func NewRedis(ctx context.Context, client *redis.Client, deliver Deliver, logger zerolog.Logger) (*Redis, error) {
	pubsub := client.PSubscribe(ctx, constants.RedisChannelPrefix+"*")
	// wait for the subscription to be confirmed so no early publish is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	r := &Redis{
		client:  client,
		pubsub:  pubsub,
		deliver: deliver,
		logger:  logger.With().Str("component", "fanout").Logger(),
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	util.SafeGo(r.logger, "redis-receive", func() {
		defer r.wg.Done()
		r.receive()
	})
	return r, nil
}

func (r *Redis) receive() {
	ch := r.pubsub.Channel()
	for {
		select {
		case <-r.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			room := strings.TrimPrefix(msg.Channel, constants.RedisChannelPrefix)
			r.deliver(room, []byte(msg.Payload))
		}
	}
}

// Publish sends frame to every instance, this one included
func (r *Redis) Publish(ctx context.Context, room string, frame []byte) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	return r.client.Publish(ctx, constants.RedisChannelPrefix+room, frame).Err()
}

// Close stops the receive loop. The client is owned by the caller.
func (r *Redis) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.pubsub.Close()
		r.wg.Wait()
	})
	return err
}
