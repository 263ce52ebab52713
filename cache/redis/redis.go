package redis

import (
	"context"
	"crypto/tls"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type RedisAnnotationCache struct {
	client redis.UniversalClient
	logger zerolog.Logger
}

func NewRedisAnnotationCache(ctx context.Context, devMode bool, endpoint string, logger zerolog.Logger) (*RedisAnnotationCache, error) {
	opts := &redis.Options{Addr: endpoint}
	if !devMode {
		// managed endpoints require TLS
		opts.TLSConfig = &tls.Config{}
	}
	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisAnnotationCache{client: client, logger: logger}, nil
}

func NewWithClient(client redis.UniversalClient, logger zerolog.Logger) *RedisAnnotationCache {
	return &RedisAnnotationCache{client: client, logger: logger}
}

// ChannelName is the pub/sub channel for one annotated scope.
func ChannelName(scopeKey string) string {
	return "annotations:{" + scopeKey + "}"
}

func (c *RedisAnnotationCache) Publish(ctx context.Context, channel string, message []byte) error {
	return c.client.Publish(ctx, channel, message).Err()
}

// Subscribe delivers every message on channel to handler until ctx is done.
func (c *RedisAnnotationCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	pubsub := c.client.Subscribe(ctx, channel)
	// Ensure subscription is established
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		c.logger.Warn().Str("channel", channel).Err(err).Msg("pubsub subscribe failed")
		return err
	}

	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					c.logger.Debug().Str("channel", channel).Msg("pubsub channel closed")
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	return nil
}

func (c *RedisAnnotationCache) Close() error {
	return c.client.Close()
}
