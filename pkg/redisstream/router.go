package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func NewClient(s Settings) (*redis.Client, error) {
	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("redisstream: addr is empty")
	}
	return redis.NewClient(&redis.Options{Addr: s.Addr}), nil
}

// BuildPublisher returns a Watermill publisher writing to Redis Streams.
func BuildPublisher(client redis.UniversalClient, logger watermill.LoggerAdapter) (message.Publisher, error) {
	if client == nil {
		return nil, errors.New("redisstream: client is nil")
	}
	return rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
}

// BuildSubscriber returns a Redis Streams subscriber. An empty group gives a
// fan-out subscriber that sees every message.
func BuildSubscriber(client redis.UniversalClient, group, consumer string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if client == nil {
		return nil, errors.New("redisstream: client is nil")
	}
	cfg := rstream.SubscriberConfig{
		Client:       client,
		Unmarshaller: rstream.DefaultMarshallerUnmarshaller{},
	}
	if group != "" {
		cfg.ConsumerGroup = group
		cfg.Consumer = consumer
	}
	return rstream.NewSubscriber(cfg, logger)
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// Ignore BUSYGROUP errors (group already exists)
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrap(err, "redisstream: create group")
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

// TrimStream approximately caps a stream at maxLen entries.
func TrimStream(ctx context.Context, client redis.UniversalClient, stream string, maxLen int64) error {
	if maxLen <= 0 {
		return nil
	}
	return errors.Wrap(client.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err(), "redisstream: trim")
}
