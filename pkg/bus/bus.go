package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/roomsync/pkg/redisstream"
)

var ErrClosed = errors.New("bus: closed")

type Settings struct {
	// Topic names the gochannel topic, or the stream when Redis is enabled.
	Topic string `yaml:"topic"`
	// Buffer is the per-subscriber delivery buffer.
	Buffer int                  `yaml:"buffer"`
	Redis  redisstream.Settings `yaml:"redis"`
}

func DefaultSettings() Settings {
	return Settings{
		Topic:  "roomsync.updates",
		Buffer: 64,
		Redis:  redisstream.DefaultSettings(),
	}
}

// Bus is the multicast broadcast stream of committed updates. Every
// subscriber sees every update, in publish order per publisher.
type Bus struct {
	settings Settings
	topic    string
	logger   watermill.LoggerAdapter

	publisher message.Publisher
	memory    *gochannel.GoChannel
	client    *redis.Client

	mu     sync.Mutex
	closed bool
	subs   []message.Subscriber
}

// New builds an in-memory bus, or a Redis Streams backed one when
// s.Redis.Enabled is set.
func New(s Settings) (*Bus, error) {
	if s.Buffer <= 0 {
		s.Buffer = DefaultSettings().Buffer
	}
	b := &Bus{
		settings: s,
		topic:    s.Topic,
		logger:   NewWatermillLogger(log.With().Str("component", "bus").Logger()),
	}
	if !s.Redis.Enabled {
		if b.topic == "" {
			b.topic = DefaultSettings().Topic
		}
		b.memory = gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            int64(s.Buffer),
			BlockPublishUntilSubscriberAck: true,
		}, b.logger)
		b.publisher = b.memory
		return b, nil
	}

	if s.Redis.Stream != "" {
		b.topic = s.Redis.Stream
	}
	if b.topic == "" {
		b.topic = redisstream.DefaultSettings().Stream
	}
	client, err := redisstream.NewClient(s.Redis)
	if err != nil {
		return nil, err
	}
	pub, err := redisstream.BuildPublisher(client, b.logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "bus: build redis publisher")
	}
	b.client = client
	b.publisher = pub
	return b, nil
}

func (b *Bus) Topic() string {
	return b.topic
}

// Publish sends u to every current subscriber. With the in-memory backend it
// returns once every subscriber has accepted the update. Documents that are
// not valid JSON travel as null.
func (b *Bus) Publish(ctx context.Context, u Update) error {
	if b == nil {
		return errors.New("bus: nil")
	}
	if err := u.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	payload, err := json.Marshal(u.encodable())
	if err != nil {
		return errors.Wrap(err, "bus: encode update")
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("kind", string(u.Kind))
	if ctx != nil {
		msg.SetContext(ctx)
	}
	if err := b.publisher.Publish(b.topic, msg); err != nil {
		return errors.Wrap(err, "bus: publish")
	}
	if b.client != nil && ctx != nil {
		if err := redisstream.TrimStream(ctx, b.client, b.topic, b.settings.Redis.MaxLen); err != nil {
			log.Warn().Err(err).Str("component", "bus").Str("stream", b.topic).Msg("trim failed")
		}
	}
	return nil
}

// Subscribe returns a channel receiving every update published after the
// call. The channel closes when ctx is cancelled or the bus is closed.
// Undecodable messages are logged and dropped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Update, error) {
	if b == nil {
		return nil, errors.New("bus: nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sub, err := b.subscriber(ctx)
	if err != nil {
		return nil, err
	}
	msgs, err := sub.Subscribe(ctx, b.topic)
	if err != nil {
		return nil, errors.Wrap(err, "bus: subscribe")
	}

	out := make(chan Update, b.settings.Buffer)
	go func() {
		defer close(out)
		for msg := range msgs {
			u, err := decodeUpdate(msg.Payload)
			if err != nil {
				log.Warn().Err(err).Str("component", "bus").Str("message_uuid", msg.UUID).Msg("dropping undecodable update")
				msg.Ack()
				continue
			}
			select {
			case out <- u:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) subscriber(ctx context.Context) (message.Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.memory != nil {
		return b.memory, nil
	}
	rs := b.settings.Redis
	consumer := rs.Consumer
	if rs.Group != "" {
		if consumer == "" {
			consumer = "roomsync-" + uuid.NewString()
		}
		if err := redisstream.EnsureGroupAtTail(ctx, b.client, b.topic, rs.Group); err != nil {
			return nil, err
		}
	}
	sub, err := redisstream.BuildSubscriber(b.client, rs.Group, consumer, b.logger)
	if err != nil {
		return nil, errors.Wrap(err, "bus: build redis subscriber")
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, sub := range subs {
		keep(sub.Close())
	}
	keep(b.publisher.Close())
	if b.client != nil {
		keep(b.client.Close())
	}
	return firstErr
}
