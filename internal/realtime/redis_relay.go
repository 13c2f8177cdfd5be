package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultRelayChannel = "confesiones:realtime"
	relayPublishTimeout = 2 * time.Second
)

var errMissingRedisClient = errors.New("realtime: redis client is required")

// RedisRelayConfig wires a relay between processes sharing one Redis instance.
type RedisRelayConfig struct {
	Client  *redis.Client
	Channel string
	Local   *Dispatcher
	Logger  *zap.Logger
}

// RedisRelay publishes events through Redis pub/sub and forwards every received event, including
// its own, into the local Dispatcher. Local subscribers are unaware of the relay.
type RedisRelay struct {
	client  *redis.Client
	channel string
	local   *Dispatcher
	logger  *zap.Logger
}

func NewRedisRelay(cfg RedisRelayConfig) (*RedisRelay, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultRelayChannel
	}
	local := cfg.Local
	if local == nil {
		local = NewDispatcher()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client:  cfg.Client,
		channel: channel,
		local:   local,
		logger:  logger,
	}, nil
}

// Start subscribes to the relay channel and forwards messages until ctx is done.
func (r *RedisRelay) Start(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	messages := pubsub.Channel()
	go func() {
		defer pubsub.Close() //nolint:errcheck
		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
					r.logger.Warn("realtime relay dropped malformed event", zap.Error(err))
					continue
				}
				r.local.Publish(event)
			}
		}
	}()
	return nil
}

// Publish sends the event through Redis. When Redis is unreachable the event is delivered locally
// so listeners in this process still converge.
func (r *RedisRelay) Publish(event Event) {
	if event.Topic == "" || event.Kind == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("realtime relay encode failed", zap.Error(err))
		r.local.Publish(event)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("realtime relay publish failed", zap.String("topic", event.Topic), zap.Error(err))
		r.local.Publish(event)
	}
}

func (r *RedisRelay) Subscribe(ctx context.Context, topic string) (<-chan Event, func()) {
	return r.local.Subscribe(ctx, topic)
}
