package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRelayChannel = "brokerdesk:sync"

type relayMessage struct {
	Instance string `json:"instance"`
	UserID   string `json:"userId"`
	Event    Event  `json:"event"`
}

// RedisRelay shares sync events between API instances over Redis pub/sub.
// Each instance ignores the messages it published itself.
type RedisRelay struct {
	client     *redis.Client
	channel    string
	instanceID string
	logger     *slog.Logger
}

func NewRedisRelay(redisURL string) (*RedisRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisRelayWithClient(client), nil
}

func NewRedisRelayWithClient(client *redis.Client) *RedisRelay {
	return &RedisRelay{
		client:     client,
		channel:    defaultRelayChannel,
		instanceID: uuid.NewString(),
		logger:     slog.Default(),
	}
}

func (r *RedisRelay) WithLogger(logger *slog.Logger) *RedisRelay {
	if logger != nil {
		r.logger = logger
	}
	return r
}

func (r *RedisRelay) InstanceID() string {
	return r.instanceID
}

func (r *RedisRelay) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(relayMessage{Instance: r.instanceID, UserID: event.UserID, Event: event})
	if err != nil {
		return fmt.Errorf("marshal relay message: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish sync event: %w", err)
	}
	return nil
}

// Start subscribes to the relay channel and returns once the subscription is
// confirmed. Events from other instances are passed to deliver until ctx is
// cancelled.
func (r *RedisRelay) Start(ctx context.Context, deliver func(context.Context, Event)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	go func() {
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				r.handle(ctx, msg.Payload, deliver)
			}
		}
	}()
	return nil
}

func (r *RedisRelay) handle(ctx context.Context, payload string, deliver func(context.Context, Event)) {
	var msg relayMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		r.logger.Warn("dropping malformed relay message", "error", err)
		return
	}
	if msg.Instance == r.instanceID {
		return
	}
	msg.Event.UserID = msg.UserID
	deliver(ctx, msg.Event)
}

func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}
