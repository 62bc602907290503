package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Relay carries events to sessions held by other API instances.
type Relay interface {
	Publish(ctx context.Context, event Event) error
}

type Broadcaster struct {
	registry    *Registry
	relay       Relay
	sendTimeout time.Duration
	logger      *slog.Logger
}

func NewBroadcaster(registry *Registry, sendTimeout time.Duration) *Broadcaster {
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	return &Broadcaster{
		registry:    registry,
		sendTimeout: sendTimeout,
		logger:      slog.Default(),
	}
}

func (b *Broadcaster) WithRelay(relay Relay) *Broadcaster {
	b.relay = relay
	return b
}

func (b *Broadcaster) WithLogger(logger *slog.Logger) *Broadcaster {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// Notify sends event to every live device of userID except originDeviceID
// and returns how many local sends succeeded. Nothing is queued for devices
// that are offline.
func (b *Broadcaster) Notify(ctx context.Context, userID, originDeviceID string, event Event) int {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.UserID = userID
	event.OriginDeviceID = originDeviceID

	delivered := b.DeliverLocal(ctx, event)
	if b.relay != nil {
		if err := b.relay.Publish(ctx, event); err != nil {
			b.logger.Warn("sync relay publish failed", "event_type", event.Type, "user_id", userID, "error", err)
		}
	}
	return delivered
}

// DeliverLocal fans event out to the sessions held by this instance. Each
// send runs on its own goroutine so one stuck or failing device cannot hold
// up the others.
func (b *Broadcaster) DeliverLocal(ctx context.Context, event Event) int {
	targets := b.registry.targets(event.UserID, event.OriginDeviceID)
	if len(targets) == 0 {
		return 0
	}

	var (
		wg        sync.WaitGroup
		delivered atomic.Int64
	)
	for _, target := range targets {
		wg.Add(1)
		go func(s Session) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
			defer cancel()
			if err := s.Conn.Send(sendCtx, event); err != nil {
				b.logger.Warn("sync event delivery failed", "event_type", event.Type, "device_id", s.DeviceID, "error", err)
				return
			}
			delivered.Add(1)
		}(target)
	}
	wg.Wait()
	return int(delivered.Load())
}
