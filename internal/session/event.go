package session

import (
	"time"

	"github.com/google/uuid"
)

// Event is a mutation notice fanned out to a user's other devices. It only
// lives for the duration of the send.
type Event struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Payload        any       `json:"data,omitempty"`
	OriginDeviceID string    `json:"originDeviceId,omitempty"`
	UserID         string    `json:"-"`
	Timestamp      time.Time `json:"timestamp"`
}

func NewEvent(eventType string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
