// Package events publishes domain events from the realtime server to the
// marketplace's message broker, where e-mail digests and analytics consume
// them.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Routing keys.
const (
	MessageCreated   = "message.created"
	CallRecorded     = "call.recorded"
	MeetingScheduled = "meeting.scheduled"
	MeetingUpdated   = "meeting.updated"
)

type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Producer      string    `json:"producer"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Time          time.Time `json:"time"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

const producer = "realtime"

// NewEnvelope wraps data for the routing key.
func NewEnvelope(key string, data any) Envelope {
	return Envelope{
		Meta: Meta{
			ID:       uuid.Must(uuid.NewV7()).String(),
			Type:     key + ".v1",
			Producer: producer,
			Time:     time.Now().UTC(),
		},
		Data: data,
	}
}

type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
	Close() error
}

// Nop discards every event. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, Envelope) error { return nil }
func (Nop) Close() error                                     { return nil }
