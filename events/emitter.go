package events

import (
	"context"
	"log/slog"
	"time"
)

const publishTimeout = 5 * time.Second

// Emitter publishes in the background. Failures are logged and never
// surface to the request that produced the event.
type Emitter struct {
	pub Publisher
	log *slog.Logger
}

func NewEmitter(pub Publisher, log *slog.Logger) *Emitter {
	return &Emitter{pub: pub, log: log}
}

func (e *Emitter) Emit(key string, data any) {
	env := NewEnvelope(key, data)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := e.pub.Publish(ctx, key, env); err != nil {
			e.log.Warn("failed to publish event", "key", key, "eventId", env.Meta.ID, "error", err)
		}
	}()
}
