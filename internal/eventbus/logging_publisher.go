package eventbus

import (
	"context"
	"log/slog"
	"time"
)

// LoggingPublisher just logs events instead of shipping them anywhere,
// mirroring the teacher's HTTPDispatcher demo stance ("For the demo, just
// log instead of real HTTP post"). Used when no Kafka brokers are
// configured and in tests that don't care about delivery.
type LoggingPublisher struct {
	Logger *slog.Logger
}

func (p *LoggingPublisher) Publish(ctx context.Context, topic, key string, event Event) error {
	if event.EventID == "" {
		event.EventID = newEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if p.Logger != nil {
		p.Logger.Info("event_published", "topic", topic, "key", key, "eventId", event.EventID)
	}
	return nil
}
