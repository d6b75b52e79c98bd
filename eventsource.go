package twinsentry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/danielorbach/go-component"
	"gocloud.dev/pubsub"
)

// TopicMetadataKey is the pubsub message metadata key carrying the original
// device topic (e.g. "plant/line-1/press-7/telemetry"). Bridges from MQTT or
// other hierarchical transports are expected to set it.
const TopicMetadataKey = "topic"

// Consume receives messages from sub and ingests them until ctx is done.
//
// Every message is acknowledged, including the ones that fail validation or
// are shed because the engine is overloaded: the transport delivers
// at-least-once and redelivering bad input would only pin it in the
// subscription.
func (e *Engine) Consume(ctx context.Context, sub *pubsub.Subscription) error {
	logger := component.Logger(ctx)
	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				// we're shutting down
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		// always ack, even if we fail to ingest.
		msg.Ack()

		err = e.Ingest(ctx, msg.Metadata[TopicMetadataKey], msg.Body, e.now())
		switch {
		case errors.Is(err, ErrEngineClosed):
			return nil
		case errors.Is(err, ErrIngestionOverflow):
			// Counted and logged by Ingest.
		case err != nil:
			logger.Error("Couldn't ingest message", slog.Any("error", err), slog.String("msg-id", msg.LoggableID))
		}
	}
}

// Feed returns a component.Proc that consumes sub into the engine. A
// non-retryable receive error is fatal to the component.
func (e *Engine) Feed(sub *pubsub.Subscription) component.Proc {
	return func(l *component.L) {
		if err := e.Consume(l.Context(), sub); err != nil {
			l.Fatal(err)
		}
	}
}
