package twinsentry

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/pubsub"
	"golang.org/x/sync/errgroup"
)

// TopicSink is an AlertSink publishing each alert record as a JSON message on
// a pubsub topic.
type TopicSink struct {
	topic *pubsub.Topic
}

// NewTopicSink returns a TopicSink publishing to topic. The caller owns the
// topic and shuts it down.
func NewTopicSink(topic *pubsub.Topic) *TopicSink {
	return &TopicSink{topic: topic}
}

// SendAlerts publishes the records concurrently and fails if any of them could
// not be sent. Retrying the whole batch may duplicate the records that were
// sent; consumers deduplicate on (twin_id, rule_id, detected_at).
func (s *TopicSink) SendAlerts(ctx context.Context, records []AlertRecord) error {
	ctx, span := tracer.Start(ctx, "topicsink.SendAlerts", trace.WithAttributes(
		attribute.Int("alerts", len(records)),
	))
	defer span.End()

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range records {
		g.Go(func() error {
			return s.send(ctx, r)
		})
	}
	if err := g.Wait(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("send alerts: %w", err)
	}
	return nil
}

func (s *TopicSink) send(ctx context.Context, r AlertRecord) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	// The twin id is set as metadata so that brokers partitioning by key keep
	// every alert of a twin in order on a single partition.
	msg := &pubsub.Message{
		Body: body,
		Metadata: map[string]string{
			"twinID":   r.TwinID,
			"ruleID":   r.RuleID,
			"severity": r.Severity.String(),
		},
	}
	if err := s.topic.Send(ctx, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}
