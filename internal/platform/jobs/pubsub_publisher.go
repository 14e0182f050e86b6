package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/partsdesk/api/internal/platform/mail"
)

// PubSubMailPublisher hands rendered emails to the delivery worker through a Pub/Sub topic.
// Messages for one order share an ordering key, so a customer never sees "paid" before "offer
// added".
type PubSubMailPublisher struct {
	topic *pubsub.Topic
}

// NewPubSubMailPublisher enables message ordering on topic.
func NewPubSubMailPublisher(topic *pubsub.Topic) (*PubSubMailPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub mail publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubMailPublisher{topic: topic}, nil
}

func (p *PubSubMailPublisher) Name() string { return "pubsub" }

// Publish blocks until the server acknowledges the message and returns its id. A failed publish
// pauses the ordering key; it is resumed so the next email for the order is not rejected too.
func (p *PubSubMailPublisher) Publish(ctx context.Context, envelope mail.Envelope) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub mail publisher: not initialised")
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("marshal mail envelope: %w", err)
	}

	msg := &pubsub.Message{
		Data:        body,
		Attributes:  map[string]string{"template": envelope.Template},
		OrderingKey: envelope.OrderID,
	}
	if envelope.OrderID != "" {
		msg.Attributes["orderId"] = envelope.OrderID
	}

	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			p.topic.ResumePublish(msg.OrderingKey)
		}
		return "", fmt.Errorf("publish mail envelope: %w", err)
	}
	return id, nil
}
