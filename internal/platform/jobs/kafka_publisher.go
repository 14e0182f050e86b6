package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/partsdesk/api/internal/platform/mail"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaMailPublisher writes rendered emails to a Kafka topic. Messages are keyed by order id so one
// order's emails stay on one partition and keep their order.
type KafkaMailPublisher struct {
	w     messageWriter
	clock func() time.Time
}

// NewKafkaMailPublisher configures a synchronous writer that waits for all in-sync replicas.
func NewKafkaMailPublisher(brokers []string, topic string) (*KafkaMailPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka mail publisher: brokers are required")
	}
	if topic == "" {
		return nil, errors.New("kafka mail publisher: topic is required")
	}
	return &KafkaMailPublisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 50 * time.Millisecond,
		},
		clock: time.Now,
	}, nil
}

// Name identifies the transport in delivery results.
func (p *KafkaMailPublisher) Name() string { return "kafka" }

// Close flushes and releases the writer.
func (p *KafkaMailPublisher) Close() error {
	if p == nil || p.w == nil {
		return nil
	}
	return p.w.Close()
}

// Publish writes one message. The returned id is the key plus the write timestamp since Kafka
// only assigns offsets per partition.
func (p *KafkaMailPublisher) Publish(ctx context.Context, envelope mail.Envelope) (string, error) {
	if p == nil || p.w == nil {
		return "", errors.New("kafka mail publisher: not initialised")
	}
	value, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("marshal mail envelope: %w", err)
	}
	key := envelope.OrderID
	if key == "" {
		key = envelope.Template
	}
	now := p.clock().UTC()
	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  now,
		Headers: []kafka.Header{
			{Key: "template", Value: []byte(envelope.Template)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("write mail envelope: %w", err)
	}
	return key + "@" + strconv.FormatInt(now.UnixNano(), 10), nil
}
