package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/partsdesk/api/internal/platform/mail"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaMailPublisherKeysByOrder(t *testing.T) {
	w := &recordingWriter{}
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	p := &KafkaMailPublisher{w: w, clock: func() time.Time { return at }}

	id, err := p.Publish(context.Background(), mail.Envelope{Template: mail.TemplateStatusChanged, OrderID: "ord_9", To: []string{"a@example.com"}})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "ord_9" || !msg.Time.Equal(at) {
		t.Fatalf("unexpected key/time %q %v", msg.Key, msg.Time)
	}
	var env mail.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil || env.Template != mail.TemplateStatusChanged {
		t.Fatalf("unexpected value %s (%v)", msg.Value, err)
	}
	if id == "" || id[:6] != "ord_9@" {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestKafkaMailPublisherWrapsWriteError(t *testing.T) {
	boom := errors.New("leader not available")
	p := &KafkaMailPublisher{w: &recordingWriter{err: boom}, clock: time.Now}
	if _, err := p.Publish(context.Background(), mail.Envelope{OrderID: "o"}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped writer error, got %v", err)
	}
}

func TestNewKafkaMailPublisherValidates(t *testing.T) {
	if _, err := NewKafkaMailPublisher(nil, "mail"); err == nil {
		t.Fatalf("expected brokers error")
	}
	if _, err := NewKafkaMailPublisher([]string{"localhost:9092"}, ""); err == nil {
		t.Fatalf("expected topic error")
	}
	p, err := NewKafkaMailPublisher([]string{"localhost:9092"}, "mail")
	if err != nil {
		t.Fatalf("NewKafkaMailPublisher: %v", err)
	}
	_ = p.Close()
}
