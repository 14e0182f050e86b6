package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Message is a request to email recipients using one template.
type Message struct {
	Template string
	To       []string
	OrderID  string
	Data     map[string]any
}

// Envelope is the rendered email handed to a transport.
type Envelope struct {
	Template string   `json:"template"`
	From     string   `json:"from"`
	To       []string `json:"to"`
	Subject  string   `json:"subject"`
	HTML     string   `json:"html"`
	Text     string   `json:"text"`
	OrderID  string   `json:"orderId,omitempty"`
}

// DeliveryResult reports how the transport accepted a message.
type DeliveryResult struct {
	Transport string
	MessageID string
}

// Publisher moves envelopes out of the process (Pub/Sub, Kafka, or a log line).
type Publisher interface {
	Publish(ctx context.Context, envelope Envelope) (string, error)
	Name() string
}

// Sender renders and publishes messages.
type Sender interface {
	Send(ctx context.Context, msg Message) (DeliveryResult, error)
}

// ErrNoRecipients is returned when a message has no usable address.
var ErrNoRecipients = errors.New("mail: no recipients")

type sender struct {
	renderer  *Renderer
	publisher Publisher
	from      string
}

// NewSender combines a renderer and a transport.
func NewSender(renderer *Renderer, publisher Publisher, from string) (Sender, error) {
	if renderer == nil {
		return nil, errors.New("mail: renderer is required")
	}
	if publisher == nil {
		return nil, errors.New("mail: publisher is required")
	}
	return &sender{renderer: renderer, publisher: publisher, from: from}, nil
}

func (s *sender) Send(ctx context.Context, msg Message) (DeliveryResult, error) {
	recipients := make([]string, 0, len(msg.To))
	for _, to := range msg.To {
		if to = strings.TrimSpace(to); to != "" {
			recipients = append(recipients, to)
		}
	}
	if len(recipients) == 0 {
		return DeliveryResult{}, ErrNoRecipients
	}
	rendered, err := s.renderer.Render(msg.Template, msg.Data)
	if err != nil {
		return DeliveryResult{}, err
	}
	id, err := s.publisher.Publish(ctx, Envelope{
		Template: msg.Template,
		From:     s.from,
		To:       recipients,
		Subject:  rendered.Subject,
		HTML:     rendered.HTML,
		Text:     rendered.Text,
		OrderID:  msg.OrderID,
	})
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("mail: publish via %s: %w", s.publisher.Name(), err)
	}
	return DeliveryResult{Transport: s.publisher.Name(), MessageID: id}, nil
}

// LogPublisher writes envelopes to the log instead of delivering them. Used for local runs.
type LogPublisher struct {
	logger *zap.Logger
	seq    func() string
}

func NewLogPublisher(logger *zap.Logger, ids func() string) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.Named("mail"), seq: ids}
}

func (p *LogPublisher) Name() string { return "log" }

func (p *LogPublisher) Publish(_ context.Context, envelope Envelope) (string, error) {
	id := ""
	if p.seq != nil {
		id = p.seq()
	}
	p.logger.Info("email",
		zap.String("messageId", id),
		zap.String("template", envelope.Template),
		zap.Strings("to", envelope.To),
		zap.String("subject", envelope.Subject),
		zap.String("orderId", envelope.OrderID),
		zap.String("text", envelope.Text),
	)
	return id, nil
}
