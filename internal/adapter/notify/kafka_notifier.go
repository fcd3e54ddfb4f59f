package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/propagation"

	"github.com/rl1809/commerce-core/internal/port"
)

const publishTimeout = 5 * time.Second

// messageWriter is the part of kafka.Writer the notifier uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// event is the JSON body published for every notification.
type event struct {
	RecipientID string         `json:"recipient_id"`
	TemplateKey string         `json:"template_key"`
	Payload     map[string]any `json:"payload,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

// KafkaNotifier publishes notifications to a topic for the delivery service.
// Messages are keyed by recipient so one recipient's notifications stay ordered.
type KafkaNotifier struct {
	writer     messageWriter
	propagator propagation.TextMapPropagator
	now        func() time.Time
}

func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
	}
	return newKafkaNotifier(writer)
}

func newKafkaNotifier(w messageWriter) *KafkaNotifier {
	return &KafkaNotifier{
		writer:     w,
		propagator: propagation.TraceContext{},
		now:        time.Now,
	}
}

func (k *KafkaNotifier) Notify(ctx context.Context, n port.Notification) error {
	msg, err := k.message(ctx, n)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write notification to kafka: %w", err)
	}
	return nil
}

func (k *KafkaNotifier) message(ctx context.Context, n port.Notification) (kafka.Message, error) {
	now := k.now()
	body, err := json.Marshal(event{
		RecipientID: n.RecipientID,
		TemplateKey: n.TemplateKey,
		Payload:     n.Payload,
		OccurredAt:  now,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal notification: %w", err)
	}

	carrier := headerCarrier{{Key: "event-type", Value: []byte(n.TemplateKey)}}
	k.propagator.Inject(ctx, &carrier)

	return kafka.Message{
		Key:     []byte(n.RecipientID),
		Value:   body,
		Time:    now,
		Headers: carrier,
	}, nil
}

func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}

// headerCarrier lets the trace propagator write into kafka headers.
type headerCarrier []kafka.Header

func (c *headerCarrier) Get(key string) string {
	for _, h := range *c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	for i, h := range *c {
		if h.Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, len(*c))
	for i, h := range *c {
		keys[i] = h.Key
	}
	return keys
}
