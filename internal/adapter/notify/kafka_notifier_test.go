package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rl1809/commerce-core/internal/port"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaNotifier_Message(t *testing.T) {
	w := &fakeWriter{}
	k := newKafkaNotifier(w)
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	k.now = func() time.Time { return fixed }

	err := k.Notify(context.Background(), port.Notification{
		RecipientID: "cust-1",
		TemplateKey: "order_shipped",
		Payload:     map[string]any{"order_id": "o-1"},
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "cust-1", string(msg.Key))
	assert.Equal(t, fixed, msg.Time)

	carrier := headerCarrier(msg.Headers)
	assert.Equal(t, "order_shipped", carrier.Get("event-type"))

	var body event
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "cust-1", body.RecipientID)
	assert.Equal(t, "order_shipped", body.TemplateKey)
	assert.Equal(t, "o-1", body.Payload["order_id"])
	assert.True(t, fixed.Equal(body.OccurredAt))
}

func TestKafkaNotifier_PropagatesTraceContext(t *testing.T) {
	w := &fakeWriter{}
	k := newKafkaNotifier(w)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	require.NoError(t, k.Notify(ctx, port.Notification{RecipientID: "seller-1", TemplateKey: "inventory_low_stock"}))

	carrier := headerCarrier(w.msgs[0].Headers)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", carrier.Get("traceparent"))
}

func TestKafkaNotifier_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	k := newKafkaNotifier(w)

	err := k.Notify(context.Background(), port.Notification{RecipientID: "cust-1", TemplateKey: "order_created"})
	assert.ErrorContains(t, err, "leader not available")

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))

	require.NoError(t, n.Notify(context.Background(), port.Notification{RecipientID: "cust-1", TemplateKey: "order_created"}))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "notification", entries[0].Message)
	assert.Equal(t, "order_created", entries[0].ContextMap()["template"])
}
