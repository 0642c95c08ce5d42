package kafka

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestHeaderCarrier_SetReplaces(t *testing.T) {
	hs := []kafka.Header{{Key: "a", Value: []byte("1")}}
	c := headerCarrier{hs: &hs}

	c.Set("a", "2")
	c.Set("b", "3")

	assert.Equal(t, "2", c.Get("a"))
	assert.Equal(t, "3", c.Get("b"))
	assert.Empty(t, c.Get("missing"))
	assert.ElementsMatch(t, []string{"a", "b"}, c.Keys())
}

func TestTraceRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	tid, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	sid, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	hs := injectTrace(ctx)
	require.NotEmpty(t, hs)

	got := trace.SpanContextFromContext(extractTrace(context.Background(), hs))
	assert.Equal(t, tid, got.TraceID())
	assert.Equal(t, sid, got.SpanID())
}
