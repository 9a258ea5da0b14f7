package tracer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestHashContact(t *testing.T) {
	h := HashContact("+15551234567")
	assert.Len(t, h, 16)
	assert.Equal(t, h, HashContact("+15551234567"))
	assert.NotEqual(t, h, HashContact("+15557654321"))
	assert.NotContains(t, h, "5551234567")
	assert.Empty(t, HashContact(""))
}

func TestNoopTracerIsInert(t *testing.T) {
	tr := NewNoop()
	ctx, span := tr.Start(context.Background(), SpanSession, String(AttrTxID, "abc"))
	require.NotNil(t, ctx)
	span.SetAttributes(Bool("done", true))
	span.AddEvent("event", Int64(AttrBatch, 1))
	span.End(errors.New("ignored"))
}

func TestToOTelAttributes(t *testing.T) {
	attrs := toOTelAttributes([]Attribute{
		String("s", "v"),
		Bool("b", true),
		Int64("i", 42),
		Duration("d", 1500*time.Millisecond),
		{Key: "f", Value: 3.5},
		{Key: "skipped", Value: struct{}{}},
	})

	require.Len(t, attrs, 5) // the unsupported type is dropped
	assert.Equal(t, attribute.String("s", "v"), attrs[0])
	assert.Equal(t, attribute.Bool("b", true), attrs[1])
	assert.Equal(t, attribute.Int64("i", 42), attrs[2])
	assert.Equal(t, attribute.Int64("d", 1500), attrs[3])
	assert.Equal(t, attribute.Float64("f", 3.5), attrs[4])
}
