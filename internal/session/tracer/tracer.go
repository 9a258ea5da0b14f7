// Package tracer provides a lightweight tracing abstraction for the
// session controller.
//
// The controller emits one span per customer session and child spans for
// the expensive operations inside it (compliance round trips, backend
// posts, dispense batches) without depending on OpenTelemetry APIs
// directly.
//
// Implementations:
//   - NoopTracer: for tests (zero overhead)
//   - OTelTracer: OpenTelemetry adapter for production
package tracer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Span represents an active trace span.
type Span interface {
	// End completes the span, recording any error that occurred.
	// End must be called exactly once, typically via defer.
	End(err error)

	// SetAttributes adds key-value pairs to the span.
	SetAttributes(attrs ...Attribute)

	// AddEvent records a timestamped event within the span.
	AddEvent(name string, attrs ...Attribute)
}

// Tracer creates spans. Implementations must be safe for concurrent use.
type Tracer interface {
	Start(ctx context.Context, name string, attrs ...Attribute) (context.Context, Span)
}

// Attribute represents a key-value pair attached to spans.
type Attribute struct {
	Key   string
	Value any
}

// String creates a string attribute.
func String(key, value string) Attribute {
	return Attribute{Key: key, Value: value}
}

// Bool creates a boolean attribute.
func Bool(key string, value bool) Attribute {
	return Attribute{Key: key, Value: value}
}

// Int64 creates an int64 attribute.
func Int64(key string, value int64) Attribute {
	return Attribute{Key: key, Value: value}
}

// Duration creates a duration attribute in milliseconds.
func Duration(key string, value time.Duration) Attribute {
	return Attribute{Key: key, Value: value.Milliseconds()}
}

// HashContact returns a short SHA-256 hash of a phone number or email so
// traces can be correlated per customer without carrying PII.
func HashContact(contact string) string {
	if contact == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(contact))
	return hex.EncodeToString(hash[:8])
}

// Span names used by the session controller.
const (
	SpanSession      = "session.run"
	SpanCompliance   = "session.compliance"
	SpanBillAccept   = "session.bills.accept"
	SpanDispense     = "session.dispense"
	SpanDispenseUnit = "session.dispense.batch"
	SpanTxPost       = "session.tx.post"
)

// Attribute keys used by the session controller.
const (
	AttrTxID      = "tx.id"
	AttrDirection = "tx.direction"
	AttrState     = "session.state"
	AttrFiat      = "tx.fiat"
	AttrCustomer  = "customer.hash"
	AttrBatch     = "dispense.batch"
)
