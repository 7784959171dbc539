package metrics

import (
	"context"
	"errors"
	"testing"
)

func TestOTelTracerSpans(t *testing.T) {
	// The global provider defaults to no-op, so spans are non-recording
	// but the full adapter path still runs.
	tracer := NewOTelTracer("qkdlink-test")

	ctx, end := tracer.StartSpan(context.Background(), SpanHandshakeInitiator,
		WithSpanKind(SpanKindClient),
		WithAttributes(map[string]interface{}{
			"role":       "initiator",
			"generation": uint32(1),
			"bytes":      uint64(4096),
			"qber":       0.0125,
			"retried":    false,
		}))
	if ctx == nil {
		t.Fatal("StartSpan returned a nil context")
	}
	end(nil)

	_, end = tracer.StartSpan(context.Background(), SpanSeal)
	end(errors.New("seal failed"))
}

func TestNewOTelTracerDefaultsServiceName(t *testing.T) {
	if NewOTelTracer("") == nil {
		t.Fatal("expected a tracer for an empty service name")
	}
}
