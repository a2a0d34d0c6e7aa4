package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	for _, s := range []Settings{{}, {Enabled: true}, {Endpoint: "http://collector:4318"}} {
		shutdown, err := Setup(context.Background(), s)
		require.NoError(t, err)
		assert.NoError(t, shutdown(context.Background()))
	}
}

func TestTracerSpansWithoutProvider(t *testing.T) {
	_, span := Tracer("workflow").Start(context.Background(), "step")
	defer span.End()
	assert.False(t, span.SpanContext().IsSampled())
}
