package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false}, nil)
	require.NoError(t, err)

	_, span := p.StartSpan(context.Background(), "state.reset")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSpansAreRecorded(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	p, err := NewProvider(Config{ServiceName: "deskexam-test"}, sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	ctx, span := p.StartSpan(context.Background(), "state.warmup", attribute.String("session.id", "abc"))
	AddEvent(ctx, "tick")
	EndSpan(span, nil)

	_, failed := p.StartSpan(context.Background(), "state.evaluating")
	EndSpan(failed, errors.New("boom"))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "state.warmup", spans[0].Name())
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *Provider
	_, span := p.StartSpan(context.Background(), "x")
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}
