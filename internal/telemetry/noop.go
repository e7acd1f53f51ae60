package telemetry

import (
	"context"
	"time"

	"github.com/OrlandoBitencourt/fliptengine/internal/circuit"
	"github.com/OrlandoBitencourt/fliptengine/internal/refresh"
)

// NoOpProvider is a telemetry provider that does nothing
type NoOpProvider struct{}

// NewNoOp creates a new no-op telemetry provider
func NewNoOp() *NoOpProvider {
	return &NoOpProvider{}
}

func (n *NoOpProvider) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (n *NoOpProvider) RecordEvaluation(context.Context, string, string, string, time.Duration) {}
func (n *NoOpProvider) RecordBatch(context.Context, string, int, time.Duration) {}
func (n *NoOpProvider) RecordNotReady(context.Context, string) {}
func (n *NoOpProvider) RefreshCompleted(context.Context, refresh.Event) {}
func (n *NoOpProvider) StateChanged(refresh.State, refresh.State) {}
func (n *NoOpProvider) CircuitChanged(circuit.State, circuit.State) {}
func (n *NoOpProvider) StreamConnected() {}
func (n *NoOpProvider) StreamDisconnected(error) {}
func (n *NoOpProvider) Shutdown(context.Context) error { return nil }

type noopSpan struct{}

func (noopSpan) End() {}
func (noopSpan) SetAttributes(...Attribute) {}
func (noopSpan) RecordError(error) {}
func (noopSpan) AddEvent(string, ...Attribute) {}
