package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/grafana/execgraph/pkg/engine/internal/cache"
	"github.com/grafana/execgraph/pkg/engine/internal/kernel"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(noop.NewTracerProvider())
		require.NoError(t, tp.Shutdown(context.Background()))
	})
	return sr
}

func TestGraph_Tracing(t *testing.T) {
	sr := recordSpans(t)

	cfg := testConfig()
	g := New(Params{QueryID: "traced"})
	a := mustKernel(t, 1, "Generator(rows=[10])", cfg)
	f := newFailing(2, cfg)
	sink := kernel.NewMaterializer(3, "Materialize()", cfg)
	defer sink.Release()

	mustConnect(t, g, a, kernel.PortOutput, f, kernel.PortInput, cache.Settings{})
	mustConnect(t, g, f, kernel.PortOutput, sink, kernel.PortInput, cache.Settings{})
	require.Error(t, g.Execute(withDeadline(t)))

	spans := sr.Ended()
	require.Len(t, spans, 4)

	byName := map[string][]sdktrace.ReadOnlySpan{}
	for _, s := range spans {
		byName[s.Name()] = append(byName[s.Name()], s)
	}
	require.Len(t, byName["Graph.Execute"], 1)
	require.Len(t, byName["Kernel.Run"], 3)

	root := byName["Graph.Execute"][0]
	require.Equal(t, codes.Error, root.Status().Code)

	status := map[int64]codes.Code{}
	for _, s := range byName["Kernel.Run"] {
		require.Equal(t, root.SpanContext().SpanID(), s.Parent().SpanID())
		for _, kv := range s.Attributes() {
			if kv.Key == "kernel_id" {
				status[kv.Value.AsInt64()] = s.Status().Code
			}
		}
	}
	require.Len(t, status, 3)
	require.Equal(t, codes.Error, status[2])
	// The sink only ever observes a finished input.
	require.NotEqual(t, codes.Error, status[3])
}
