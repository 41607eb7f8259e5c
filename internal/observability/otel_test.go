package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/autofix-backend/internal/config"
)

// keepGlobals restores the process-wide provider and propagator after t.
func keepGlobals(t *testing.T) {
	t.Helper()
	tp, prop := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
}

func collector(name string, insecure bool) config.OTELConfig {
	return config.OTELConfig{
		Enabled:     true,
		Insecure:    insecure,
		Endpoint:    "localhost:4317",
		ServiceName: name,
		SampleRatio: 1,
	}
}

func TestSetupOTel_DisabledLeavesGlobalsAlone(t *testing.T) {
	keepGlobals(t)
	before := otel.GetTracerProvider()

	shutdown, err := SetupOTel(context.Background(), config.OTELConfig{Endpoint: "ignored:4317"}, "dev")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestSetupOTel_InstallsSDKProvider(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	cases := []struct {
		name string
		ctx  context.Context
		cfg  config.OTELConfig
	}{
		{"insecure", context.Background(), collector("autofix-api", true)},
		{"tls", context.Background(), collector("autofix-api", false)},
		// The gRPC client dials lazily, so a dead context is not fatal.
		{"canceled context", canceled, collector("autofix-api", true)},
		{"ratio out of range", context.Background(), config.OTELConfig{Enabled: true, Insecure: true, Endpoint: "localhost:4317", SampleRatio: 7}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			keepGlobals(t)
			shutdown, err := SetupOTel(tc.ctx, tc.cfg, "v1.0.0")
			require.NoError(t, err)

			_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
			assert.True(t, ok, "provider is %T", otel.GetTracerProvider())

			_, span := otel.Tracer("services/Orchestrator").Start(context.Background(), "Drive")
			span.End()

			// No collector is listening; only check that shutdown returns.
			ctx, done := context.WithTimeout(context.Background(), 250*time.Millisecond)
			defer done()
			_ = shutdown(ctx)
		})
	}
}

func TestSetupOTel_PropagatesTraceContext(t *testing.T) {
	keepGlobals(t)
	shutdown, err := SetupOTel(context.Background(), collector("autofix-api", true), "v1")
	require.NoError(t, err)
	defer func() {
		ctx, done := context.WithTimeout(context.Background(), 250*time.Millisecond)
		defer done()
		_ = shutdown(ctx)
	}()

	ctx, span := otel.Tracer("http").Start(context.Background(), "POST /dongle/diagnostic")
	defer span.End()

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	require.NotEmpty(t, carrier.Get("traceparent"))

	out := otel.GetTextMapPropagator().Extract(context.Background(), carrier)
	assert.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(out).TraceID())
}

func TestSetupOTel_SeamFailuresKeepGlobals(t *testing.T) {
	origExp, origRes := newOTLPExporterFn, newServiceResourceFn
	t.Cleanup(func() { newOTLPExporterFn, newServiceResourceFn = origExp, origRes })

	cases := []struct {
		name  string
		patch func()
	}{
		{"exporter", func() {
			newOTLPExporterFn = func(context.Context, otlptrace.Client) (*otlptrace.Exporter, error) {
				return nil, errors.New("collector unreachable")
			}
		}},
		{"resource", func() {
			newServiceResourceFn = func(context.Context, string, string) (*resource.Resource, error) {
				return nil, errors.New("bad attribute")
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			keepGlobals(t)
			newOTLPExporterFn, newServiceResourceFn = origExp, origRes
			tc.patch()

			tp, prop := otel.GetTracerProvider(), otel.GetTextMapPropagator()
			_, err := SetupOTel(context.Background(), collector("autofix-api", true), "v0")
			require.Error(t, err)
			assert.Equal(t, tp, otel.GetTracerProvider())
			assert.Equal(t, prop, otel.GetTextMapPropagator())
		})
	}
}
