package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/mdagent/internal/config"
)

func TestSetupNoopWhenDisabled(t *testing.T) {
	t.Parallel()

	shutdown, err := Setup(context.Background(), config.TelemetryConfig{Endpoint: "http://192.0.2.1:4318"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, shutdown(ctx))
}

func TestSetupCreatesProvider(t *testing.T) {
	// Non-routable endpoint; no span is exported so shutdown returns promptly.
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{
		Enabled:     true,
		Endpoint:    "http://192.0.2.1:4318",
		ServiceName: "mdagent-test",
		Version:     "v0.0.1",
		SampleRatio: 1,
	})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestMiddlewareRecordsServerSpan(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := Middleware("public", otelhttp.WithTracerProvider(tp))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/hello-world/", nil))

	require.Equal(t, http.StatusNoContent, resp.Code)
	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "public", spans[0].Name())
}
