package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "chatty", "treedoc", "s1")

	logger.Debug().Msg("hidden")
	logger.Info().Msg("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line), buf.String())
	assert.Equal(t, "shown", line["message"])
	assert.Equal(t, "s1", line["site"])
	assert.Equal(t, "treedoc", line["service"])
}

func TestLoggerWithTrace(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	noSpan := LoggerWithTrace(context.Background(), base)
	noSpan.Info().Msg("no span")
	assert.NotContains(t, buf.String(), "trace_id")
	buf.Reset()

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	withSpan := LoggerWithTrace(ctx, base)
	withSpan.Info().Msg("with span")
	assert.Contains(t, buf.String(), span.SpanContext().TraceID().String())
}

func TestStartWithoutOutputs(t *testing.T) {
	tel, err := Start(context.Background(), Config{ServiceName: "treedoc", SiteID: "site-a"}, zerolog.New(io.Discard))
	require.NoError(t, err)
	assert.NoError(t, tel.Shutdown(context.Background()))

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `treedoc_site_info{service="treedoc",site="site-a"} 1`)
}
