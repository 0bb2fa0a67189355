package httpmiddleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-faster/sdk/zctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWrap_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	hit(Wrap(okHandler(), mw("outer"), mw("inner")), nil)
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	w := hit(h, func(r *http.Request) { r.Header.Set("X-Request-ID", "abc-123") })
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))

	for _, bad := range []string{"", strings.Repeat("x", 129), "bad\nid"} {
		w = hit(h, func(r *http.Request) { r.Header.Set("X-Request-ID", bad) })
		assert.NotEqual(t, bad, seen)
		assert.Len(t, seen, 36)
		assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
	}

	assert.Empty(t, RequestIDFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()))
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	h := Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), RequestID(), InjectLogger(zap.New(core)), Recovery())

	w := hit(h, func(r *http.Request) { r.Header.Set("X-Request-ID", "req-1") })
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "close", w.Header().Get("Connection"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "INTERNAL_ERROR", body["code"])
	assert.Equal(t, "req-1", body["requestId"])

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Panic recovered", logs.All()[0].Message)
}

func TestInjectLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := InjectLogger(zap.New(core))(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		zctx.From(r.Context()).Info("inside")
	}))

	hit(h, nil)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "inside", logs.All()[0].Message)
}

func TestLogRequests(t *testing.T) {
	tests := []struct {
		name   string
		status int
		level  zap.AtomicLevel
	}{
		{name: "ok", status: http.StatusOK, level: zap.NewAtomicLevelAt(zap.InfoLevel)},
		{name: "client error", status: http.StatusBadRequest, level: zap.NewAtomicLevelAt(zap.WarnLevel)},
		{name: "server error", status: http.StatusInternalServerError, level: zap.NewAtomicLevelAt(zap.ErrorLevel)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.DebugLevel)
			h := Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("{}"))
			}), RequestID(), InjectLogger(zap.New(core)), LogRequests())

			hit(h, func(r *http.Request) { r.Header.Set("X-Request-ID", "req-9") })

			require.Equal(t, 1, logs.Len())
			entry := logs.All()[0]
			assert.Equal(t, tt.level.Level(), entry.Level)
			fields := entry.ContextMap()
			assert.Equal(t, "req-9", fields["request_id"])
			assert.Equal(t, int64(tt.status), fields["status"])
			assert.Equal(t, int64(2), fields["bytes"])
			assert.Equal(t, "/api/checkout/confirm", fields["path"])
		})
	}
}

type noopTelemetry struct{}

func (noopTelemetry) MeterProvider() metric.MeterProvider { return metricnoop.NewMeterProvider() }
func (noopTelemetry) TracerProvider() trace.TracerProvider { return tracenoop.NewTracerProvider() }

func TestInstrument(t *testing.T) {
	h := Instrument("voucher-api", noopTelemetry{})(okHandler())
	assert.Equal(t, http.StatusOK, hit(h, nil).Code)
}
