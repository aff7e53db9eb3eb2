package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingProvider() (*Provider, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return NewProvider(tp, "reelmix-test"), rec
}

func TestDisabledTracerStillCreatesSpans(t *testing.T) {
	p, err := InitTracer(Config{ServiceName: "reelmix", Enabled: false}, nil)
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	_, span := p.StartJobSpan(context.Background(), "job-1", 3)
	span.End()
}

func TestNilProviderIsNoop(t *testing.T) {
	var p *Provider
	ctx, span := p.StartPlanSpan(context.Background(), "job-1", 0)
	SetError(ctx, errors.New("boom"))
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestJobAndPlanSpans(t *testing.T) {
	p, rec := newRecordingProvider()

	ctx, job := p.StartJobSpan(context.Background(), "job-1", 2)
	planCtx, plan := p.StartPlanSpan(ctx, "job-1", 1)
	AddEvent(planCtx, "retry", attribute.Int("attempt", 2))
	SetError(planCtx, errors.New("encoder crashed"))
	plan.End()
	job.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "plan.transcode", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
	require.Len(t, spans[0].Events(), 2)
	assert.Equal(t, "retry", spans[0].Events()[0].Name)
}

func TestHTTPMiddlewareNamesSpanByRoute(t *testing.T) {
	p, rec := newRecordingProvider()

	r := mux.NewRouter()
	r.Use(HTTPMiddleware(p))
	r.HandleFunc("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/jobs/abc", nil))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /jobs/{id}", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.NotEmpty(t, resp.Header().Get("traceparent"))
}
