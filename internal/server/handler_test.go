package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"firehose-ingest/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutes(t *testing.T) {
	m := metrics.New()
	atomic.AddInt64(&m.RecordsWrittenTotal, 7)

	h, err := NewHandler(m, "ingest")
	require.NoError(t, err)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, body = get("/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "records_written_total=7\n")

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "ingest_records_written_total 7")
	assert.Contains(t, body, "# TYPE ingest_current_partition_unix gauge")
}

func TestNewHandlerTwice(t *testing.T) {
	m := metrics.New()
	_, err := NewHandler(m, "ingest")
	require.NoError(t, err)
	_, err = NewHandler(m, "ingest")
	assert.NoError(t, err, "each handler owns its registry")
}

func TestHTTPServiceStopsOnCancel(t *testing.T) {
	svc := NewHTTPService("127.0.0.1:0", http.NotFoundHandler())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("http service did not stop")
	}
	assert.Equal(t, "ops-http", svc.String())
}

func TestHTTPServiceListenError(t *testing.T) {
	svc := NewHTTPService("256.0.0.1:bad", http.NotFoundHandler())
	assert.Error(t, svc.Serve(context.Background()))
}

func TestStatusReporterStops(t *testing.T) {
	r := NewStatusReporter(metrics.New(), 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	assert.NoError(t, r.Serve(ctx))
	assert.Equal(t, "status-reporter", r.String())
}
