package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestServerProbes(t *testing.T) {
	registry := NewRegistry()
	srv := NewServer(ServerConfig{Port: 0}, registry, zap.NewNop())

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/ready").Code)

	srv.SetReady(true)
	rec := get("/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready","service":"subflow"}`, rec.Body.String())
}

func TestServerExposesConsumerMetrics(t *testing.T) {
	registry := NewRegistry()
	srv := NewServer(ServerConfig{}, registry, zap.NewNop())

	registry.UpdateConsumerState("orders", "billing", 7, 3, 10, true, true)
	registry.RecordDispatch("orders", "billing", 4, 128)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `subflow_consumer_unacked_messages{consumer="7",subscription="billing",topic="orders"} 10`)
	assert.Contains(t, body, `subflow_consumer_blocked{consumer="7",subscription="billing",topic="orders"} 1`)
	assert.Contains(t, body, `subflow_consumer_messages_dispatched_total{subscription="billing",topic="orders"} 4`)

	registry.RemoveConsumer("orders", "billing", 7)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.NotContains(t, rec.Body.String(), `consumer="7"`)
}
