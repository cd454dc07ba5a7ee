package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Orchestrator/internal/observability/events"
)

func TestCollectorCountsEvents(t *testing.T) {
	c := NewCollector()
	ctx := context.Background()

	require.NoError(t, c.Emit(ctx, events.New(events.TypeRouteDecision, "t1", "routing", nil)))
	require.NoError(t, c.Emit(ctx, events.New(events.TypeRouteDecision, "t1", "routing", nil)))
	require.NoError(t, c.Emit(ctx, events.New(events.TypeToolCallComplete, "t1", "orchestrator",
		map[string]any{"tool": "search", "duration_ms": int64(12)})))
	require.NoError(t, c.Emit(ctx, events.New(events.TypeBudgetWarning, "t1", "planning",
		map[string]any{"dimension": "calls", "ratio": 0.8})))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.events.WithLabelValues("route_decision", "routing")))
	assert.Equal(t, 0.8, testutil.ToFloat64(c.budgetUsage.WithLabelValues("calls")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.toolCallLatency))
}

func TestHandlerExposesHTTPMetrics(t *testing.T) {
	c := NewCollector()
	c.ObserveHTTPRequest("/api/v1/tasks", http.MethodPost, http.StatusInternalServerError, 30*time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(body, `orchestrator_http_request_errors_total{handler="/api/v1/tasks",method="POST"} 1`), body)
}
