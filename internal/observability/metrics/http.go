package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector 持有编排器暴露的全部 Prometheus 指标。
type Collector struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	requestErrors   *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	events          *prometheus.CounterVec
	toolCallLatency *prometheus.HistogramVec
	budgetUsage     *prometheus.GaugeVec
}

// NewCollector 在独立的 registry 上注册指标，避免与默认 registry 冲突。
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_http_request_errors_total",
			Help: "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_events_total",
			Help: "Observability events emitted by the coordination core.",
		}, []string{"type", "component"}),
		toolCallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_tool_call_duration_seconds",
			Help:    "Duration of tool invocations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool", "outcome"}),
		budgetUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_budget_usage_ratio",
			Help: "Latest budget usage ratio reported by a budget event.",
		}, []string{"dimension"}),
	}
	reg.MustRegister(
		c.requests, c.requestErrors, c.requestLatency,
		c.events, c.toolCallLatency, c.budgetUsage,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.requests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		c.requestErrors.WithLabelValues(handler, method).Inc()
	}
	c.requestLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Registry 返回底层 registry，供测试读取。
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
