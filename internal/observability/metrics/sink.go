package metrics

import (
	"context"
	"time"

	"OpenMCP-Orchestrator/internal/observability/events"
)

// Emit 让 Collector 作为事件下游，把事件流转换为指标。
func (c *Collector) Emit(_ context.Context, event events.Event) error {
	c.events.WithLabelValues(string(event.Type), event.Component).Inc()

	switch event.Type {
	case events.TypeToolCallComplete, events.TypeToolCallError:
		tool, _ := event.Metadata["tool"].(string)
		outcome := "success"
		if event.Type == events.TypeToolCallError {
			outcome = "error"
		}
		if d, ok := durationOf(event.Metadata["duration_ms"]); ok {
			c.toolCallLatency.WithLabelValues(tool, outcome).Observe(d.Seconds())
		}
	case events.TypeBudgetWarning, events.TypeBudgetExceeded:
		dimension, _ := event.Metadata["dimension"].(string)
		if ratio, ok := event.Metadata["ratio"].(float64); ok && dimension != "" {
			c.budgetUsage.WithLabelValues(dimension).Set(ratio)
		}
	}
	return nil
}

func durationOf(raw any) (time.Duration, bool) {
	switch v := raw.(type) {
	case int64:
		return time.Duration(v) * time.Millisecond, true
	case int:
		return time.Duration(v) * time.Millisecond, true
	case float64:
		return time.Duration(v * float64(time.Millisecond)), true
	default:
		return 0, false
	}
}

var _ events.Emitter = (*Collector)(nil)
