package events

import (
	"context"
	"log/slog"

	"OpenMCP-Orchestrator/pkg/logger"
)

// LogSink 将事件写入审计日志。
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink 创建 LogSink，logger 为 nil 时使用全局审计日志。
func NewLogSink(l *slog.Logger) *LogSink {
	return &LogSink{logger: l}
}

// Emit 实现 Emitter。
func (s *LogSink) Emit(ctx context.Context, event Event) error {
	l := s.logger
	if l == nil {
		l = logger.Audit()
	}
	level := slog.LevelInfo
	switch event.Type {
	case TypeBudgetWarning, TypeToolCallError, TypeApprovalTimeout:
		level = slog.LevelWarn
	case TypeBudgetExceeded:
		level = slog.LevelError
	}
	l.LogAttrs(ctx, level, string(event.Type),
		slog.String("trace_id", event.TraceID),
		slog.String("component", event.Component),
		slog.Time("occurred_at", event.OccurredAt),
		slog.Any("metadata", event.Metadata),
	)
	return nil
}
