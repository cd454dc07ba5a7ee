package alerting

import (
	"context"
	"log/slog"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/observability/events"
	"OpenMCP-Orchestrator/pkg/logger"
)

// Sink 把终态失败的作业事件转换为告警。只有注册为需要告警的错误码才会通知。
type Sink struct {
	dispatcher Dispatcher
}

// NewSink 构造告警事件接收方。
func NewSink(dispatcher Dispatcher) *Sink {
	return &Sink{dispatcher: dispatcher}
}

// Emit 实现 events.Emitter。通知失败只记录日志，不影响作业流程。
func (s *Sink) Emit(ctx context.Context, event events.Event) error {
	if s == nil || s.dispatcher == nil || event.Type != events.TypeJobFailed {
		return nil
	}
	code := xerrors.Code(stringOf(event.Metadata["error_code"]))
	attrs := xerrors.AttributesOf(code)
	if !attrs.Alert {
		return nil
	}
	mode, ok := xerrors.ParseMode(stringOf(event.Metadata["failure_mode"]))
	if !ok {
		mode = attrs.Mode
	}
	alert := Event{
		Code:       code,
		Mode:       mode,
		Severity:   attrs.Severity,
		Message:    stringOf(event.Metadata["message"]),
		TaskID:     stringOf(event.Metadata["task_id"]),
		TraceID:    event.TraceID,
		Attempts:   intOf(event.Metadata["attempts"]),
		MaxRetries: intOf(event.Metadata["max_retries"]),
		OccurredAt: event.OccurredAt,
	}
	if err := s.dispatcher.Notify(ctx, alert); err != nil {
		logger.Named("alerting").Warn("告警发送失败",
			slog.String("task_id", alert.TaskID),
			slog.String("code", string(code)),
			slog.Any("error", err))
	}
	return nil
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
