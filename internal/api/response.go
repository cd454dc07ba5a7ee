package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"OpenMCP-Orchestrator/internal/approval"
	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/task"
	"OpenMCP-Orchestrator/pkg/logger"
)

type errorBody struct {
	Code    xerrors.Code        `json:"code"`
	Mode    xerrors.FailureMode `json:"mode"`
	Message string              `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 把统一错误码映射为 HTTP 状态码，响应体携带失败模式。
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		logger.Named("api").Error("请求处理失败",
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.Any("error", err))
	}
	body := errorBody{Code: xerrors.CodeOf(err), Mode: xerrors.ModeOf(err), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeUnauthenticated:
		return http.StatusUnauthorized
	case xerrors.CodePermissionDenied:
		return http.StatusForbidden
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict, approval.CodeAlreadyResolved:
		return http.StatusConflict
	case xerrors.CodeUnavailable, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
