package auth

import (
	"net/http"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/pkg/logger"
)

// ErrorWriter 把认证失败写回客户端，便于调用方统一错误响应格式。
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Middleware 返回一个 HTTP 中间件，校验 bearer token 并要求给定权限。
// 认证关闭时直接放行，且不注入 Subject。
func (s *Service) Middleware(onError ErrorWriter, perms ...string) func(http.Handler) http.Handler {
	if onError == nil {
		onError = plainError
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s == nil || s.mode == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Header.Get("Authorization"))
			if err == nil {
				err = subject.Authorize(perms...)
			}
			if err != nil {
				onError(w, r, err)
				user := ""
				if subject != nil {
					user = subject.Name
				}
				logger.Audit().Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"user", user,
					"error", err.Error(),
				)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			logger.Audit().Info("api_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"user", subject.Name,
			)
		})
	}
}

func plainError(w http.ResponseWriter, _ *http.Request, err error) {
	status := StatusOf(err)
	http.Error(w, http.StatusText(status), status)
}

// StatusOf 返回认证错误对应的 HTTP 状态码。
func StatusOf(err error) int {
	if xerrors.CodeOf(err) == xerrors.CodePermissionDenied {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// auditWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
