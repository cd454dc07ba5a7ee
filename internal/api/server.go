package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"OpenMCP-Orchestrator/internal/approval"
	"OpenMCP-Orchestrator/internal/audit"
	"OpenMCP-Orchestrator/internal/auth"
	"OpenMCP-Orchestrator/internal/task"
	"OpenMCP-Orchestrator/pkg/logger"
)

// TaskService 是 API 依赖的作业服务能力。
type TaskService interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error)
}

// TraceReader 读取某个 trace 的决策轨迹。
type TraceReader interface {
	GetTraceHistory(ctx context.Context, traceID string) ([]audit.DecisionRecord, error)
}

// ApprovalResolver 查询并决议审批请求。
type ApprovalResolver interface {
	Get(id string) (approval.Request, bool)
	Approve(ctx context.Context, id, approver string) error
	Reject(ctx context.Context, id, rejecter, reason string) error
}

// RequestObserver 记录 HTTP 请求指标，并可选地暴露 /metrics。
type RequestObserver interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
	Handler() http.Handler
}

// Server 负责暴露 REST 接口，供外部驱动编排作业。
type Server struct {
	addr            string
	tasks           TaskService
	traces          TraceReader
	approvals       ApprovalResolver
	metrics         RequestObserver
	auth            *auth.Service
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
}

// Option 定义可选配置。
type Option func(*Server)

// WithTraces 启用轨迹查询接口。
func WithTraces(r TraceReader) Option { return func(s *Server) { s.traces = r } }

// WithApprovals 启用审批决议接口。
func WithApprovals(r ApprovalResolver) Option { return func(s *Server) { s.approvals = r } }

// WithMetrics 记录请求指标并挂载 /metrics。
func WithMetrics(m RequestObserver) Option { return func(s *Server) { s.metrics = m } }

// WithAuth 要求请求携带有效的 bearer token。
func WithAuth(a *auth.Service) Option { return func(s *Server) { s.auth = a } }

// WithTimeouts 覆盖 HTTP 读写超时与关闭等待时间，零值保持默认。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks TaskService, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		tasks:           tasks,
		readTimeout:     15 * time.Second,
		writeTimeout:    30 * time.Second,
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/tasks", "submit_task", auth.PermTasksWrite, s.handleCreateTask)
	s.route(mux, "GET /api/v1/tasks", "list_tasks", auth.PermTasksRead, s.handleListTasks)
	s.route(mux, "GET /api/v1/tasks/stats", "task_stats", auth.PermTasksRead, s.handleTaskStats)
	s.route(mux, "GET /api/v1/tasks/{id}", "get_task", auth.PermTasksRead, s.handleTaskDetail)
	s.route(mux, "GET /api/v1/traces/{trace_id}", "get_trace", auth.PermTracesRead, s.handleTrace)
	s.route(mux, "GET /api/v1/approvals/{id}", "get_approval", auth.PermApprovalsResolve, s.handleApprovalDetail)
	s.route(mux, "POST /api/v1/approvals/{id}/approve", "approve", auth.PermApprovalsResolve, s.handleApprove)
	s.route(mux, "POST /api/v1/approvals/{id}/reject", "reject", auth.PermApprovalsResolve, s.handleReject)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, name, perm string, fn http.HandlerFunc) {
	var h http.Handler = fn
	h = s.auth.Middleware(writeError, perm)(h)
	h = s.instrument(name, h)
	mux.Handle(pattern, h)
}

// instrument 记录每个路由的状态码与耗时。
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
	})
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Named("api").Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
