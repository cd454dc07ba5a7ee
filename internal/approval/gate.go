package approval

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/execctx"
	"OpenMCP-Orchestrator/internal/observability/events"
	"OpenMCP-Orchestrator/pkg/logger"
)

const autoApprover = "policy:auto"

type entry struct {
	req  Request
	done chan struct{}
}

// Gate 管理审批请求。等待只阻塞调用方 goroutine。
type Gate struct {
	policy  Policy
	clock   Clock
	emitter events.Emitter
	relay   Relay

	mu       sync.Mutex
	requests map[string]*entry
}

// Option 定义可选配置。
type Option func(*Gate)

// WithClock 注入时间源。
func WithClock(c Clock) Option {
	return func(g *Gate) {
		if c != nil {
			g.clock = c
		}
	}
}

// WithEmitter 设置事件下游。
func WithEmitter(e events.Emitter) Option {
	return func(g *Gate) {
		if e != nil {
			g.emitter = e
		}
	}
}

// WithRelay 让本地决议同步到其他进程。
func WithRelay(r Relay) Option {
	return func(g *Gate) {
		g.relay = r
	}
}

// NewGate 校验策略并创建闸门。
func NewGate(policy Policy, opts ...Option) (*Gate, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	policy.OnTimeout = TimeoutAction(strings.ToLower(string(policy.OnTimeout)))
	g := &Gate{
		policy:   policy,
		clock:    realClock{},
		emitter:  events.Nop,
		requests: make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// Policy 返回闸门策略。
func (g *Gate) Policy() Policy { return g.policy }

// RequestApproval 创建审批请求并立即返回。策略不要求审批时请求直接处于 APPROVED。
func (g *Gate) RequestApproval(ctx context.Context, ectx *execctx.Context, operation string) (*Request, error) {
	if ectx == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少执行上下文")
	}
	if strings.TrimSpace(operation) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "审批操作不能为空")
	}
	now := g.clock.Now().UTC()
	e := &entry{
		req: Request{
			ID:        uuid.NewString(),
			Operation: operation,
			TraceID:   ectx.TraceID(),
			RequestID: ectx.RequestID(),
			Status:    StatusPending,
			OnTimeout: g.policy.OnTimeout,
			CreatedAt: now,
			ExpiresAt: now.Add(g.policy.Timeout),
		},
		done: make(chan struct{}),
	}
	if !g.policy.RequireApproval {
		e.req.Status = StatusApproved
		e.req.ResolvedAt = now
		e.req.ResolvedBy = autoApprover
		e.req.ExpiresAt = now
		close(e.done)
	}

	g.mu.Lock()
	g.requests[e.req.ID] = e
	snapshot := e.req
	g.mu.Unlock()

	g.emit(ctx, events.TypeApprovalRequested, snapshot)
	if snapshot.Status.Terminal() {
		g.emit(ctx, events.TypeApprovalReceived, snapshot)
	}
	logger.Named("approval").Info("审批请求已创建",
		slog.String("trace_id", snapshot.TraceID),
		slog.String("approval_id", snapshot.ID),
		slog.String("operation", operation),
		slog.String("status", string(snapshot.Status)))
	return &snapshot, nil
}

// Get 返回请求快照。读取时发现已过期限会按策略落定终态并发出 approval_timeout。
func (g *Gate) Get(id string) (Request, bool) {
	g.mu.Lock()
	e, ok := g.requests[id]
	if !ok {
		g.mu.Unlock()
		return Request{}, false
	}
	expired := g.expireLocked(e)
	req := e.req
	g.mu.Unlock()

	if expired {
		g.timedOut(context.Background(), req)
	}
	return req, true
}

// WaitForApproval 等待请求离开 PENDING。timeout 与请求自身期限取较早者，
// 到期仍未决议时按策略强制为 APPROVED 或 EXPIRED。
func (g *Gate) WaitForApproval(ctx context.Context, id string, timeout time.Duration) (Status, error) {
	g.mu.Lock()
	e, ok := g.requests[id]
	if !ok {
		g.mu.Unlock()
		return "", xerrors.New(xerrors.CodeNotFound, "审批请求不存在: "+id)
	}
	expired := g.expireLocked(e)
	if e.req.Status.Terminal() {
		req := e.req
		g.mu.Unlock()
		if expired {
			g.timedOut(ctx, req)
		}
		return req.Status, nil
	}
	wait := e.req.ExpiresAt.Sub(g.clock.Now())
	if timeout > 0 && timeout < wait {
		wait = timeout
	}
	g.mu.Unlock()

	if wait < 0 {
		wait = 0
	}
	fired, stop := g.clock.Timer(wait)
	defer stop()

	select {
	case <-e.done:
	case <-fired:
		if req, changed := g.timeout(id); changed {
			g.timedOut(ctx, req)
		}
	case <-ctx.Done():
		return StatusPending, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "等待审批被取消")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return e.req.Status, nil
}

// Approve 显式批准请求。
func (g *Gate) Approve(ctx context.Context, id, approver string) error {
	return g.resolve(ctx, id, StatusApproved, approver, "", true)
}

// Reject 显式拒绝请求，rejecter 记录为决议人。
func (g *Gate) Reject(ctx context.Context, id, rejecter, reason string) error {
	return g.resolve(ctx, id, StatusRejected, rejecter, reason, true)
}

func (g *Gate) resolve(ctx context.Context, id string, status Status, actor, reason string, publish bool) error {
	g.mu.Lock()
	e, ok := g.requests[id]
	if !ok {
		g.mu.Unlock()
		if publish && g.relay != nil {
			return g.forward(ctx, Resolution{RequestID: id, Status: status, Actor: actor, Reason: reason})
		}
		return xerrors.New(xerrors.CodeNotFound, "审批请求不存在: "+id)
	}
	if expired := g.expireLocked(e); expired {
		req := e.req
		g.mu.Unlock()
		g.timedOut(ctx, req)
		return ErrAlreadyResolved
	}
	if e.req.Status.Terminal() {
		g.mu.Unlock()
		return ErrAlreadyResolved
	}
	e.req.Status = status
	e.req.ResolvedAt = g.clock.Now().UTC()
	e.req.ResolvedBy = actor
	e.req.Reason = reason
	close(e.done)
	req := e.req
	g.mu.Unlock()

	g.emit(ctx, events.TypeApprovalReceived, req)
	logger.Named("approval").Info("审批已决议",
		slog.String("trace_id", req.TraceID),
		slog.String("approval_id", req.ID),
		slog.String("status", string(req.Status)),
		slog.String("actor", actor))

	if publish && g.relay != nil {
		if err := g.relay.Publish(ctx, Resolution{RequestID: id, Status: status, Actor: actor, Reason: reason}); err != nil {
			logger.L().Warn("审批决议广播失败", slog.String("approval_id", id), slog.Any("error", err))
		}
	}
	return nil
}

// forward 把本地不存在的请求的决议广播给持有它的副本。
func (g *Gate) forward(ctx context.Context, res Resolution) error {
	if err := g.relay.Publish(ctx, res); err != nil {
		return err
	}
	logger.Named("approval").Info("审批决议已转发",
		slog.String("approval_id", res.RequestID),
		slog.String("status", string(res.Status)),
		slog.String("actor", res.Actor))
	return nil
}

func (g *Gate) timedOut(ctx context.Context, req Request) {
	g.emit(ctx, events.TypeApprovalTimeout, req)
	logger.Named("approval").Warn("审批等待超时",
		slog.String("trace_id", req.TraceID),
		slog.String("approval_id", req.ID),
		slog.String("status", string(req.Status)))
}

// timeout 在请求仍处于 PENDING 时按策略强制终态。
func (g *Gate) timeout(id string) (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.requests[id]
	if !ok || e.req.Status.Terminal() {
		return Request{}, false
	}
	g.applyTimeoutLocked(e)
	return e.req, true
}

// expireLocked 在请求已过期限但仍为 PENDING 时应用超时结果，调用方必须持有 g.mu。
func (g *Gate) expireLocked(e *entry) bool {
	if e.req.Status.Terminal() || g.clock.Now().Before(e.req.ExpiresAt) {
		return false
	}
	g.applyTimeoutLocked(e)
	return true
}

func (g *Gate) applyTimeoutLocked(e *entry) {
	e.req.Status = g.policy.timeoutStatus()
	e.req.ResolvedAt = g.clock.Now().UTC()
	e.req.ResolvedBy = "timeout"
	if e.req.Status == StatusApproved {
		e.req.ResolvedBy = autoApprover
	}
	close(e.done)
}

// Prune 删除在 before 之前已决议的请求，返回删除数量。仍在等待的请求不受影响。
func (g *Gate) Prune(before time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for id, e := range g.requests {
		if e.req.Status.Terminal() && e.req.ResolvedAt.Before(before) {
			delete(g.requests, id)
			removed++
		}
	}
	return removed
}

// RunJanitor 按 interval 周期清理决议超过 retention 的请求，直到 ctx 取消。
func (g *Gate) RunJanitor(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = retention
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.Prune(g.clock.Now().UTC().Add(-retention)); n > 0 {
				logger.Named("approval").Debug("已清理决议完成的审批请求", slog.Int("count", n))
			}
		}
	}
}

func (g *Gate) emit(ctx context.Context, typ events.Type, req Request) {
	evt := events.New(typ, req.TraceID, "approval", map[string]any{
		"approval_id": req.ID,
		"operation":   req.Operation,
		"status":      string(req.Status),
		"resolved_by": req.ResolvedBy,
	})
	if err := g.emitter.Emit(ctx, evt); err != nil {
		logger.L().Warn("审批事件发送失败", slog.Any("error", err), slog.String("approval_id", req.ID))
	}
}
