package audit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/pkg/logger"
)

// Trail 是决策审计的入口，负责补全记录字段并写入后端。
type Trail struct {
	store Store
	clock func() time.Time
}

// TrailOption 定义可选配置。
type TrailOption func(*Trail)

// WithClock 替换时间源，便于测试。
func WithClock(clock func() time.Time) TrailOption {
	return func(t *Trail) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// NewTrail 构造 Trail，store 为 nil 时使用内存实现。
func NewTrail(store Store, opts ...TrailOption) *Trail {
	if store == nil {
		store = NewMemoryStore()
	}
	t := &Trail{store: store, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// RecordPlan 追加一条 planning 决策。
func (t *Trail) RecordPlan(ctx context.Context, traceID string, payload map[string]any, reasoning string) (*DecisionRecord, error) {
	return t.record(ctx, traceID, DecisionPlanning, payload, reasoning)
}

// RecordRouting 追加一条 routing 决策。
func (t *Trail) RecordRouting(ctx context.Context, traceID string, payload map[string]any, reasoning string) (*DecisionRecord, error) {
	return t.record(ctx, traceID, DecisionRouting, payload, reasoning)
}

// RecordExecution 追加一条 execution 决策。
func (t *Trail) RecordExecution(ctx context.Context, traceID string, payload map[string]any, reasoning string) (*DecisionRecord, error) {
	return t.record(ctx, traceID, DecisionExecution, payload, reasoning)
}

func (t *Trail) record(ctx context.Context, traceID string, typ DecisionType, payload map[string]any, reasoning string) (*DecisionRecord, error) {
	if strings.TrimSpace(traceID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "trace_id 不能为空")
	}
	normalized, err := normalizePayload(payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "决策 payload 无法序列化")
	}
	rec := &DecisionRecord{
		ID:        uuid.NewString(),
		TraceID:   traceID,
		Type:      typ,
		Payload:   normalized,
		Reasoning: reasoning,
		Timestamp: t.clock(),
	}
	if err := t.store.Append(ctx, rec); err != nil {
		logger.L().Error("写入决策记录失败",
			slog.Any("error", err),
			slog.String("trace_id", traceID),
			slog.String("decision_type", string(typ)))
		return nil, err
	}
	logger.Audit().Info("决策已记录",
		slog.String("trace_id", traceID),
		slog.String("decision_type", string(typ)),
		slog.Int64("seq", rec.Sequence),
		slog.String("hash", rec.Hash),
		slog.String("reasoning", reasoning),
	)
	return rec, nil
}

// GetTraceHistory 按写入顺序返回 trace 的全部决策。
func (t *Trail) GetTraceHistory(ctx context.Context, traceID string) ([]DecisionRecord, error) {
	return t.store.Query(ctx, traceID)
}

// Verify 重新计算 trace 的哈希链。
func (t *Trail) Verify(ctx context.Context, traceID string) error {
	records, err := t.store.Query(ctx, traceID)
	if err != nil {
		return err
	}
	return VerifyChain(records)
}

// ExpireBefore 按保留策略删除过期 trace。
func (t *Trail) ExpireBefore(ctx context.Context, before time.Time) (int64, error) {
	removed, err := t.store.Expire(ctx, before)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		logger.Audit().Info("过期决策记录已清理", slog.Int64("removed", removed), slog.Time("before", before))
	}
	return removed, nil
}

// RunRetention 周期性清理早于 retention 的记录，直到 ctx 取消。
func (t *Trail) RunRetention(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.ExpireBefore(ctx, t.clock().Add(-retention)); err != nil {
				logger.L().Warn("清理过期决策记录失败", slog.Any("error", err))
			}
		}
	}
}

// Close 关闭后端。
func (t *Trail) Close() error {
	return t.store.Close()
}
