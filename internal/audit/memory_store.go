package audit

import (
	"context"
	"sync"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// MemoryStore 以内存方式保存决策记录，主要用于测试。
type MemoryStore struct {
	mu     sync.RWMutex
	traces map[string][]DecisionRecord
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{traces: make(map[string][]DecisionRecord)}
}

// Append 实现 Store 接口。
func (m *MemoryStore) Append(_ context.Context, rec *DecisionRecord) error {
	if rec == nil || rec.TraceID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "决策记录缺少 trace_id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.traces[rec.TraceID]
	var prevSeq int64
	prevHash := ""
	if n := len(history); n > 0 {
		prevSeq = history[n-1].Sequence
		prevHash = history[n-1].Hash
	}
	if err := seal(rec, prevSeq, prevHash); err != nil {
		return xerrors.Wrap(CodeAuditWrite, err, "封装决策记录失败")
	}
	stored := *rec
	stored.Payload = clonePayload(rec.Payload)
	m.traces[rec.TraceID] = append(history, stored)
	return nil
}

// Query 实现 Store 接口。
func (m *MemoryStore) Query(_ context.Context, traceID string) ([]DecisionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.traces[traceID]
	out := make([]DecisionRecord, len(history))
	for i, rec := range history {
		out[i] = rec
		out[i].Payload = clonePayload(rec.Payload)
	}
	return out, nil
}

// Expire 删除最后一条记录早于 before 的整条 trace，保持链的完整性。
func (m *MemoryStore) Expire(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for traceID, history := range m.traces {
		if len(history) == 0 || history[len(history)-1].Timestamp.Before(before) {
			removed += int64(len(history))
			delete(m.traces, traceID)
		}
	}
	return removed, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
