package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Type 表示可观测事件的类型。
type Type string

// 核心组件发出的事件类型。
const (
	TypePlanCreated       Type = "plan_created"
	TypeRouteDecision     Type = "route_decision"
	TypeToolCallStart     Type = "tool_call_start"
	TypeToolCallComplete  Type = "tool_call_complete"
	TypeToolCallError     Type = "tool_call_error"
	TypeBudgetWarning     Type = "budget_warning"
	TypeBudgetExceeded    Type = "budget_exceeded"
	TypeApprovalRequested Type = "approval_requested"
	TypeApprovalReceived  Type = "approval_received"
	TypeApprovalTimeout   Type = "approval_timeout"
	TypeJobSubmitted      Type = "job_submitted"
	TypeJobCompleted      Type = "job_completed"
	TypeJobRequeued       Type = "job_requeued"
	TypeJobFailed         Type = "job_failed"
)

// Event 描述一次结构化事件，供外部采集器持久化或导出。
type Event struct {
	Type       Type           `json:"type"`
	TraceID    string         `json:"trace_id"`
	Component  string         `json:"component"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Emitter 负责接收事件。实现必须是并发安全的。
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// EmitterFunc 允许普通函数充当 Emitter。
type EmitterFunc func(ctx context.Context, event Event) error

// Emit 实现 Emitter。
func (f EmitterFunc) Emit(ctx context.Context, event Event) error { return f(ctx, event) }

// Nop 丢弃所有事件。
var Nop Emitter = EmitterFunc(func(context.Context, Event) error { return nil })

// New 构造带当前时间戳的事件。
func New(typ Type, traceID, component string, metadata map[string]any) Event {
	return Event{
		Type:       typ,
		TraceID:    traceID,
		Component:  component,
		Metadata:   metadata,
		OccurredAt: time.Now().UTC(),
	}
}

// Fanout 将事件广播给多个下游。
type Fanout struct {
	sinks []Emitter
}

// NewFanout 创建一个新的 Fanout，忽略 nil 下游。
func NewFanout(sinks ...Emitter) *Fanout {
	set := make([]Emitter, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			set = append(set, s)
		}
	}
	return &Fanout{sinks: set}
}

// Emit 将事件广播至所有下游，单个下游失败不影响其他下游。
func (f *Fanout) Emit(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	var errs []error
	for idx, sink := range f.sinks {
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", idx, err))
		}
	}
	return errors.Join(errs...)
}

// Recorder 在内存中保存事件，主要用于测试与调试。
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit 实现 Emitter。
func (r *Recorder) Emit(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events 返回已记录事件的副本。
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count 返回指定类型的事件数量。
func (r *Recorder) Count(typ Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}
