package planning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/observability/events"
	"OpenMCP-Orchestrator/pkg/logger"
)

// BudgetPolicy 决定超出上限时的处理方式。
type BudgetPolicy string

const (
	PolicyBlock BudgetPolicy = "block"
	PolicyWarn  BudgetPolicy = "warn"
)

// ParseBudgetPolicy 解析预算策略，空字符串视为 block。
func ParseBudgetPolicy(raw string) (BudgetPolicy, error) {
	switch BudgetPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyBlock:
		return PolicyBlock, nil
	case PolicyWarn:
		return PolicyWarn, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的预算策略: %s", raw))
	}
}

// DefaultWarnThreshold 是未配置时的预警比例。
const DefaultWarnThreshold = 0.8

// Limits 描述预算上限，任一上限为 0 表示该维度不受限。
type Limits struct {
	CostCeiling   float64      `yaml:"cost_ceiling" json:"cost_ceiling"`
	CallCeiling   int64        `yaml:"call_ceiling" json:"call_ceiling"`
	TokenCeiling  int64        `yaml:"token_ceiling" json:"token_ceiling"`
	WarnThreshold float64      `yaml:"warn_threshold" json:"warn_threshold"`
	Policy        BudgetPolicy `yaml:"policy" json:"policy"`
}

// Usage 是预算计数器的快照。
type Usage struct {
	Cost   float64 `json:"cost"`
	Calls  int64   `json:"calls"`
	Tokens int64   `json:"tokens"`
}

// BudgetDecision 是一次扣减的结果。
type BudgetDecision string

const (
	DecisionAllowed  BudgetDecision = "allowed"
	DecisionWarned   BudgetDecision = "warned"
	DecisionRejected BudgetDecision = "rejected"
)

type dimension int

const (
	dimCost dimension = iota
	dimCalls
	dimTokens
	dimCount
)

func (d dimension) String() string {
	switch d {
	case dimCost:
		return "cost"
	case dimCalls:
		return "calls"
	default:
		return "tokens"
	}
}

// Budget 是计划独占的工具预算，计数器更新由互斥锁串行化。
type Budget struct {
	traceID string
	limits  Limits
	emitter events.Emitter

	mu     sync.Mutex
	used   [dimCount]float64
	warned [dimCount]bool
}

// NewBudget 创建预算。emitter 为 nil 时丢弃事件。
func NewBudget(traceID string, limits Limits, emitter events.Emitter) *Budget {
	if limits.WarnThreshold <= 0 || limits.WarnThreshold > 1 {
		limits.WarnThreshold = DefaultWarnThreshold
	}
	if limits.Policy == "" {
		limits.Policy = PolicyBlock
	}
	if emitter == nil {
		emitter = events.Nop
	}
	return &Budget{traceID: traceID, limits: limits, emitter: emitter}
}

// Limits 返回预算上限。
func (b *Budget) Limits() Limits { return b.limits }

// Snapshot 返回当前计数器的副本。
func (b *Budget) Snapshot() Usage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Usage{Cost: b.used[dimCost], Calls: int64(b.used[dimCalls]), Tokens: int64(b.used[dimTokens])}
}

func (b *Budget) ceiling(d dimension) float64 {
	switch d {
	case dimCost:
		return b.limits.CostCeiling
	case dimCalls:
		return float64(b.limits.CallCeiling)
	default:
		return float64(b.limits.TokenCeiling)
	}
}

// Consume 扣减预算。
//
// block 策略下超限调用被拒绝且计数器不变；warn 策略下先发出 budget_exceeded 事件再扣减。
// 计数器越过 warn_threshold × ceiling 时每个维度只预警一次。
func (b *Budget) Consume(ctx context.Context, cost float64, calls, tokens int64) (BudgetDecision, error) {
	if cost < 0 || calls < 0 || tokens < 0 {
		return DecisionRejected, xerrors.New(xerrors.CodeInvalidArgument, "预算扣减量不能为负数")
	}
	delta := [dimCount]float64{cost, float64(calls), float64(tokens)}

	b.mu.Lock()
	var exceeded []dimension
	for d := dimension(0); d < dimCount; d++ {
		if ceil := b.ceiling(d); ceil > 0 && b.used[d]+delta[d] > ceil {
			exceeded = append(exceeded, d)
		}
	}

	var pending []events.Event
	decision := DecisionAllowed
	if len(exceeded) > 0 {
		for _, d := range exceeded {
			pending = append(pending, b.event(events.TypeBudgetExceeded, d, b.used[d]+delta[d]))
		}
		if b.limits.Policy == PolicyBlock {
			b.mu.Unlock()
			b.emit(ctx, pending)
			names := make([]string, len(exceeded))
			for i, d := range exceeded {
				names[i] = d.String()
			}
			return DecisionRejected, xerrors.New(CodeBudgetExceeded,
				fmt.Sprintf("预算维度 %s 超出上限", strings.Join(names, ",")),
				xerrors.WithMetadata("trace_id", b.traceID))
		}
		decision = DecisionWarned
	}

	for d := dimension(0); d < dimCount; d++ {
		prev := b.used[d]
		b.used[d] += delta[d]
		ceil := b.ceiling(d)
		if ceil <= 0 || b.warned[d] {
			continue
		}
		threshold := b.limits.WarnThreshold * ceil
		if prev < threshold && b.used[d] >= threshold {
			b.warned[d] = true
			pending = append([]events.Event{b.event(events.TypeBudgetWarning, d, b.used[d])}, pending...)
		}
	}
	b.mu.Unlock()

	b.emit(ctx, pending)
	return decision, nil
}

func (b *Budget) event(typ events.Type, d dimension, value float64) events.Event {
	ceil := b.ceiling(d)
	return events.New(typ, b.traceID, "planning", map[string]any{
		"dimension": d.String(),
		"value":     value,
		"ceiling":   ceil,
		"ratio":     value / ceil,
		"policy":    string(b.limits.Policy),
	})
}

func (b *Budget) emit(ctx context.Context, pending []events.Event) {
	for _, evt := range pending {
		if err := b.emitter.Emit(ctx, evt); err != nil {
			logger.L().Warn("预算事件发送失败", slog.Any("error", err), slog.String("trace_id", b.traceID))
		}
	}
}
