package routing

import (
	"context"
	"fmt"
	"strings"
	"sync"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/planning"
)

// 内置策略名称。
const (
	PolicyRoundRobin   = "round_robin"
	PolicyCapability   = "capability"
	PolicyLoadBalanced = "load_balanced"
)

// Policy 为步骤挑选 Worker，返回被选中者与落选的候选者。
type Policy interface {
	Name() string
	Select(ctx context.Context, step planning.Step, workers []Worker) (Worker, []Worker, error)
}

// NewPolicy 按名称构造策略。load_balanced 在 tracker 为 nil 时使用内存计数。
func NewPolicy(name string, tracker LoadTracker) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyRoundRobin:
		return NewRoundRobin(), nil
	case PolicyCapability:
		return NewCapabilityBased(), nil
	case PolicyLoadBalanced:
		if tracker == nil {
			tracker = NewMemoryLoadTracker()
		}
		return NewLoadBalanced(tracker), nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的路由策略: %s", name))
	}
}

// RoundRobin 以共享游标轮转选择，保证 max-min 公平。
type RoundRobin struct {
	mu     sync.Mutex
	cursor uint64
}

// NewRoundRobin 创建轮询策略。
func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

// Name 实现 Policy。
func (r *RoundRobin) Name() string { return PolicyRoundRobin }

// Select 实现 Policy。
func (r *RoundRobin) Select(_ context.Context, step planning.Step, workers []Worker) (Worker, []Worker, error) {
	if len(workers) == 0 {
		return Worker{}, nil, NoEligibleWorker(r.Name(), step.Index)
	}
	r.mu.Lock()
	idx := r.cursor % uint64(len(workers))
	r.cursor++
	r.mu.Unlock()
	chosen := workers[idx]
	return chosen, without(workers, chosen), nil
}

// CapabilityBased 选择第一个能力覆盖步骤需求的 Worker，按声明顺序决胜。
type CapabilityBased struct{}

// NewCapabilityBased 创建能力匹配策略。
func NewCapabilityBased() *CapabilityBased { return &CapabilityBased{} }

// Name 实现 Policy。
func (c *CapabilityBased) Name() string { return PolicyCapability }

// Select 实现 Policy。
func (c *CapabilityBased) Select(_ context.Context, step planning.Step, workers []Worker) (Worker, []Worker, error) {
	for _, w := range workers {
		if w.Supports(step.RequiredCapabilities) {
			return w, without(workers, w), nil
		}
	}
	return Worker{}, nil, NoEligibleWorker(c.Name(), step.Index)
}

// LoadBalanced 选择在途任务最少的 Worker，并列时在并列者之间轮转。
type LoadBalanced struct {
	tracker LoadTracker

	mu     sync.Mutex
	cursor uint64
}

// NewLoadBalanced 创建负载均衡策略。
func NewLoadBalanced(tracker LoadTracker) *LoadBalanced {
	return &LoadBalanced{tracker: tracker}
}

// Name 实现 Policy。
func (l *LoadBalanced) Name() string { return PolicyLoadBalanced }

// Tracker 返回负载计数器。
func (l *LoadBalanced) Tracker() LoadTracker { return l.tracker }

// Select 实现 Policy。读取负载与推进游标在同一把锁内完成。
func (l *LoadBalanced) Select(ctx context.Context, step planning.Step, workers []Worker) (Worker, []Worker, error) {
	if len(workers) == 0 {
		return Worker{}, nil, NoEligibleWorker(l.Name(), step.Index)
	}
	ids := make([]string, len(workers))
	for i, w := range workers {
		ids[i] = w.ID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	loads, err := l.tracker.Loads(ctx, ids)
	if err != nil {
		return Worker{}, nil, err
	}
	var tied []Worker
	var lowest int64
	for i, w := range workers {
		load := loads[w.ID]
		switch {
		case i == 0 || load < lowest:
			lowest = load
			tied = append(tied[:0], w)
		case load == lowest:
			tied = append(tied, w)
		}
	}
	chosen := tied[l.cursor%uint64(len(tied))]
	l.cursor++
	return chosen, without(workers, chosen), nil
}

var (
	_ Policy = (*RoundRobin)(nil)
	_ Policy = (*CapabilityBased)(nil)
	_ Policy = (*LoadBalanced)(nil)
)
