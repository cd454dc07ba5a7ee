package planning

import (
	"sync"
	"time"
)

// Step 是外部规划器给出的一个计划步骤。
type Step struct {
	Index                int            `json:"index"`
	Tool                 string         `json:"tool"`
	Input                map[string]any `json:"input,omitempty"`
	EstimatedCost        float64        `json:"estimated_cost,omitempty"`
	EstimatedTokens      int64          `json:"estimated_tokens,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	RequiresApproval     bool           `json:"requires_approval,omitempty"`
}

// Plan 是一组有序、受预算约束的步骤。阶段只能通过 Authority.Transition 修改。
type Plan struct {
	ID        string
	TraceID   string
	Steps     []Step
	Budget    *Budget
	CreatedAt time.Time

	mu    sync.Mutex
	stage Stage
}

// Stage 返回计划当前阶段。
func (p *Plan) Stage() Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage
}

// StepAt 按 Index 查找步骤。
func (p *Plan) StepAt(index int) (Step, bool) {
	for _, step := range p.Steps {
		if step.Index == index {
			return step, true
		}
	}
	return Step{}, false
}

// Restore 用已持久化的信息重建计划，用于异步任务恢复执行。
func Restore(id, traceID string, steps []Step, stage Stage, budget *Budget) *Plan {
	copied := make([]Step, len(steps))
	copy(copied, steps)
	return &Plan{ID: id, TraceID: traceID, Steps: copied, Budget: budget, stage: stage, CreatedAt: time.Now().UTC()}
}
