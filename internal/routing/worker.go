package routing

import (
	"fmt"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// Worker 是可执行步骤的智能体或工具实例。
type Worker struct {
	ID           string   `json:"id" yaml:"id"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities"`
}

// Supports 判断 Worker 的能力集合是否覆盖 required。
func (w Worker) Supports(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(w.Capabilities))
	for _, c := range w.Capabilities {
		have[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// CodeNoEligibleWorker 表示没有任何 Worker 可以执行该步骤。
const CodeNoEligibleWorker xerrors.Code = "NO_ELIGIBLE_WORKER"

func init() {
	xerrors.Register(CodeNoEligibleWorker, xerrors.Attributes{
		Message:   "no eligible worker",
		Severity:  xerrors.SeverityWarning,
		Mode:      xerrors.ModeSystem,
		Retryable: false,
		Alert:     true,
	})
}

// NoEligibleWorker 构造无可用 Worker 的错误。
func NoEligibleWorker(policy string, stepIndex int) error {
	return xerrors.New(CodeNoEligibleWorker,
		fmt.Sprintf("策略 %s 无法为步骤 %d 找到可用 Worker", policy, stepIndex),
		xerrors.WithMetadata("policy", policy))
}

func without(workers []Worker, chosen Worker) []Worker {
	losers := make([]Worker, 0, len(workers))
	for _, w := range workers {
		if w.ID != chosen.ID {
			losers = append(losers, w)
		}
	}
	return losers
}
