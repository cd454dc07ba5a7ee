package planning

// Stage 表示计划所处的生命周期阶段。
type Stage string

const (
	StageCreated   Stage = "CREATED"
	StageValidated Stage = "VALIDATED"
	StageExecuting Stage = "EXECUTING"
	StageCompleted Stage = "COMPLETED"
	StageFailed    Stage = "FAILED"
)

func (s Stage) rank() int {
	switch s {
	case StageCreated:
		return 0
	case StageValidated:
		return 1
	case StageExecuting:
		return 2
	case StageCompleted, StageFailed:
		return 3
	default:
		return -1
	}
}

// Valid 检查阶段是否受支持。
func (s Stage) Valid() bool { return s.rank() >= 0 }

// Terminal 表示阶段不可再离开。
func (s Stage) Terminal() bool { return s == StageCompleted || s == StageFailed }

// checkTransition 返回 noop=true 表示目标与当前阶段相同。
// 允许的变更只有相邻的前进一步，以及任何非终态直接进入 FAILED。
func checkTransition(from, to Stage) (noop bool, ok bool) {
	if !to.Valid() {
		return false, false
	}
	if from == to {
		return true, true
	}
	if from.Terminal() {
		return false, false
	}
	if to == StageFailed {
		return false, true
	}
	return false, to.rank() == from.rank()+1
}
