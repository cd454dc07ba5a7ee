package task

import (
	"context"

	"OpenMCP-Orchestrator/internal/orchestrator"
)

// Store 抽象了任务状态的持久化接口。
//
// Claim 只领取 pending 状态且未耗尽重试次数的任务；MarkFailed 在 terminal 为
// false 时把任务放回 pending 等待再次投递。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result orchestrator.Result) error
	MarkDegraded(ctx context.Context, id string, result orchestrator.Result, failure Failure) error
	MarkFailed(ctx context.Context, id string, failure Failure, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
