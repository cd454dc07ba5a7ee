package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelWebhook  Channel = "webhook"
	ChannelDingTalk Channel = "dingtalk"
	ChannelSlack    Channel = "slack"
)

// ParseChannel 校验渠道名称。
func ParseChannel(raw string) (Channel, error) {
	switch c := Channel(raw); c {
	case ChannelWebhook, ChannelDingTalk, ChannelSlack:
		return c, nil
	case "":
		return ChannelWebhook, nil
	default:
		return "", fmt.Errorf("不支持的告警渠道: %s", raw)
	}
}

// Event 描述一次需要告警的作业失败。
type Event struct {
	Code       xerrors.Code        `json:"code"`
	Mode       xerrors.FailureMode `json:"mode"`
	Severity   xerrors.Severity    `json:"severity"`
	Message    string              `json:"message"`
	TaskID     string              `json:"task_id"`
	TraceID    string              `json:"trace_id"`
	Attempts   int                 `json:"attempts"`
	MaxRetries int                 `json:"max_retries"`
	OccurredAt time.Time           `json:"occurred_at"`
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers []Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			set = append(set, n)
		}
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// text 渲染面向聊天渠道的纯文本。
func (e Event) text() string {
	return fmt.Sprintf("[%s] %s (%s)\n任务: %s\ntrace: %s\n重试: %d/%d\n%s",
		e.Severity, e.Code, e.Mode, e.TaskID, e.TraceID, e.Attempts, e.MaxRetries, e.Message)
}
