package approval

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/pkg/logger"
)

// Resolution 是在进程间传播的审批决议。
type Resolution struct {
	RequestID string `json:"request_id"`
	Status    Status `json:"status"`
	Actor     string `json:"actor,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Origin    string `json:"origin,omitempty"`
}

// Relay 在多个副本之间同步审批决议。
type Relay interface {
	Publish(ctx context.Context, res Resolution) error
	Subscribe(ctx context.Context, fn func(Resolution)) error
	Close() error
}

// Listen 订阅 relay 并应用来自其他进程的决议，直到 ctx 取消。
func (g *Gate) Listen(ctx context.Context) error {
	if g.relay == nil {
		return nil
	}
	return g.relay.Subscribe(ctx, func(res Resolution) {
		var err error
		switch res.Status {
		case StatusApproved:
			err = g.resolve(ctx, res.RequestID, StatusApproved, res.Actor, "", false)
		case StatusRejected:
			err = g.resolve(ctx, res.RequestID, StatusRejected, res.Actor, res.Reason, false)
		default:
			return
		}
		if err != nil && !stdErrors.Is(err, ErrAlreadyResolved) && xerrors.CodeOf(err) != xerrors.CodeNotFound {
			logger.L().Warn("应用远端审批决议失败", slog.String("approval_id", res.RequestID), slog.Any("error", err))
		}
	})
}

// RedisRelay 通过 Redis pub/sub 广播审批决议。
type RedisRelay struct {
	client  goredis.UniversalClient
	channel string
	origin  string
}

// NewRedisRelay 创建 relay。origin 用于忽略本进程发出的消息。
func NewRedisRelay(client goredis.UniversalClient, channel, origin string) *RedisRelay {
	if channel == "" {
		channel = "orchestrator:approvals"
	}
	return &RedisRelay{client: client, channel: channel, origin: origin}
}

// Publish 实现 Relay。
func (r *RedisRelay) Publish(ctx context.Context, res Resolution) error {
	res.Origin = r.origin
	body, err := json.Marshal(res)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码审批决议失败")
	}
	if err := r.client.Publish(ctx, r.channel, body).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeUnavailable, err, "发布审批决议失败")
	}
	return nil
}

// Subscribe 实现 Relay，阻塞直到 ctx 取消。
func (r *RedisRelay) Subscribe(ctx context.Context, fn func(Resolution)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeUnavailable, err, "订阅审批频道失败")
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var res Resolution
			if err := json.Unmarshal([]byte(msg.Payload), &res); err != nil {
				logger.L().Warn("忽略无法解析的审批决议", slog.Any("error", err))
				continue
			}
			if r.origin != "" && res.Origin == r.origin {
				continue
			}
			fn(res)
		}
	}
}

// Close 实现 Relay。客户端由调用方管理。
func (r *RedisRelay) Close() error { return nil }

var _ Relay = (*RedisRelay)(nil)
