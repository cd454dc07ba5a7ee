package execctx

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// ParentRef 是对父级编排的单向引用，只保存标识，不持有父对象。
type ParentRef struct {
	TraceID   string `json:"trace_id"`
	RequestID string `json:"request_id"`
}

// Context 描述一次编排请求的不可变身份信息。
type Context struct {
	traceID        string
	requestID      string
	userIntent     string
	userID         string
	memoryScope    string
	conversationID string
	sessionID      string
	parent         *ParentRef
}

// Option 定义构造时的可选字段。
type Option func(*Context)

// WithIntent 设置用户意图。
func WithIntent(intent string) Option {
	return func(c *Context) { c.userIntent = intent }
}

// WithUserID 设置用户标识。
func WithUserID(id string) Option {
	return func(c *Context) { c.userID = id }
}

// WithSessionID 设置会话标识。
func WithSessionID(id string) Option {
	return func(c *Context) { c.sessionID = id }
}

// WithConversationID 设置对话标识。
func WithConversationID(id string) Option {
	return func(c *Context) { c.conversationID = id }
}

// WithMemoryScopeOption 设置记忆作用域。
func WithMemoryScopeOption(scope string) Option {
	return func(c *Context) { c.memoryScope = scope }
}

// New 构造 Context。traceID 与 requestID 均为必填项。
func New(traceID, requestID string, opts ...Option) (*Context, error) {
	traceID = strings.TrimSpace(traceID)
	requestID = strings.TrimSpace(requestID)
	if traceID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "trace_id 不能为空")
	}
	if requestID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "request_id 不能为空")
	}
	c := &Context{traceID: traceID, requestID: requestID}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// NewRequestID 生成新的请求标识。
func NewRequestID() string {
	return uuid.NewString()
}

// Start 使用新生成的 trace_id 与 request_id 创建根 Context。
func Start(intent string, opts ...Option) *Context {
	c, _ := New(uuid.NewString(), NewRequestID(), append([]Option{WithIntent(intent)}, opts...)...)
	return c
}

func (c *Context) TraceID() string        { return c.traceID }
func (c *Context) RequestID() string      { return c.requestID }
func (c *Context) UserIntent() string     { return c.userIntent }
func (c *Context) UserID() string         { return c.userID }
func (c *Context) MemoryScope() string    { return c.memoryScope }
func (c *Context) ConversationID() string { return c.conversationID }
func (c *Context) SessionID() string      { return c.sessionID }

// Parent 返回父级引用的副本，根上下文返回 nil。
func (c *Context) Parent() *ParentRef {
	if c.parent == nil {
		return nil
	}
	ref := *c.parent
	return &ref
}

func (c *Context) clone() *Context {
	copied := *c
	return &copied
}

// WithUser 返回设置了用户标识的新 Context。
func (c *Context) WithUser(id string) *Context {
	next := c.clone()
	next.userID = id
	return next
}

// WithMemoryScope 返回设置了记忆作用域的新 Context。
func (c *Context) WithMemoryScope(scope string) *Context {
	next := c.clone()
	next.memoryScope = scope
	return next
}

// WithConversation 返回设置了对话标识的新 Context。
func (c *Context) WithConversation(id string) *Context {
	next := c.clone()
	next.conversationID = id
	return next
}

// WithSession 返回设置了会话标识的新 Context。
func (c *Context) WithSession(id string) *Context {
	next := c.clone()
	next.sessionID = id
	return next
}

// WithIntent 返回设置了用户意图的新 Context。
func (c *Context) WithIntent(intent string) *Context {
	next := c.clone()
	next.userIntent = intent
	return next
}

// WithRequest 返回同一 trace 下新的编排尝试。
func (c *Context) WithRequest(requestID string) *Context {
	next := c.clone()
	if strings.TrimSpace(requestID) == "" {
		requestID = NewRequestID()
	}
	next.requestID = requestID
	return next
}

// Child 派生嵌套编排使用的上下文，子上下文沿用父级 trace_id 并以标识引用父级。
func (c *Context) Child(requestID string) *Context {
	next := c.WithRequest(requestID)
	next.parent = &ParentRef{TraceID: c.traceID, RequestID: c.requestID}
	return next
}

// Attrs 返回用于结构化日志的字段。
func (c *Context) Attrs() []any {
	attrs := []any{
		slog.String("trace_id", c.traceID),
		slog.String("request_id", c.requestID),
	}
	if c.userID != "" {
		attrs = append(attrs, slog.String("user_id", c.userID))
	}
	if c.sessionID != "" {
		attrs = append(attrs, slog.String("session_id", c.sessionID))
	}
	if c.parent != nil {
		attrs = append(attrs, slog.String("parent_request_id", c.parent.RequestID))
	}
	return attrs
}

// Snapshot 是 Context 的可序列化形式，用于持久化与跨进程传递。
type Snapshot struct {
	TraceID        string     `json:"trace_id"`
	RequestID      string     `json:"request_id"`
	UserIntent     string     `json:"user_intent,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
	MemoryScope    string     `json:"memory_scope,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	Parent         *ParentRef `json:"parent,omitempty"`
}

// Snapshot 导出可序列化副本。
func (c *Context) Snapshot() Snapshot {
	return Snapshot{
		TraceID:        c.traceID,
		RequestID:      c.requestID,
		UserIntent:     c.userIntent,
		UserID:         c.userID,
		MemoryScope:    c.memoryScope,
		ConversationID: c.conversationID,
		SessionID:      c.sessionID,
		Parent:         c.Parent(),
	}
}

// FromSnapshot 从持久化副本恢复 Context。
func FromSnapshot(s Snapshot) (*Context, error) {
	c, err := New(s.TraceID, s.RequestID,
		WithIntent(s.UserIntent),
		WithUserID(s.UserID),
		WithMemoryScopeOption(s.MemoryScope),
		WithConversationID(s.ConversationID),
		WithSessionID(s.SessionID),
	)
	if err != nil {
		return nil, err
	}
	if s.Parent != nil {
		ref := *s.Parent
		c.parent = &ref
	}
	return c, nil
}

type contextKey struct{}

// Into 将 Context 存入 context.Context。
func Into(ctx context.Context, ec *Context) context.Context {
	if ec == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, ec)
}

// From 从 context.Context 中取出 Context。
func From(ctx context.Context) *Context {
	if ctx == nil {
		return nil
	}
	if ec, ok := ctx.Value(contextKey{}).(*Context); ok {
		return ec
	}
	return nil
}
