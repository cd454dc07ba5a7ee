package task

import (
	"strings"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// SortOrder 决定列表按 UpdatedAt 的排序方向。
type SortOrder int

const (
	// SortByUpdatedDesc 最近更新的在前。
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc 最早更新的在前。
	SortByUpdatedAsc
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions 是 List 与 Stats 共用的筛选条件。零值表示不过滤。
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	Modes      []xerrors.FailureMode
	UpdatedGTE int64
	UpdatedLTE int64
	HasResult  *bool
	Order      SortOrder
	Query      string
}

// applyDefaults 修正越界的分页参数，并去掉非法或重复的枚举值。
func (opts *ListOptions) applyDefaults() {
	switch {
	case opts.Limit <= 0:
		opts.Limit = defaultListLimit
	case opts.Limit > maxListLimit:
		opts.Limit = maxListLimit
	}
	opts.Offset = max(opts.Offset, 0)
	opts.Statuses = dedupe(opts.Statuses, IsValidStatus)
	opts.Modes = dedupe(opts.Modes, xerrors.FailureMode.Valid)
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回条数，上限 100。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset 跳过前 n 条匹配记录。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses 只保留处于给定状态的作业。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithFailureModes 只保留最近一次失败属于给定模式的作业。
func WithFailureModes(modes ...xerrors.FailureMode) ListOption {
	return func(opts *ListOptions) {
		opts.Modes = append(opts.Modes[:0], modes...)
	}
}

// WithUpdatedSince 只保留在 ts 之后（含）更新过的作业，零值取消该条件。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedGTE = unixOrZero(ts) }
}

// WithUpdatedUntil 只保留在 ts 之前（含）更新过的作业，零值取消该条件。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedLTE = unixOrZero(ts) }
}

// WithResultPresence 按是否已有编排结果过滤。降级完成的作业也带有结果。
func WithResultPresence(hasResult bool) ListOption {
	return func(opts *ListOptions) { opts.HasResult = &hasResult }
}

// WithSortOrder 修改排序方向。
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// WithQuery 在 id、trace id、目标与最近错误中做不区分大小写的子串匹配。
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

func buildListOptions(opts []ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

// dedupe 保序去重并丢弃 valid 不接受的值，结果为空时返回 nil。
func dedupe[T comparable](input []T, valid func(T) bool) []T {
	var out []T
	seen := make(map[T]struct{}, len(input))
	for _, v := range input {
		if !valid(v) {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
