// Package retry 负责失败分类与退避计算。
//
// Policy 是纯函数式的值类型：相同的 (err, attempt) 总是得到相同的决策与延迟。
package retry

import (
	"fmt"
	"math"
	"strings"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// Strategy 表示退避策略。
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyNone        Strategy = "none"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 200 * time.Millisecond
	defaultMaxDelay    = 10 * time.Second
	defaultMultiplier  = 2.0
)

// Config 是重试策略的外部配置。
type Config struct {
	Strategy    string        `yaml:"strategy"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
}

// Policy 决定失败是否重试以及等待多久。
type Policy struct {
	Strategy    Strategy
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// NewPolicy 根据策略名称构造 Policy，未知策略返回 INVALID_ARGUMENT。
func NewPolicy(cfg Config) (Policy, error) {
	name := Strategy(strings.ToLower(strings.TrimSpace(cfg.Strategy)))
	if name == "" {
		name = StrategyExponential
	}
	p := Policy{
		Strategy:    name,
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Multiplier:  cfg.Multiplier,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return Policy{}, xerrors.New(xerrors.CodeInvalidArgument, "重试延迟不能为负数")
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}

	switch name {
	case StrategyExponential:
		if p.Multiplier == 0 {
			p.Multiplier = defaultMultiplier
		}
		if p.Multiplier < 1 {
			return Policy{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("指数退避倍数必须 >= 1: %v", p.Multiplier))
		}
	case StrategyLinear:
	case StrategyNone:
		p.MaxAttempts = 1
		p.BaseDelay = 0
		p.MaxDelay = 0
	default:
		return Policy{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的重试策略: %s", cfg.Strategy))
	}
	return p, nil
}

// ShouldRetry 判断第 attempt 次尝试失败后是否应再次尝试，attempt 从 1 开始。
func (p Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	return Classify(err) == Transient
}

// Delay 返回第 attempt 次失败后的等待时长。
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch p.Strategy {
	case StrategyExponential:
		scaled := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
		if math.IsInf(scaled, 0) || scaled >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
		return time.Duration(scaled)
	case StrategyLinear:
		if int64(attempt) > int64(p.MaxDelay/maxDuration(p.BaseDelay, 1)) {
			return p.MaxDelay
		}
		d := p.BaseDelay * time.Duration(attempt)
		if d > p.MaxDelay {
			return p.MaxDelay
		}
		return d
	default:
		return 0
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
