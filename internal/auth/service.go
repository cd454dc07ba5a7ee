package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

type credential struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// Service 校验请求携带的 bearer token。
type Service struct {
	mode        Mode
	credentials []credential
}

// NewService 根据配置构造认证服务。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	s := &Service{mode: mode}
	switch mode {
	case ModeDisabled:
		return s, nil
	case ModeToken:
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}

	var problems []error
	seen := make(map[string]struct{}, len(cfg.Tokens))
	for i, tc := range cfg.Tokens {
		token := strings.TrimSpace(tc.Token)
		if token == "" {
			problems = append(problems, fmt.Errorf("tokens[%d]: token 不能为空", i))
			continue
		}
		if strings.TrimSpace(tc.Subject) == "" {
			problems = append(problems, fmt.Errorf("tokens[%d]: subject 不能为空", i))
			continue
		}
		if _, dup := seen[token]; dup {
			problems = append(problems, fmt.Errorf("tokens[%d]: token 重复", i))
			continue
		}
		seen[token] = struct{}{}
		subject := &Subject{
			Name:        strings.TrimSpace(tc.Subject),
			Permissions: append([]string(nil), tc.Permissions...),
			Disabled:    tc.Disabled,
		}
		subject.normalise()
		s.credentials = append(s.credentials, credential{digest: sha256.Sum256([]byte(token)), subject: subject})
	}
	if len(s.credentials) == 0 && len(problems) == 0 {
		problems = append(problems, errors.New("token 模式至少需要一个 token"))
	}
	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}
	return s, nil
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 Authorization 头并返回对应的调用方。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	raw := strings.TrimSpace(authorization)
	if raw == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))
	var match *Subject
	// 遍历全部凭据，耗时与命中位置无关。
	for i := range s.credentials {
		if subtle.ConstantTimeCompare(digest[:], s.credentials[i].digest[:]) == 1 {
			match = s.credentials[i].subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	if match.Disabled {
		return nil, ErrSubjectRevoked
	}
	return match, nil
}
