package auth

import (
	"strings"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// 编排 API 使用的权限名。
const (
	PermTasksWrite       = "tasks:write"
	PermTasksRead        = "tasks:read"
	PermTracesRead       = "traces:read"
	PermApprovalsResolve = "approvals:resolve"
	// PermAll 授予全部权限。
	PermAll = "*"
)

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken     = xerrors.New(xerrors.CodeUnauthenticated, "missing bearer token")
	ErrInvalidToken     = xerrors.New(xerrors.CodeUnauthenticated, "invalid token")
	ErrPermissionDenied = xerrors.New(xerrors.CodePermissionDenied, "permission denied")
	ErrSubjectRevoked   = xerrors.New(xerrors.CodePermissionDenied, "subject is disabled")
)

// Subject 是通过认证的调用方，经由上下文传递给请求处理器。
type Subject struct {
	Name        string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet[PermAll]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.New(xerrors.CodePermissionDenied, "missing "+perm)
		}
	}
	return nil
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
)

// TokenConfig 把一个静态 bearer token 绑定到调用方身份。
type TokenConfig struct {
	Token       string   `yaml:"token"`
	Subject     string   `yaml:"subject"`
	Permissions []string `yaml:"permissions"`
	Disabled    bool     `yaml:"disabled"`
}

// Config configures the authentication service.
type Config struct {
	Mode   Mode          `yaml:"mode"`
	Tokens []TokenConfig `yaml:"tokens"`
}
