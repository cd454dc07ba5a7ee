package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

func newTokenService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Mode: ModeToken,
		Tokens: []TokenConfig{
			{Token: "ops-token", Subject: "ops", Permissions: []string{PermAll}},
			{Token: "reader-token", Subject: "reader", Permissions: []string{PermTasksRead, PermTracesRead}},
			{Token: "gone-token", Subject: "gone", Permissions: []string{PermAll}, Disabled: true},
		},
	})
	require.NoError(t, err)
	return svc
}

func TestNewServiceValidatesTokens(t *testing.T) {
	_, err := NewService(Config{Mode: ModeToken})
	require.Error(t, err)

	_, err = NewService(Config{Mode: ModeToken, Tokens: []TokenConfig{
		{Token: "a", Subject: "x"},
		{Token: "a", Subject: "y"},
		{Token: "", Subject: "z"},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token 重复")
	assert.Contains(t, err.Error(), "token 不能为空")

	_, err = NewService(Config{Mode: "ldap"})
	require.Error(t, err)

	svc, err := NewService(Config{})
	require.NoError(t, err)
	assert.Equal(t, ModeDisabled, svc.Mode())
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTokenService(t)

	subject, err := svc.AuthenticateRequest("Bearer ops-token")
	require.NoError(t, err)
	assert.Equal(t, "ops", subject.Name)
	assert.True(t, subject.HasPermission(PermApprovalsResolve))

	cases := map[string]xerrors.Code{
		"":                  xerrors.CodeUnauthenticated,
		"Basic ops-token":   xerrors.CodeUnauthenticated,
		"Bearer nope":       xerrors.CodeUnauthenticated,
		"Bearer gone-token": xerrors.CodePermissionDenied,
	}
	for header, code := range cases {
		_, err := svc.AuthenticateRequest(header)
		assert.Equal(t, code, xerrors.CodeOf(err), "header %q", header)
	}
}

func TestMiddlewareEnforcesPermissions(t *testing.T) {
	svc := newTokenService(t)
	var seen *Subject
	handler := svc.Middleware(nil, PermApprovalsResolve)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"reader lacks permission", "Bearer reader-token", http.StatusForbidden},
		{"ops allowed", "Bearer ops-token", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/approvals/a/approve", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
	require.NotNil(t, seen)
	assert.Equal(t, "ops", seen.Name)
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeDisabled})
	require.NoError(t, err)
	called := false
	handler := svc.Middleware(nil, PermTasksWrite)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Nil(t, SubjectFromContext(r.Context()))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/tasks", nil))
	assert.True(t, called)
}
