package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/execctx"
	"OpenMCP-Orchestrator/internal/retry"
)

const defaultTimeout = 60 * time.Second

// Config 描述工具服务的地址与认证信息。
type Config struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// HTTPExecutor 把工具调用转发到 POST {endpoint}/tools/{tool}。
type HTTPExecutor struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPExecutor 根据配置创建执行器。
func NewHTTPExecutor(cfg Config) (*HTTPExecutor, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置工具服务地址")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "工具服务地址非法")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPExecutor{
		endpoint:   endpoint,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type invokeRequest struct {
	Tool      string         `json:"tool"`
	Input     map[string]any `json:"input,omitempty"`
	TraceID   string         `json:"trace_id"`
	RequestID string         `json:"request_id"`
	UserID    string         `json:"user_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

type invokeResponse struct {
	Output map[string]any `json:"output"`
	Error  *struct {
		Code    string `json:"code"`
		Mode    string `json:"mode"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Invoke 实现 orchestrator.Executor。
func (e *HTTPExecutor) Invoke(ctx context.Context, tool string, input map[string]any, ectx *execctx.Context) (map[string]any, error) {
	body := invokeRequest{Tool: tool, Input: input}
	if ectx != nil {
		body.TraceID = ectx.TraceID()
		body.RequestID = ectx.RequestID()
		body.UserID = ectx.UserID()
		body.SessionID = ectx.SessionID()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码工具输入失败")
	}

	endpoint := e.endpoint + "/tools/" + url.PathEscape(tool)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建工具请求失败")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	if body.TraceID != "" {
		httpReq.Header.Set("X-Trace-ID", body.TraceID)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, fmt.Sprintf("调用工具 %s 失败", tool))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "读取工具响应失败")
	}
	var decoded invokeResponse
	_ = json.Unmarshal(raw, &decoded)

	if resp.StatusCode >= http.StatusBadRequest || decoded.Error != nil {
		return nil, statusError(tool, resp.StatusCode, decoded, raw)
	}
	if decoded.Output == nil {
		return nil, xerrors.New(xerrors.CodeAgentOutput, fmt.Sprintf("工具 %s 未返回 output", tool))
	}
	return decoded.Output, nil
}

func statusError(tool string, status int, decoded invokeResponse, raw []byte) error {
	message := strings.TrimSpace(string(raw))
	if len(message) > 512 {
		message = message[:512]
	}
	var opts []xerrors.Option
	if decoded.Error != nil {
		message = decoded.Error.Message
		if mode, ok := xerrors.ParseMode(decoded.Error.Mode); ok {
			opts = append(opts, xerrors.WithMode(mode), xerrors.WithRetryable(!mode.Terminal()))
		}
		if decoded.Error.Code != "" {
			opts = append(opts, xerrors.WithMetadata("remote_code", decoded.Error.Code))
		}
	}
	opts = append(opts, xerrors.WithMetadata("tool", tool))
	msg := fmt.Sprintf("工具 %s 返回状态 %d: %s", tool, status, message)

	var code xerrors.Code
	switch {
	case status == http.StatusUnauthorized:
		code = xerrors.CodeUnauthenticated
	case status == http.StatusForbidden:
		code = xerrors.CodePermissionDenied
	case status == http.StatusTooManyRequests:
		code = xerrors.CodeQuotaExhausted
	case status == http.StatusUnprocessableEntity:
		code = xerrors.CodeAgentOutput
	case status >= http.StatusInternalServerError:
		code = xerrors.CodeUnavailable
	case status >= http.StatusBadRequest:
		code = xerrors.CodeInvalidArgument
	default:
		code = xerrors.CodeExecutorFailure
	}
	return xerrors.Wrap(code, &retry.StatusError{StatusCode: status}, msg, opts...)
}
