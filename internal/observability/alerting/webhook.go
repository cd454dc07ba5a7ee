package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebhookNotifier 通过 HTTP 回调发送告警。钉钉与 Slack 使用各自的机器人消息格式，
// 通用 webhook 直接发送事件 JSON。
type WebhookNotifier struct {
	channel Channel
	url     string
	client  *http.Client
}

// NewWebhookNotifier 构造通知器，client 为空时使用 10 秒超时的默认客户端。
func NewWebhookNotifier(channel Channel, url string, client *http.Client) (*WebhookNotifier, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("告警渠道 %s 缺少 url", channel)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{channel: channel, url: url, client: client}, nil
}

// Channel 返回通知渠道。
func (n *WebhookNotifier) Channel() Channel { return n.channel }

// Notify 发送一次告警。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	var payload any
	switch n.channel {
	case ChannelDingTalk:
		payload = map[string]any{"msgtype": "text", "text": map[string]string{"content": event.text()}}
	case ChannelSlack:
		payload = map[string]string{"text": event.text()}
	default:
		payload = event
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("告警回调返回状态码 %d", resp.StatusCode)
	}
	return nil
}
