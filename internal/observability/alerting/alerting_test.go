package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/observability/events"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingNotifier) Channel() Channel { return ChannelWebhook }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func failedEvent(code xerrors.Code) events.Event {
	return events.New(events.TypeJobFailed, "trace-1", "task", map[string]any{
		"task_id":      "job-1",
		"error_code":   string(code),
		"failure_mode": "RESOURCE",
		"message":      "budget exhausted",
		"attempts":     3,
		"max_retries":  3,
	})
}

func TestSinkAlertsOnlyForAlertingCodes(t *testing.T) {
	rec := &recordingNotifier{}
	sink := NewSink(NewFanout(rec))
	ctx := context.Background()

	require.NoError(t, sink.Emit(ctx, failedEvent(xerrors.CodeQuotaExhausted)))
	require.NoError(t, sink.Emit(ctx, failedEvent(xerrors.CodeInvalidArgument)))
	require.NoError(t, sink.Emit(ctx, events.New(events.TypeJobCompleted, "trace-1", "task", map[string]any{})))

	require.Len(t, rec.events, 1)
	got := rec.events[0]
	assert.Equal(t, xerrors.CodeQuotaExhausted, got.Code)
	assert.Equal(t, xerrors.ModeResource, got.Mode)
	assert.Equal(t, xerrors.SeverityWarning, got.Severity)
	assert.Equal(t, "job-1", got.TaskID)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, 3, got.MaxRetries)
}

func TestSinkSwallowsNotifierErrors(t *testing.T) {
	sink := NewSink(NewFanout(&recordingNotifier{err: errors.New("down")}))
	assert.NoError(t, sink.Emit(context.Background(), failedEvent(xerrors.CodeQuotaExhausted)))
}

func TestWebhookPayloadPerChannel(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies = map[string]map[string]any{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		bodies[r.URL.Path] = body
		mu.Unlock()
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	event := Event{Code: xerrors.CodeQuotaExhausted, Mode: xerrors.ModeResource, TaskID: "job-1", OccurredAt: time.Now()}
	for _, channel := range []Channel{ChannelWebhook, ChannelSlack, ChannelDingTalk} {
		n, err := NewWebhookNotifier(channel, srv.URL+"/"+string(channel), nil)
		require.NoError(t, err)
		require.NoError(t, n.Notify(context.Background(), event))
	}

	assert.Equal(t, "job-1", bodies["/webhook"]["task_id"])
	assert.Contains(t, bodies["/slack"]["text"], "QUOTA_EXHAUSTED")
	assert.Equal(t, "text", bodies["/dingtalk"]["msgtype"])

	broken, err := NewWebhookNotifier(ChannelWebhook, srv.URL+"/broken", nil)
	require.NoError(t, err)
	assert.Error(t, broken.Notify(context.Background(), event))

	_, err = NewWebhookNotifier(ChannelSlack, " ", nil)
	assert.Error(t, err)
	_, err = ParseChannel("email")
	assert.Error(t, err)
}
