package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/planning"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error {
	return xerrors.New(xerrors.CodeQueueFailure, "broker down")
}

func (failingProducer) Close() error { return nil }

func TestServiceSubmitValidates(t *testing.T) {
	service := NewService(NewMemoryStore(), &recordingProducer{}, 3)

	_, err := service.Submit(context.Background(), SubmitRequest{Steps: []planning.Step{{Index: 1, Tool: "a"}}})
	assert.True(t, IsTaskError(err, CodeTaskValidation))

	_, err = service.Submit(context.Background(), SubmitRequest{Goal: "no steps"})
	assert.True(t, IsTaskError(err, CodeTaskValidation))
	assert.Equal(t, xerrors.ModeUser, xerrors.ModeOf(err))
}

func TestServiceSubmitBuildsContextAndLimits(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	defaults := planning.Limits{CostCeiling: 10, Policy: planning.PolicyBlock}
	service := NewService(store, producer, 3, WithDefaultLimits(defaults))

	req := submitRequest("with context")
	req.TraceID = "trace-given"
	req.UserID = "alice"
	task, err := service.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "trace-given", task.TraceID)
	assert.Equal(t, "trace-given", task.Context.TraceID)
	assert.NotEmpty(t, task.Context.RequestID)
	assert.Equal(t, "alice", task.Context.UserID)
	assert.Equal(t, "with context", task.Context.UserIntent)
	assert.Equal(t, defaults, task.Request.Limits)
	assert.Equal(t, 1, producer.total)

	custom := planning.Limits{CallCeiling: 2}
	req = submitRequest("custom limits")
	req.Limits = &custom
	task, err = service.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, custom, task.Request.Limits)
	assert.NotEqual(t, "trace-given", task.TraceID)
}

func TestServiceSubmitIsIdempotentByID(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	service := NewService(store, producer, 3)

	req := submitRequest("idempotent")
	req.ID = "job-fixed"
	first, err := service.Submit(context.Background(), req)
	require.NoError(t, err)
	second, err := service.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.TraceID, second.TraceID)
	assert.Equal(t, 1, producer.total)
}

func TestServiceSubmitMarksPublishFailure(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, failingProducer{}, 3)

	req := submitRequest("unpublished")
	req.ID = "job-unpublished"
	_, err := service.Submit(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, CodeTaskPublish, xerrors.CodeOf(err))

	task, err := store.Get(context.Background(), "job-unpublished")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, string(CodeTaskPublish), task.ErrorCode)
}
