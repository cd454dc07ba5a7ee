package task

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/orchestrator"
	"OpenMCP-Orchestrator/internal/planning"
	"OpenMCP-Orchestrator/internal/recovery"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func newMockStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := NewMySQLStore(db)
	store.now = func() time.Time { return fixedNow }
	return store, mock
}

func jobColumns() []string {
	return []string{"id", "trace_id", "goal", "request", "context", "status", "attempts", "max_retries", "last_error",
		"error_code", "failure_mode", "result", "partial", "created_at", "updated_at"}
}

func TestMySQLStoreCreate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO orchestration_jobs")).
		WithArgs("job-1", "trace-1", "goal", sqlmock.AnyArg(), sqlmock.AnyArg(), "pending", 0, 3, fixedNow.Unix(), fixedNow.Unix()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	task := &Task{
		ID:         "job-1",
		TraceID:    "trace-1",
		Goal:       "goal",
		Request:    orchestrator.Request{Steps: []planning.Step{{Index: 1, Tool: "search"}}},
		Status:     StatusPending,
		MaxRetries: 3,
	}
	require.NoError(t, store.Create(context.Background(), task))
	assert.Equal(t, fixedNow.Unix(), task.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStoreCreateDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO orchestration_jobs")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	err := store.Create(context.Background(), &Task{ID: "job-1", Status: StatusPending})
	assert.ErrorIs(t, err, ErrTaskConflict)
}

func TestMySQLStoreGetDecodesColumns(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows(jobColumns()).AddRow(
		"job-1", "trace-1", "goal",
		`{"steps":[{"index":1,"tool":"search"},{"index":2,"tool":"write"}],"limits":{"cost_ceiling":5,"call_ceiling":0,"token_ceiling":0,"warn_threshold":0.8,"policy":"warn"}}`,
		`{"trace_id":"trace-1","request_id":"req-1","user_id":"u1"}`,
		"pending", 1, 3, "quota", "QUOTA_EXHAUSTED", "RESOURCE",
		nil,
		`{"completed_steps":[{"index":1,"tool":"search","output":{"hits":2}}],"last_successful_output":{"hits":2},"failure_mode":"RESOURCE"}`,
		fixedNow.Unix(), fixedNow.Unix(),
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM orchestration_jobs WHERE id = ?")).WithArgs("job-1").WillReturnRows(rows)

	task, err := store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Len(t, task.Request.Steps, 2)
	assert.Equal(t, planning.PolicyWarn, task.Request.Limits.Policy)
	assert.Equal(t, "u1", task.Context.UserID)
	assert.Equal(t, xerrors.ModeResource, task.FailureMode)
	assert.Nil(t, task.Result)
	require.NotNil(t, task.Partial)
	assert.True(t, task.Partial.Recoverable())
	assert.True(t, task.Partial.Completed(1))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStoreGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM orchestration_jobs WHERE id = ?")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(jobColumns()))

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestMySQLStoreClaimReportsCompleted(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE orchestration_jobs SET status = ?, attempts = attempts + 1")).
		WithArgs("running", fixedNow.Unix(), "job-1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM orchestration_jobs WHERE id = ?")).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(jobColumns()).AddRow(
			"job-1", "trace-1", "goal", `{"steps":[]}`, nil, "succeeded", 1, 3, "", "", "",
			`{"plan_id":"plan-1","trace_id":"trace-1","output":{"final":1},"steps":null,"usage":{"cost":0,"calls":1,"tokens":0}}`,
			nil, fixedNow.Unix(), fixedNow.Unix()))

	task, err := store.Claim(context.Background(), "job-1")
	assert.ErrorIs(t, err, ErrTaskCompleted)
	require.NotNil(t, task)
	require.NotNil(t, task.Result)
	assert.Equal(t, "plan-1", task.Result.PlanID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStoreMarkFailedKeepsPartial(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE orchestration_jobs SET status = ?, last_error = ?, error_code = ?, failure_mode = ?, partial = ?")).
		WithArgs("pending", "quota", "QUOTA_EXHAUSTED", "RESOURCE", sqlmock.AnyArg(), fixedNow.Unix(), "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	partial := recovery.Capture([]recovery.CompletedStep{{Index: 1, Tool: "search"}}, nil, xerrors.ModeResource)
	err := store.MarkFailed(context.Background(), "job-1", Failure{
		Code:    xerrors.CodeQuotaExhausted,
		Mode:    xerrors.ModeResource,
		Message: "quota",
		Partial: partial,
	}, false)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStoreMarkSucceededMissingRow(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE orchestration_jobs SET status = ?, result = ?")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.MarkSucceeded(context.Background(), "missing", orchestrator.Result{PlanID: "p"})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestMySQLStoreListBuildsFilters(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM orchestration_jobs WHERE status IN (?) AND result IS NOT NULL AND (id LIKE ? OR trace_id LIKE ? OR goal LIKE ? OR last_error LIKE ?) ORDER BY updated_at ASC")).
		WithArgs("succeeded", "%news%", "%news%", "%news%", "%news%", 5, 0).
		WillReturnRows(sqlmock.NewRows(jobColumns()))

	tasks, err := store.List(context.Background(), buildListOptions([]ListOption{
		WithStatuses(StatusSucceeded),
		WithResultPresence(true),
		WithQuery(" news "),
		WithSortOrder(SortByUpdatedAsc),
		WithLimit(5),
	}))
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStoreListFiltersFailureModes(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM orchestration_jobs WHERE status IN (?,?) AND failure_mode IN (?) ORDER BY updated_at DESC")).
		WithArgs("failed", "degraded", "RESOURCE", 20, 0).
		WillReturnRows(sqlmock.NewRows(jobColumns()))

	_, err := store.List(context.Background(), buildListOptions([]ListOption{
		WithStatuses(StatusFailed, StatusDegraded),
		WithFailureModes(xerrors.ModeResource),
	}))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStoreStats(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("COUNT(*) AS total")).
		WithArgs("pending", "running", "succeeded", "degraded", "failed").
		WillReturnRows(sqlmock.NewRows([]string{"total", "pending", "running", "succeeded", "degraded", "failed", "oldest", "newest"}).
			AddRow(6, 1, 1, 2, 1, 1, 100, 200))

	stats, err := store.Stats(context.Background(), ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, TaskStats{Total: 6, Pending: 1, Running: 1, Succeeded: 2, Degraded: 1, Failed: 1, OldestUpdatedAt: 100, NewestUpdatedAt: 200}, stats)
}
