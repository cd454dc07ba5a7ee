package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/orchestrator"
	"OpenMCP-Orchestrator/internal/storage/sqldb"
)

const taskColumns = `id, trace_id, goal, request, context, status, attempts, max_retries, last_error, error_code,
        failure_mode, result, partial, created_at, updated_at`

// MySQLStore 使用 MySQL 的 orchestration_jobs 表记录任务状态。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenMySQLStore 打开数据库、执行迁移并返回 MySQLStore。
func OpenMySQLStore(ctx context.Context, cfg sqldb.Config) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	cfg.Dialect = sqldb.DialectMySQL
	db, err := sqldb.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	if err := sqldb.Migrate(ctx, db, sqldb.DialectMySQL); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 orchestration_jobs 表失败")
	}
	return NewMySQLStore(db), nil
}

// NewMySQLStore 基于已有连接构造 MySQLStore，调用方负责迁移。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := s.now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now

	request, err := json.Marshal(task.Request)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码编排请求失败")
	}
	execContext, err := json.Marshal(task.Context)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行上下文失败")
	}

	const stmt = `INSERT INTO orchestration_jobs
        (id, trace_id, goal, request, context, status, attempts, max_retries, last_error, error_code, failure_mode, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		task.TraceID,
		task.Goal,
		string(request),
		string(execContext),
		task.Status,
		task.Attempts,
		task.MaxRetries,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task        Task
		request     string
		execContext sql.NullString
		lastError   sql.NullString
		errorCode   sql.NullString
		mode        sql.NullString
		result      sql.NullString
		partial     sql.NullString
	)
	if err := row.Scan(
		&task.ID,
		&task.TraceID,
		&task.Goal,
		&request,
		&execContext,
		&task.Status,
		&task.Attempts,
		&task.MaxRetries,
		&lastError,
		&errorCode,
		&mode,
		&result,
		&partial,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.LastError = lastError.String
	task.ErrorCode = errorCode.String
	task.FailureMode = xerrors.FailureMode(mode.String)

	if err := json.Unmarshal([]byte(request), &task.Request); err != nil {
		return nil, fmt.Errorf("解析编排请求失败: %w", err)
	}
	if execContext.Valid && execContext.String != "" {
		if err := json.Unmarshal([]byte(execContext.String), &task.Context); err != nil {
			return nil, fmt.Errorf("解析执行上下文失败: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		var decoded orchestrator.Result
		if err := json.Unmarshal([]byte(result.String), &decoded); err != nil {
			return nil, fmt.Errorf("解析编排结果失败: %w", err)
		}
		task.Result = &decoded
	}
	if partial.Valid {
		decoded, err := decodePartial([]byte(partial.String))
		if err != nil {
			return nil, fmt.Errorf("解析部分结果失败: %w", err)
		}
		task.Partial = decoded
	}
	return &task, nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM orchestration_jobs WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Claim 将任务标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	const updateStmt = `UPDATE orchestration_jobs SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ? AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusRunning,
		s.now().Unix(),
		id,
		StatusPending,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		switch {
		case task.Status.Finished():
			return task, ErrTaskCompleted
		case task.Status == StatusRunning:
			return task, ErrTaskConflict
		case task.Attempts >= task.MaxRetries:
			return task, ErrTaskExhausted
		default:
			return task, ErrTaskConflict
		}
	}
	return task, nil
}

// MarkSucceeded 将任务标记为成功。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result orchestrator.Result) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码编排结果失败")
	}
	const stmt = `UPDATE orchestration_jobs SET status = ?, result = ?, partial = NULL, last_error = '', error_code = '',
        failure_mode = '', updated_at = ? WHERE id = ?`
	return s.update(ctx, "标记任务成功失败", stmt, StatusSucceeded, string(encoded), s.now().Unix(), id)
}

// MarkDegraded 以降级结果结束任务。
func (s *MySQLStore) MarkDegraded(ctx context.Context, id string, result orchestrator.Result, failure Failure) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码降级结果失败")
	}
	const stmt = `UPDATE orchestration_jobs SET status = ?, result = ?, partial = NULL, last_error = ?, error_code = ?,
        failure_mode = ?, updated_at = ? WHERE id = ?`
	return s.update(ctx, "标记任务降级失败", stmt,
		StatusDegraded, string(encoded), failure.Message, string(failure.Code), string(failure.Mode), s.now().Unix(), id)
}

// MarkFailed 将任务标记为失败；非终态失败回到 pending，并保存部分结果。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, failure Failure, terminal bool) error {
	var partial sql.NullString
	if failure.Partial != nil {
		encoded, err := json.Marshal(failure.Partial)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码部分结果失败")
		}
		partial = sql.NullString{String: string(encoded), Valid: true}
	}
	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	const stmt = `UPDATE orchestration_jobs SET status = ?, last_error = ?, error_code = ?, failure_mode = ?, partial = ?,
        updated_at = ? WHERE id = ?`
	return s.update(ctx, "标记任务失败失败", stmt,
		status, failure.Message, string(failure.Code), string(failure.Mode), partial, s.now().Unix(), id)
}

func (s *MySQLStore) update(ctx context.Context, msg, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + taskColumns + ` FROM orchestration_jobs`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS degraded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM orchestration_jobs`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusDegraded), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats TaskStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Degraded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		conditions = append(conditions, inClause("status", len(opts.Statuses)))
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if len(opts.Modes) > 0 {
		conditions = append(conditions, inClause("failure_mode", len(opts.Modes)))
		for _, mode := range opts.Modes {
			args = append(args, string(mode))
		}
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "result IS NOT NULL")
		} else {
			conditions = append(conditions, "result IS NULL")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR trace_id LIKE ? OR goal LIKE ? OR last_error LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

func inClause(column string, n int) string {
	return fmt.Sprintf("%s IN (%s)", column, strings.TrimSuffix(strings.Repeat("?,", n), ","))
}

var _ Store = (*MySQLStore)(nil)
