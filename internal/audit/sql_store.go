package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/storage/sqldb"
)

// SQLStore 使用事务把决策记录写入 MySQL 或 SQLite。
type SQLStore struct {
	db      *sql.DB
	dialect sqldb.Dialect
}

// OpenSQLStore 打开数据库、执行迁移并返回 SQLStore。
func OpenSQLStore(ctx context.Context, cfg sqldb.Config) (*SQLStore, error) {
	db, err := sqldb.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开审计数据库失败")
	}
	if err := sqldb.Migrate(ctx, db, cfg.Dialect); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "迁移审计数据库失败")
	}
	return NewSQLStore(db, cfg.Dialect), nil
}

// NewSQLStore 基于已有连接构造 SQLStore，调用方负责迁移。
func NewSQLStore(db *sql.DB, dialect sqldb.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) headQuery() string {
	const base = `SELECT seq, hash FROM decision_records WHERE trace_id = ? ORDER BY seq DESC LIMIT 1`
	if s.dialect == sqldb.DialectMySQL {
		return base + ` FOR UPDATE`
	}
	return base
}

// Append 实现 Store 接口。读取链头与插入在同一事务中完成。
func (s *SQLStore) Append(ctx context.Context, rec *DecisionRecord) error {
	if rec == nil || strings.TrimSpace(rec.TraceID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "决策记录缺少 trace_id")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(CodeAuditWrite, err, "开启审计事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	var prevSeq int64
	var prevHash string
	if err := tx.QueryRowContext(ctx, s.headQuery(), rec.TraceID).Scan(&prevSeq, &prevHash); err != nil && !stdErrors.Is(err, sql.ErrNoRows) {
		return xerrors.Wrap(CodeAuditWrite, err, "读取审计链头失败")
	}
	if err := seal(rec, prevSeq, prevHash); err != nil {
		return xerrors.Wrap(CodeAuditWrite, err, "封装决策记录失败")
	}
	payload, err := marshalPayload(rec.Payload)
	if err != nil {
		return xerrors.Wrap(CodeAuditWrite, err, "编码决策 payload 失败")
	}

	const stmt = `INSERT INTO decision_records
        (id, trace_id, seq, decision_type, payload, reasoning, prev_hash, hash, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, stmt,
		rec.ID,
		rec.TraceID,
		rec.Sequence,
		string(rec.Type),
		payload,
		rec.Reasoning,
		rec.PrevHash,
		rec.Hash,
		rec.Timestamp.UnixNano(),
	); err != nil {
		return xerrors.Wrap(CodeAuditWrite, err, "插入决策记录失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(CodeAuditWrite, err, "提交审计事务失败")
	}
	return nil
}

// Query 实现 Store 接口。
func (s *SQLStore) Query(ctx context.Context, traceID string) ([]DecisionRecord, error) {
	const stmt = `SELECT id, trace_id, seq, decision_type, payload, reasoning, prev_hash, hash, created_at
        FROM decision_records WHERE trace_id = ? ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, stmt, traceID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询决策记录失败")
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		var rec DecisionRecord
		var decisionType string
		var payload sql.NullString
		var reasoning sql.NullString
		var createdAt int64
		if err := rows.Scan(
			&rec.ID,
			&rec.TraceID,
			&rec.Sequence,
			&decisionType,
			&payload,
			&reasoning,
			&rec.PrevHash,
			&rec.Hash,
			&createdAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析决策记录失败")
		}
		rec.Type = DecisionType(decisionType)
		rec.Reasoning = reasoning.String
		rec.Timestamp = time.Unix(0, createdAt).UTC()
		if rec.Payload, err = unmarshalPayload(payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析决策 payload 失败")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历决策记录失败")
	}
	return out, nil
}

// Expire 删除最后一条记录早于 before 的整条 trace。
func (s *SQLStore) Expire(ctx context.Context, before time.Time) (int64, error) {
	const stmt = `DELETE FROM decision_records WHERE trace_id IN (
        SELECT trace_id FROM (
            SELECT trace_id FROM decision_records GROUP BY trace_id HAVING MAX(created_at) < ?
        ) AS expired
)`
	res, err := s.db.ExecContext(ctx, stmt, before.UnixNano())
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理过期决策记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	return affected, nil
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func marshalPayload(payload map[string]any) (sql.NullString, error) {
	if len(payload) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func unmarshalPayload(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw.String), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

var _ Store = (*SQLStore)(nil)
