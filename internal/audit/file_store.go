package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

type chainHead struct {
	seq  int64
	hash string
}

// FileStore 以 JSON Lines 追加写的方式把决策记录落到本地文件，每次写入后 fsync。
type FileStore struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	closed bool
	heads  map[string]chainHead
	rename func(oldpath, newpath string) error
}

// NewFileStore 打开（或创建）指定路径的审计文件，并重建每条 trace 的链头。
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "审计文件路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建审计目录失败")
	}
	store := &FileStore{path: path, heads: make(map[string]chainHead), rename: os.Rename}
	if err := store.scan(func(rec DecisionRecord) {
		store.heads[rec.TraceID] = chainHead{seq: rec.Sequence, hash: rec.Hash}
	}); err != nil {
		return nil, err
	}
	if err := store.reopen(); err != nil {
		return nil, err
	}
	return store, nil
}

// reopen 以追加模式重新打开审计文件，调用方必须持有 s.mu 或独占 store。
func (s *FileStore) reopen() error {
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.file = nil
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开审计文件失败")
	}
	s.file = file
	return nil
}

func (s *FileStore) scan(fn func(rec DecisionRecord)) error {
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取审计文件失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec DecisionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析审计文件第 %d 行失败", line))
		}
		fn(rec)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描审计文件失败")
	}
	return nil
}

// Append 实现 Store 接口。
func (s *FileStore) Append(_ context.Context, rec *DecisionRecord) error {
	if rec == nil || rec.TraceID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "决策记录缺少 trace_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return xerrors.New(xerrors.CodeStorageFailure, "审计文件已关闭")
	}
	if s.file == nil {
		if err := s.reopen(); err != nil {
			return err
		}
	}

	head := s.heads[rec.TraceID]
	if err := seal(rec, head.seq, head.hash); err != nil {
		return xerrors.Wrap(CodeAuditWrite, err, "封装决策记录失败")
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Wrap(CodeAuditWrite, err, "序列化决策记录失败")
	}
	if _, err := s.file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(CodeAuditWrite, err, "写入审计文件失败")
	}
	if err := s.file.Sync(); err != nil {
		return xerrors.Wrap(CodeAuditWrite, err, "同步审计文件失败")
	}
	s.heads[rec.TraceID] = chainHead{seq: rec.Sequence, hash: rec.Hash}
	return nil
}

// Query 实现 Store 接口，直接读取文件以保证读到全部已落盘的写入。
func (s *FileStore) Query(_ context.Context, traceID string) ([]DecisionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DecisionRecord
	err := s.scan(func(rec DecisionRecord) {
		if rec.TraceID == traceID {
			out = append(out, rec)
		}
	})
	return out, err
}

// Expire 重写文件，丢弃最后一条记录早于 before 的 trace。
func (s *FileStore) Expire(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := make(map[string]time.Time)
	var all []DecisionRecord
	if err := s.scan(func(rec DecisionRecord) {
		all = append(all, rec)
		if rec.Timestamp.After(latest[rec.TraceID]) {
			latest[rec.TraceID] = rec.Timestamp
		}
	}); err != nil {
		return 0, err
	}

	tmpPath := s.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建临时审计文件失败")
	}
	var removed int64
	writer := bufio.NewWriter(tmp)
	for _, rec := range all {
		if latest[rec.TraceID].Before(before) {
			removed++
			continue
		}
		encoded, err := json.Marshal(rec)
		if err == nil {
			_, err = writer.Write(append(encoded, '\n'))
		}
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "重写审计文件失败")
		}
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "重写审计文件失败")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "同步临时审计文件失败")
	}
	tmp.Close()

	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	if err := s.rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		// 原文件未被替换，恢复追加句柄后继续服务。
		if rerr := s.reopen(); rerr != nil {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, rerr, "替换审计文件失败后无法重新打开")
		}
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换审计文件失败")
	}
	if err := s.reopen(); err != nil {
		return removed, err
	}
	for traceID, ts := range latest {
		if ts.Before(before) {
			delete(s.heads, traceID)
		}
	}
	return removed, nil
}

// Close 关闭审计文件。
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

var _ Store = (*FileStore)(nil)
