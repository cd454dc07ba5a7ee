package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// DecisionType 表示决策记录的类别。
type DecisionType string

const (
	DecisionPlanning  DecisionType = "planning"
	DecisionRouting   DecisionType = "routing"
	DecisionExecution DecisionType = "execution"
)

// Valid 检查决策类型是否受支持。
func (t DecisionType) Valid() bool {
	switch t {
	case DecisionPlanning, DecisionRouting, DecisionExecution:
		return true
	default:
		return false
	}
}

// DecisionRecord 是一条不可变的审计记录。
type DecisionRecord struct {
	ID        string         `json:"id"`
	TraceID   string         `json:"trace_id"`
	Sequence  int64          `json:"seq"`
	Type      DecisionType   `json:"decision_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Reasoning string         `json:"reasoning"`
	Timestamp time.Time      `json:"timestamp"`
	PrevHash  string         `json:"prev_hash,omitempty"`
	Hash      string         `json:"hash"`
}

// Store 抽象决策记录的持久化后端。
//
// Append 在返回前必须完成持久化，并负责分配 Sequence、PrevHash 与 Hash；
// Query 必须反映同一 trace 之前的全部写入。
type Store interface {
	Append(ctx context.Context, rec *DecisionRecord) error
	Query(ctx context.Context, traceID string) ([]DecisionRecord, error)
	Expire(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

const (
	CodeAuditWrite    xerrors.Code = "AUDIT_WRITE_FAILED"
	CodeAuditTampered xerrors.Code = "AUDIT_CHAIN_BROKEN"
)

func init() {
	xerrors.Register(CodeAuditWrite, xerrors.Attributes{
		Message:   "failed to persist decision record",
		Severity:  xerrors.SeverityCritical,
		Mode:      xerrors.ModeSystem,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeAuditTampered, xerrors.Attributes{
		Message:  "decision chain verification failed",
		Severity: xerrors.SeverityCritical,
		Mode:     xerrors.ModeSystem,
		Alert:    true,
	})
}

type sealedFields struct {
	TraceID   string         `json:"trace_id"`
	Sequence  int64          `json:"seq"`
	Type      DecisionType   `json:"decision_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Reasoning string         `json:"reasoning"`
	Timestamp int64          `json:"ts"`
	PrevHash  string         `json:"prev_hash"`
}

// computeHash 对记录内容与上一条哈希做 Keccak-256，encoding/json 对 map 键排序，结果稳定。
func computeHash(rec *DecisionRecord) (string, error) {
	body, err := json.Marshal(sealedFields{
		TraceID:   rec.TraceID,
		Sequence:  rec.Sequence,
		Type:      rec.Type,
		Payload:   rec.Payload,
		Reasoning: rec.Reasoning,
		Timestamp: rec.Timestamp.UnixNano(),
		PrevHash:  rec.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("编码决策记录失败: %w", err)
	}
	return crypto.Keccak256Hash(body).Hex(), nil
}

// seal 为记录分配链上位置并计算哈希。
func seal(rec *DecisionRecord, prevSeq int64, prevHash string) error {
	rec.Sequence = prevSeq + 1
	rec.PrevHash = prevHash
	rec.Timestamp = time.Unix(0, rec.Timestamp.UnixNano()).UTC()
	hash, err := computeHash(rec)
	if err != nil {
		return err
	}
	rec.Hash = hash
	return nil
}

// VerifyChain 依次重新计算哈希，返回第一条不一致记录的位置。
func VerifyChain(records []DecisionRecord) error {
	prev := ""
	for i := range records {
		rec := records[i]
		if rec.Sequence != int64(i+1) {
			return xerrors.New(CodeAuditTampered, fmt.Sprintf("trace %s 第 %d 条记录序号为 %d", rec.TraceID, i+1, rec.Sequence))
		}
		if rec.PrevHash != prev {
			return xerrors.New(CodeAuditTampered, fmt.Sprintf("trace %s 第 %d 条记录前序哈希不匹配", rec.TraceID, rec.Sequence))
		}
		hash, err := computeHash(&rec)
		if err != nil {
			return err
		}
		if hash != rec.Hash {
			return xerrors.New(CodeAuditTampered, fmt.Sprintf("trace %s 第 %d 条记录内容被篡改", rec.TraceID, rec.Sequence))
		}
		prev = rec.Hash
	}
	return nil
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	cloned := make(map[string]any, len(payload))
	for key, value := range payload {
		cloned[key] = value
	}
	return cloned
}

// normalizePayload 通过一次 JSON 往返把 payload 统一成存储后的形态，保证各后端重算哈希一致。
func normalizePayload(payload map[string]any) (map[string]any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
