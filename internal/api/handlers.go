package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenMCP-Orchestrator/internal/audit"
	"OpenMCP-Orchestrator/internal/auth"
	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/task"
)

const maxBodyBytes = 1 << 20

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req task.SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	// 未显式指定用户时以调用方身份填充。
	if subject := auth.SubjectFromContext(r.Context()); subject != nil && req.UserID == "" {
		req.UserID = subject.Name
	}
	created, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/tasks/"+created.ID)
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}
	found, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// listOptionsFromQuery 把查询参数转换为列表筛选条件。
func listOptionsFromQuery(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	var opts []task.ListOption
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.ToLower(strings.TrimSpace(part)))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := q.Get("mode"); raw != "" {
		var modes []xerrors.FailureMode
		for _, part := range strings.Split(raw, ",") {
			mode, ok := xerrors.ParseMode(part)
			if !ok {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的失败模式: "+part)
			}
			modes = append(modes, mode)
		}
		opts = append(opts, task.WithFailureModes(modes...))
	}
	for _, key := range []string{"limit", "offset"} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, key+" 必须是非负整数")
		}
		if key == "limit" {
			opts = append(opts, task.WithLimit(n))
		} else {
			opts = append(opts, task.WithOffset(n))
		}
	}
	if raw := q.Get("has_result"); raw != "" {
		has, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "has_result 必须是布尔值")
		}
		opts = append(opts, task.WithResultPresence(has))
	}
	if strings.EqualFold(q.Get("order"), "asc") {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	if raw := q.Get("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	for _, key := range []string{"since", "until"} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, key+" 必须是 RFC3339 时间")
		}
		if key == "since" {
			opts = append(opts, task.WithUpdatedSince(ts))
		} else {
			opts = append(opts, task.WithUpdatedUntil(ts))
		}
	}
	return opts, nil
}

type traceResponse struct {
	TraceID     string                 `json:"trace_id"`
	Records     []audit.DecisionRecord `json:"records"`
	Verified    bool                   `json:"verified"`
	VerifyError string                 `json:"verify_error,omitempty"`
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	if s.traces == nil {
		writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "审计轨迹未启用"))
		return
	}
	traceID := strings.TrimSpace(r.PathValue("trace_id"))
	records, err := s.traces.GetTraceHistory(r.Context(), traceID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(records) == 0 {
		writeError(w, r, xerrors.New(xerrors.CodeNotFound, "trace 不存在: "+traceID))
		return
	}
	resp := traceResponse{TraceID: traceID, Records: records, Verified: true}
	if err := audit.VerifyChain(records); err != nil {
		resp.Verified = false
		resp.VerifyError = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleApprovalDetail(w http.ResponseWriter, r *http.Request) {
	if s.approvals == nil {
		writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "审批未启用"))
		return
	}
	id := r.PathValue("id")
	req, ok := s.approvals.Get(id)
	if !ok {
		writeError(w, r, xerrors.New(xerrors.CodeNotFound, "审批请求不存在: "+id))
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type resolveBody struct {
	Approver string `json:"approver,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, true)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, false)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request, approve bool) {
	if s.approvals == nil {
		writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "审批未启用"))
		return
	}
	var body resolveBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	// 认证开启时决议人固定为调用方。
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		body.Approver = subject.Name
	}
	id := r.PathValue("id")
	var err error
	if approve {
		err = s.approvals.Approve(r.Context(), id, body.Approver)
	} else {
		err = s.approvals.Reject(r.Context(), id, body.Approver, body.Reason)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, ok := s.approvals.Get(id)
	if !ok {
		// 请求由其他副本持有，决议已经转发。
		writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "forwarded": true})
		return
	}
	writeJSON(w, http.StatusOK, req)
}
