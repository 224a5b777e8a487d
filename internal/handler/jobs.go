package handler

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/paiban/nursesched/internal/repository"
	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/job"
	"github.com/paiban/nursesched/pkg/model"
)

// CreateJobRequest 创建优化任务请求
type CreateJobRequest struct {
	PeriodID      uuid.UUID           `json:"period_id" validate:"required"`
	BundleID      *uuid.UUID          `json:"bundle_id,omitempty"`
	BaseVersionID *uuid.UUID          `json:"base_version_id,omitempty"`
	Mode          model.SolveMode     `json:"mode,omitempty"`
	TimeLimitSec  int                 `json:"time_limit_seconds" validate:"min=0"`
	RandomSeed    int64               `json:"random_seed"`
	SolverThreads int                 `json:"solver_threads,omitempty" validate:"min=0"`
	TimeoutPolicy model.TimeoutPolicy `json:"timeout_policy"`
	CoverageMode  model.CoverageMode  `json:"coverage_mode,omitempty"`
	RespectLocked *bool               `json:"respect_locked,omitempty"`
	Weights       *model.Weights      `json:"weights,omitempty"`
	Output        JobOutput           `json:"output"`
}

// JobOutput 输出选项
type JobOutput struct {
	AutoPublish bool `json:"auto_publish"`
}

// toService 未给出 respect_locked 时默认保留锁定格
func (req CreateJobRequest) toService() job.CreateRequest {
	opts := model.JobOptions{
		Mode:          req.Mode,
		TimeLimitSec:  req.TimeLimitSec,
		RandomSeed:    req.RandomSeed,
		SolverThreads: req.SolverThreads,
		TimeoutPolicy: req.TimeoutPolicy,
		CoverageMode:  req.CoverageMode,
		RespectLocked: req.RespectLocked == nil || *req.RespectLocked,
		AutoPublish:   req.Output.AutoPublish,
	}
	if req.Weights != nil {
		opts.Weights = *req.Weights
	}
	return job.CreateRequest{
		PeriodID:      req.PeriodID,
		BundleID:      req.BundleID,
		BaseVersionID: req.BaseVersionID,
		Options:       opts,
	}
}

// CreateJob 创建任务并立即返回任务ID
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	j, err := h.Jobs.Create(r.Context(), req.toService())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/jobs/"+j.ID.String())
	h.writeJSON(w, r, http.StatusAccepted, map[string]interface{}{
		"job_id": j.ID,
		"status": j.Status,
	})
}

// ListJobs 列出任务，可按周期与状态过滤
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := repository.DefaultListFilter()
	q := r.URL.Query()
	if raw := q.Get("period_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.respondError(w, r, apperrors.InvalidInput("period_id", "不是有效的UUID"))
			return
		}
		filter = filter.WithPeriod(id)
	}
	if status := q.Get("status"); status != "" {
		filter = filter.WithStatus(status)
	}
	limit, err := queryInt(r, "limit", filter.Limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	jobs, err := h.Store.ListJobs(r.Context(), filter.WithLimit(limit).WithOffset(offset))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*model.OptimizationJob{}
	}
	h.writeJSON(w, r, http.StatusOK, map[string]interface{}{"jobs": jobs, "offset": offset})
}

// GetJob 查询任务状态、进度、历史与报告
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	j, err := h.Jobs.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, j)
}

// StreamJob 以 SSE 推送任务事件
func (h *Handler) StreamJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	// 先确认任务存在，之后的错误只能以流的形式返回
	if _, err := h.Jobs.Get(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}

	fallback := func() *job.Event {
		j, err := h.Jobs.Get(r.Context(), id)
		if err != nil {
			return nil
		}
		return job.TerminalEvent(j)
	}
	h.Hub.ServeSSE(w, r, id, fallback, h.Heartbeat)
}

// CancelJob 请求取消任务
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	j, err := h.Jobs.Cancel(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusAccepted, j)
}

// ApplyJob 发布任务结果
func (h *Handler) ApplyJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	pub, err := h.Jobs.Apply(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, pub)
}
