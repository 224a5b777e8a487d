package job

import (
	"context"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/logger"
	"github.com/paiban/nursesched/pkg/model"
)

// CreateRequest 创建任务请求
type CreateRequest struct {
	PeriodID      uuid.UUID
	BundleID      *uuid.UUID
	BaseVersionID *uuid.UUID
	Options       model.JobOptions
}

// Service 任务生命周期入口：创建、查询、取消、发布
type Service struct {
	store   Store
	queue   Enqueuer
	events  Publisher
	applier *Applier
	cfg     Config
}

// NewService 创建任务服务
func NewService(store Store, queue Enqueuer, events Publisher, applier *Applier, cfg Config) *Service {
	if applier == nil {
		applier = NewApplier(store, nil)
	}
	return &Service{store: store, queue: queue, events: events, applier: applier, cfg: cfg}
}

// Create 校验请求，冻结规则包引用并入队。返回时任务处于 queued
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.OptimizationJob, error) {
	opts, err := NormalizeOptions(req.Options, s.cfg)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetPeriod(ctx, req.PeriodID); err != nil {
		return nil, err
	}

	b, err := s.resolveBundle(ctx, req)
	if err != nil {
		return nil, err
	}

	job := &model.OptimizationJob{
		PeriodID:      req.PeriodID,
		BundleID:      b.ID,
		BaseVersionID: req.BaseVersionID,
		Status:        model.JobQueued,
		Options:       opts,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		job.Status = model.JobFailed
		now := time.Now().UTC()
		job.FinishedAt = &now
		job.Message = "任务入队失败"
		job.Error = model.JSONMap{"code": string(apperrors.CodeInternal), "message": "内部错误", "details": map[string]interface{}{"stage": "queued"}}
		if terr := s.store.TransitionJob(ctx, job, model.JobQueued, job.Message); terr != nil {
			logger.WithContext(ctx).Error().Err(terr).Str("job_id", job.ID.String()).Msg("记录入队失败状态失败")
		}
		newEmitter(job.ID, s.events).fail(ctx, ErrorBody{Code: apperrors.CodeInternal, Message: "内部错误", Details: map[string]interface{}{"stage": "queued"}})
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "任务入队失败")
	}

	logger.WithContext(ctx).Info().
		Str("job_id", job.ID.String()).
		Str("period_id", job.PeriodID.String()).
		Str("bundle_id", job.BundleID.String()).
		Str("mode", string(opts.Mode)).
		Msg("优化任务已创建")
	return job, nil
}

// resolveBundle 未指定时读取周期当前启用的规则包，只读一次
func (s *Service) resolveBundle(ctx context.Context, req CreateRequest) (*model.RuleBundle, error) {
	var (
		b   *model.RuleBundle
		err error
	)
	if req.BundleID == nil {
		b, err = s.store.GetActiveBundle(ctx, req.PeriodID)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return nil, apperrors.Validation("排班周期没有启用的规则包，请指定 bundle_id").
				WithField("period_id", req.PeriodID.String())
		}
	} else {
		b, err = s.store.GetBundle(ctx, *req.BundleID)
		if err != nil {
			return nil, err
		}
		if b.PeriodID != req.PeriodID {
			return nil, apperrors.Validation("规则包不属于该排班周期").
				WithField("bundle_id", b.ID.String())
		}
	}
	if b.ValidationStatus == model.ValidationFail {
		return nil, apperrors.New(apperrors.CodeRuleDSLInvalid, "规则包校验未通过").
			WithField("bundle_id", b.ID.String())
	}
	return b, nil
}

// Get 查询任务
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.OptimizationJob, error) {
	return s.store.GetJob(ctx, id)
}

// Cancel 请求协作式取消。终止状态下幂等，落库阶段拒绝
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*model.OptimizationJob, error) {
	status, marked, err := s.store.RequestCancel(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case status.IsTerminal():
		return s.store.GetJob(ctx, id)
	case status == model.JobPersisting:
		return nil, apperrors.New(apperrors.CodeConflictState, "结果写入中，不能取消").
			WithField("status", string(status))
	case status == model.JobQueued && marked:
		job, err := s.store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.cancelQueued(ctx, job); err != nil {
			return nil, err
		}
		return job, nil
	}

	logger.WithContext(ctx).Info().Str("job_id", id.String()).Str("status", string(status)).Msg("已请求取消任务")
	return s.store.GetJob(ctx, id)
}

// cancelQueued 尚未被领取的任务直接取消；已被领取时交给执行器在检查点处理
func (s *Service) cancelQueued(ctx context.Context, job *model.OptimizationJob) error {
	const message = "排队中已取消"
	now := time.Now().UTC()
	job.Status = model.JobCancelled
	job.FinishedAt = &now
	job.Message = message
	job.Error = model.JSONMap{"code": string(apperrors.CodeCancelled), "message": message}
	if err := s.store.TransitionJob(ctx, job, model.JobQueued, message); err != nil {
		if apperrors.Is(err, apperrors.CodeConflictState) {
			fresh, gerr := s.store.GetJob(ctx, job.ID)
			if gerr != nil {
				return gerr
			}
			*job = *fresh
			return nil
		}
		return err
	}
	newEmitter(job.ID, s.events).fail(ctx, ErrorBody{Code: apperrors.CodeCancelled, Message: message})
	return nil
}

// Apply 发布任务结果
func (s *Service) Apply(ctx context.Context, id uuid.UUID) (*model.Publication, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.applier.Apply(ctx, job)
}
