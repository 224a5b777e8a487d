package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/paiban/nursesched/internal/database"
	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/model"
)

// LoadPlan 读取一次求解所需的全部只读数据
func (s *Store) LoadPlan(ctx context.Context, periodID uuid.UUID, baseVersionID *uuid.UUID) (*model.Plan, error) {
	period, err := s.GetPeriod(ctx, periodID)
	if err != nil {
		return nil, err
	}
	plan := &model.Plan{Period: period}
	if plan.Nurses, err = s.ListNurses(ctx, period.DepartmentCode); err != nil {
		return nil, err
	}
	if plan.Shifts, err = s.ListShifts(ctx); err != nil {
		return nil, err
	}
	if plan.Departments, err = s.ListDepartments(ctx); err != nil {
		return nil, err
	}
	if plan.JobLevels, err = s.ListJobLevels(ctx); err != nil {
		return nil, err
	}
	if plan.Demands, err = s.ListDemands(ctx, periodID); err != nil {
		return nil, err
	}
	if plan.Locks, err = s.ListLocks(ctx, periodID); err != nil {
		return nil, err
	}
	if baseVersionID != nil {
		base, err := s.GetVersion(ctx, *baseVersionID)
		if err != nil {
			return nil, err
		}
		if base.PeriodID != periodID {
			return nil, apperrors.Validation("基准版本不属于该排班周期").
				WithField("base_version_id", baseVersionID.String())
		}
		plan.Base = base
	}
	return plan, nil
}

// CommitResult 在一个事务内写入版本、分配，并将任务从 persisting 迁移到 succeeded。
// 任一步失败整体回滚，不留下可见的版本
func (s *Store) CommitResult(ctx context.Context, v *model.ScheduleVersion, job *model.OptimizationJob, message string) error {
	return s.db.Transaction(ctx, func(tx *database.Tx) error {
		if err := insertVersion(ctx, tx, v); err != nil {
			return err
		}
		id := v.ID
		job.ResultVersionID = &id
		job.Status = model.JobSucceeded
		return transitionJob(ctx, tx, job, model.JobPersisting, message)
	})
}
