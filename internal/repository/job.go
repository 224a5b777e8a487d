package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/model"
)

// JobRepository 优化任务仓储。状态只能通过比较并交换迁移，迁移记录只追加
type JobRepository struct {
	db DB
}

// NewJobRepository 创建任务仓储
func NewJobRepository(db DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `
	SELECT id, period_id, bundle_id, base_version_id, status, progress, options,
		compile_report, solve_report, result_version_id, error, message,
		started_at, finished_at, applied_at, created_at, updated_at
	FROM optimization_jobs`

// CreateJob 创建任务并记录初始状态
func (r *JobRepository) CreateJob(ctx context.Context, job *model.OptimizationJob) error {
	touch(&job.BaseModel)
	if job.Status == "" {
		job.Status = model.JobQueued
	}
	options, err := jsonText(job.Options)
	if err != nil {
		return err
	}
	return withTx(ctx, r.db, func(q DB) error {
		query := `
			INSERT INTO optimization_jobs (
				id, period_id, bundle_id, base_version_id, status, progress, options,
				compile_report, solve_report, error, message, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, '{}', '{}', '{}', $8, $9, $10)
		`
		if _, err := q.ExecContext(ctx, query,
			job.ID, job.PeriodID, job.BundleID, nullUUID(job.BaseVersionID), job.Status, job.Progress,
			options, job.Message, job.CreatedAt, job.UpdatedAt,
		); err != nil {
			return dbError(err, "创建优化任务失败")
		}
		t, err := appendTransition(ctx, q, job.ID, "", job.Status, "任务已创建")
		if err != nil {
			return err
		}
		job.History = []model.JobTransition{t}
		return nil
	})
}

// GetJob 获取任务及迁移历史
func (r *JobRepository) GetJob(ctx context.Context, id uuid.UUID) (*model.OptimizationJob, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx, jobColumns+` WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "优化任务", id)
	}
	if job.History, err = r.ListTransitions(ctx, id); err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs 列出任务，新建在前
func (r *JobRepository) ListJobs(ctx context.Context, filter ListFilter) ([]*model.OptimizationJob, error) {
	query := jobColumns
	var args []interface{}
	argNum := 1
	if filter.PeriodID != nil {
		query += fmt.Sprintf(" WHERE period_id = $%d", argNum)
		args = append(args, *filter.PeriodID)
		argNum++
	}
	if filter.Status != "" {
		if argNum == 1 {
			query += " WHERE "
		} else {
			query += " AND "
		}
		query += fmt.Sprintf("status = $%d", argNum)
		args = append(args, filter.Status)
		argNum++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, filter.limit(), filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError(err, "查询优化任务失败")
	}
	defer rows.Close()

	var out []*model.OptimizationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描优化任务失败: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ListTransitions 按顺序列出迁移记录
func (r *JobRepository) ListTransitions(ctx context.Context, jobID uuid.UUID) ([]model.JobTransition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, from_status, to_status, message, at FROM job_transitions WHERE job_id = $1 ORDER BY seq
	`, jobID)
	if err != nil {
		return nil, dbError(err, "查询任务迁移记录失败")
	}
	defer rows.Close()

	var out []model.JobTransition
	for rows.Next() {
		var t model.JobTransition
		if err := rows.Scan(&t.Seq, &t.From, &t.To, &t.Message, &t.At); err != nil {
			return nil, fmt.Errorf("扫描任务迁移记录失败: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TransitionJob 将任务从 from 迁移到 job.Status，同时写入任务的可变字段。
// 状态已变化时返回 CONFLICT_STATE；进入 persisting 要求未请求取消
func (r *JobRepository) TransitionJob(ctx context.Context, job *model.OptimizationJob, from model.JobStatus, message string) error {
	return withTx(ctx, r.db, func(q DB) error {
		return transitionJob(ctx, q, job, from, message)
	})
}

func transitionJob(ctx context.Context, q DB, job *model.OptimizationJob, from model.JobStatus, message string) error {
	if from.IsTerminal() {
		return apperrors.Newf(apperrors.CodeConflictState, "任务已处于终态 %s", from)
	}
	job.UpdatedAt = now()
	compile, err := jsonText(job.CompileReport)
	if err != nil {
		return err
	}
	solve, err := jsonText(job.SolveReport)
	if err != nil {
		return err
	}
	errJSON, err := jsonText(job.Error)
	if err != nil {
		return err
	}

	query := `
		UPDATE optimization_jobs SET
			status = $3, progress = $4, compile_report = $5, solve_report = $6,
			result_version_id = $7, error = $8, message = $9,
			started_at = $10, finished_at = $11, updated_at = $12
		WHERE id = $1 AND status = $2
	`
	if job.Status == model.JobPersisting {
		query += ` AND cancel_requested = $13`
	}
	args := []interface{}{
		job.ID, from, job.Status, job.Progress, compile, solve,
		nullUUID(job.ResultVersionID), errJSON, job.Message,
		nullTime(job.StartedAt), nullTime(job.FinishedAt), job.UpdatedAt,
	}
	if job.Status == model.JobPersisting {
		args = append(args, false)
	}
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return dbError(err, "更新任务状态失败")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return stateConflict(ctx, q, job.ID, from, job.Status)
	}

	t, err := appendTransition(ctx, q, job.ID, from, job.Status, message)
	if err != nil {
		return err
	}
	job.History = append(job.History, t)
	return nil
}

// stateConflict 说明 CAS 失败的原因
func stateConflict(ctx context.Context, q DB, id uuid.UUID, from, to model.JobStatus) error {
	var current model.JobStatus
	var cancel bool
	err := q.QueryRowContext(ctx, `SELECT status, cancel_requested FROM optimization_jobs WHERE id = $1`, id).Scan(&current, &cancel)
	if err != nil {
		return notFound(err, "优化任务", id)
	}
	e := apperrors.Newf(apperrors.CodeConflictState, "任务状态为 %s，无法从 %s 迁移到 %s", current, from, to).
		WithField("status", string(current))
	if current == from && cancel {
		e.Message = "任务已请求取消"
		e.WithField("cancel_requested", true)
	}
	return e
}

func appendTransition(ctx context.Context, q DB, jobID uuid.UUID, from, to model.JobStatus, message string) (model.JobTransition, error) {
	t := model.JobTransition{From: from, To: to, Message: message, At: now()}
	if err := q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM job_transitions WHERE job_id = $1
	`, jobID).Scan(&t.Seq); err != nil {
		return t, dbError(err, "查询迁移序号失败")
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO job_transitions (job_id, seq, from_status, to_status, message, at) VALUES ($1, $2, $3, $4, $5, $6)
	`, jobID, t.Seq, t.From, t.To, t.Message, t.At); err != nil {
		return t, dbError(err, "写入迁移记录失败")
	}
	return t, nil
}

// UpdateJobProgress 更新进度，只增不减，终态后不再变化
func (r *JobRepository) UpdateJobProgress(ctx context.Context, id uuid.UUID, progress int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE optimization_jobs SET progress = $2, updated_at = $3
		WHERE id = $1 AND progress < $2 AND status IN ($4, $5, $6, $7)
	`, id, progress, now(), model.JobQueued, model.JobCompiling, model.JobSolving, model.JobPersisting)
	return dbError(err, "更新任务进度失败")
}

// RequestCancel 标记取消请求，仅对尚未开始落库的任务生效。返回标记后的当前状态
func (r *JobRepository) RequestCancel(ctx context.Context, id uuid.UUID) (model.JobStatus, bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE optimization_jobs SET cancel_requested = $2, updated_at = $3
		WHERE id = $1 AND status IN ($4, $5, $6)
	`, id, true, now(), model.JobQueued, model.JobCompiling, model.JobSolving)
	if err != nil {
		return "", false, dbError(err, "标记取消失败")
	}
	marked, _ := result.RowsAffected()

	var status model.JobStatus
	if err := r.db.QueryRowContext(ctx, `SELECT status FROM optimization_jobs WHERE id = $1`, id).Scan(&status); err != nil {
		return "", false, notFound(err, "优化任务", id)
	}
	return status, marked > 0, nil
}

// CancelRequested 是否已请求取消
func (r *JobRepository) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var cancel bool
	if err := r.db.QueryRowContext(ctx, `SELECT cancel_requested FROM optimization_jobs WHERE id = $1`, id).Scan(&cancel); err != nil {
		return false, notFound(err, "优化任务", id)
	}
	return cancel, nil
}

func scanJob(s Scanner) (*model.OptimizationJob, error) {
	job := &model.OptimizationJob{}
	var baseVersion, resultVersion uuid.NullUUID
	var options, compile, solve, errJSON []byte
	var started, finished, applied sql.NullTime
	if err := s.Scan(&job.ID, &job.PeriodID, &job.BundleID, &baseVersion, &job.Status, &job.Progress, &options,
		&compile, &solve, &resultVersion, &errJSON, &job.Message,
		&started, &finished, &applied, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.BaseVersionID = uuidPtr(baseVersion)
	job.ResultVersionID = uuidPtr(resultVersion)
	job.StartedAt = timePtr(started)
	job.FinishedAt = timePtr(finished)
	job.AppliedAt = timePtr(applied)

	if err := decodeJSON(options, &job.Options); err != nil {
		return nil, err
	}
	var err error
	if job.CompileReport, err = decodeMap(compile); err != nil {
		return nil, err
	}
	if job.SolveReport, err = decodeMap(solve); err != nil {
		return nil, err
	}
	if job.Error, err = decodeMap(errJSON); err != nil {
		return nil, err
	}
	return job, nil
}
