package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/model"
)

// VersionRepository 排班版本、分配与发布记录。版本写入后不再修改分配
type VersionRepository struct {
	db DB
}

// NewVersionRepository 创建版本仓储
func NewVersionRepository(db DB) *VersionRepository {
	return &VersionRepository{db: db}
}

const versionColumns = `
	SELECT id, period_id, job_id, base_version_id, bundle_id, status, objective, summary, created_at, updated_at
	FROM schedule_versions`

// CreateVersion 写入版本与全部分配
func (r *VersionRepository) CreateVersion(ctx context.Context, v *model.ScheduleVersion) error {
	return withTx(ctx, r.db, func(q DB) error {
		return insertVersion(ctx, q, v)
	})
}

func insertVersion(ctx context.Context, q DB, v *model.ScheduleVersion) error {
	touch(&v.BaseModel)
	if v.Status == "" {
		v.Status = model.VersionDraft
	}
	summary, err := jsonText(v.Summary)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO schedule_versions (
			id, period_id, job_id, base_version_id, bundle_id, status, objective, summary, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, v.ID, v.PeriodID, nullUUID(v.JobID), nullUUID(v.BaseVersionID), nullUUID(v.BundleID),
		v.Status, v.Objective, summary, v.CreatedAt, v.UpdatedAt); err != nil {
		return dbError(err, "创建排班版本失败")
	}
	for i := range v.Assignments {
		a := &v.Assignments[i]
		a.VersionID = v.ID
		if _, err := q.ExecContext(ctx, `
			INSERT INTO assignments (version_id, nurse_id, date, shift_code, locked) VALUES ($1, $2, $3, $4, $5)
		`, a.VersionID, a.NurseID, a.Date, a.ShiftCode, a.Locked); err != nil {
			return dbError(err, "写入排班分配失败")
		}
	}
	return nil
}

// GetVersion 获取版本及全部分配
func (r *VersionRepository) GetVersion(ctx context.Context, id uuid.UUID) (*model.ScheduleVersion, error) {
	return getVersion(ctx, r.db, id)
}

func getVersion(ctx context.Context, q DB, id uuid.UUID) (*model.ScheduleVersion, error) {
	v, err := scanVersion(q.QueryRowContext(ctx, versionColumns+` WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "排班版本", id)
	}
	rows, err := q.QueryContext(ctx, `
		SELECT version_id, nurse_id, date, shift_code, locked FROM assignments
		WHERE version_id = $1 ORDER BY nurse_id, date
	`, id)
	if err != nil {
		return nil, dbError(err, "查询排班分配失败")
	}
	defer rows.Close()
	for rows.Next() {
		var a model.Assignment
		if err := rows.Scan(&a.VersionID, &a.NurseID, &a.Date, &a.ShiftCode, &a.Locked); err != nil {
			return nil, fmt.Errorf("扫描排班分配失败: %w", err)
		}
		v.Assignments = append(v.Assignments, a)
	}
	return v, rows.Err()
}

// ListVersions 列出周期内的版本（不含分配），新建在前
func (r *VersionRepository) ListVersions(ctx context.Context, periodID uuid.UUID) ([]*model.ScheduleVersion, error) {
	rows, err := r.db.QueryContext(ctx, versionColumns+` WHERE period_id = $1 ORDER BY created_at DESC`, periodID)
	if err != nil {
		return nil, dbError(err, "查询排班版本失败")
	}
	defer rows.Close()

	var out []*model.ScheduleVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描排班版本失败: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CountAssignments 统计周期内全部版本的分配行数
func (r *VersionRepository) CountAssignments(ctx context.Context, periodID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM assignments a JOIN schedule_versions v ON v.id = a.version_id WHERE v.period_id = $1
	`, periodID).Scan(&n)
	if err != nil {
		return 0, dbError(err, "统计排班分配失败")
	}
	return n, nil
}

func scanVersion(s Scanner) (*model.ScheduleVersion, error) {
	v := &model.ScheduleVersion{}
	var job, base, bundleID uuid.NullUUID
	var summary []byte
	if err := s.Scan(&v.ID, &v.PeriodID, &job, &base, &bundleID, &v.Status, &v.Objective, &summary,
		&v.CreatedAt, &v.UpdatedAt); err != nil {
		return nil, err
	}
	v.JobID = uuidPtr(job)
	v.BaseVersionID = uuidPtr(base)
	v.BundleID = uuidPtr(bundleID)
	m, err := decodeMap(summary)
	if err != nil {
		return nil, err
	}
	v.Summary = m
	return v, nil
}

// ListPublications 列出周期的发布记录，最近在前
func (r *VersionRepository) ListPublications(ctx context.Context, periodID uuid.UUID) ([]*model.Publication, error) {
	rows, err := r.db.QueryContext(ctx, publicationColumns+` WHERE period_id = $1 ORDER BY published_at DESC`, periodID)
	if err != nil {
		return nil, dbError(err, "查询发布记录失败")
	}
	defer rows.Close()

	var out []*model.Publication
	for rows.Next() {
		p, err := scanPublication(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描发布记录失败: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const publicationColumns = `
	SELECT id, period_id, version_id, job_id, previous_version_id, archive_key, published_at
	FROM publications`

func scanPublication(s Scanner) (*model.Publication, error) {
	p := &model.Publication{}
	var job, previous uuid.NullUUID
	if err := s.Scan(&p.ID, &p.PeriodID, &p.VersionID, &job, &previous, &p.ArchiveKey, &p.PublishedAt); err != nil {
		return nil, err
	}
	p.JobID = uuidPtr(job)
	p.PreviousVersionID = uuidPtr(previous)
	return p, nil
}

// PublishVersion 发布版本：移动周期的发布指针并追加发布记录。
// 版本已是当前发布版本时返回已有记录，第二个返回值为 false
func (r *VersionRepository) PublishVersion(ctx context.Context, versionID uuid.UUID, jobID *uuid.UUID, archiveKey string) (*model.Publication, bool, error) {
	var pub *model.Publication
	created := false
	err := withTx(ctx, r.db, func(q DB) error {
		v, err := scanVersion(q.QueryRowContext(ctx, versionColumns+` WHERE id = $1`, versionID))
		if err != nil {
			return notFound(err, "排班版本", versionID)
		}
		period, err := getPeriod(ctx, q, v.PeriodID)
		if err != nil {
			return err
		}
		if period.PublishedVersionID != nil && *period.PublishedVersionID == versionID {
			pub, err = scanPublication(q.QueryRowContext(ctx, publicationColumns+`
				WHERE version_id = $1 ORDER BY published_at DESC LIMIT 1
			`, versionID))
			if err != nil {
				return notFound(err, "发布记录", versionID)
			}
			return nil
		}

		t := now()
		if _, err := q.ExecContext(ctx, `
			UPDATE schedule_versions SET status = $2, updated_at = $3 WHERE id = $1
		`, versionID, model.VersionPublished, t); err != nil {
			return dbError(err, "更新版本状态失败")
		}
		if _, err := q.ExecContext(ctx, `
			UPDATE schedule_periods SET published_version_id = $2, updated_at = $3 WHERE id = $1
		`, v.PeriodID, versionID, t); err != nil {
			return dbError(err, "更新发布版本失败")
		}
		pub = &model.Publication{
			ID:                uuid.New(),
			PeriodID:          v.PeriodID,
			VersionID:         versionID,
			JobID:             jobID,
			PreviousVersionID: period.PublishedVersionID,
			ArchiveKey:        archiveKey,
			PublishedAt:       t,
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO publications (id, period_id, version_id, job_id, previous_version_id, archive_key, published_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, pub.ID, pub.PeriodID, pub.VersionID, nullUUID(pub.JobID), nullUUID(pub.PreviousVersionID),
			pub.ArchiveKey, pub.PublishedAt); err != nil {
			return dbError(err, "写入发布记录失败")
		}
		if jobID != nil {
			result, err := q.ExecContext(ctx, `
				UPDATE optimization_jobs SET applied_at = $2, updated_at = $2
				WHERE id = $1 AND status = $3 AND result_version_id = $4
			`, *jobID, t, model.JobSucceeded, versionID)
			if err != nil {
				return dbError(err, "更新任务发布时间失败")
			}
			if n, _ := result.RowsAffected(); n == 0 {
				return apperrors.New(apperrors.CodeConflictState, "任务未成功或结果版本不匹配").
					WithField("job_id", jobID.String())
			}
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return pub, created, nil
}
