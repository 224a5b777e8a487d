package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/model"
)

// PeriodRepository 排班周期、需求与锁定格
type PeriodRepository struct {
	db DB
}

// NewPeriodRepository 创建周期仓储
func NewPeriodRepository(db DB) *PeriodRepository {
	return &PeriodRepository{db: db}
}

const periodColumns = `
	SELECT id, name, hospital_id, department_code, start_date, end_date,
		active_rule_bundle_id, published_version_id, created_at, updated_at
	FROM schedule_periods`

// CreatePeriod 创建排班周期
func (r *PeriodRepository) CreatePeriod(ctx context.Context, p *model.SchedulePeriod) error {
	if err := p.DateRange.Validate(); err != nil {
		return apperrors.Validation(err.Error())
	}
	touch(&p.BaseModel)
	query := `
		INSERT INTO schedule_periods (
			id, name, hospital_id, department_code, start_date, end_date,
			active_rule_bundle_id, published_version_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.Name, nullUUID(p.HospitalID), p.DepartmentCode, p.DateRange.StartDate, p.DateRange.EndDate,
		nullUUID(p.ActiveBundleID), nullUUID(p.PublishedVersionID), p.CreatedAt, p.UpdatedAt,
	)
	return dbError(err, "创建排班周期失败")
}

// GetPeriod 根据ID获取周期
func (r *PeriodRepository) GetPeriod(ctx context.Context, id uuid.UUID) (*model.SchedulePeriod, error) {
	return getPeriod(ctx, r.db, id)
}

func getPeriod(ctx context.Context, q DB, id uuid.UUID) (*model.SchedulePeriod, error) {
	p, err := scanPeriod(q.QueryRowContext(ctx, periodColumns+` WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "排班周期", id)
	}
	return p, nil
}

// ListPeriods 列出周期，新建在前
func (r *PeriodRepository) ListPeriods(ctx context.Context, filter ListFilter) ([]*model.SchedulePeriod, error) {
	rows, err := r.db.QueryContext(ctx, periodColumns+`
		ORDER BY start_date DESC, created_at DESC LIMIT $1 OFFSET $2
	`, filter.limit(), filter.Offset)
	if err != nil {
		return nil, dbError(err, "查询排班周期失败")
	}
	defer rows.Close()

	var out []*model.SchedulePeriod
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描排班周期失败: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPeriod(s Scanner) (*model.SchedulePeriod, error) {
	p := &model.SchedulePeriod{}
	var hospital, active, published uuid.NullUUID
	if err := s.Scan(&p.ID, &p.Name, &hospital, &p.DepartmentCode, &p.DateRange.StartDate, &p.DateRange.EndDate,
		&active, &published, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.HospitalID = uuidPtr(hospital)
	p.ActiveBundleID = uuidPtr(active)
	p.PublishedVersionID = uuidPtr(published)
	return p, nil
}

// setActiveBundle 原子更新启用中的规则包指针
func setActiveBundle(ctx context.Context, q DB, periodID, bundleID uuid.UUID) error {
	result, err := q.ExecContext(ctx, `
		UPDATE schedule_periods SET active_rule_bundle_id = $2, updated_at = $3 WHERE id = $1
	`, periodID, bundleID, now())
	if err != nil {
		return dbError(err, "更新启用规则包失败")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("排班周期", periodID.String())
	}
	return nil
}

// ReplaceDemands 整体替换周期需求表
func (r *PeriodRepository) ReplaceDemands(ctx context.Context, periodID uuid.UUID, demands []model.Demand) error {
	return withTx(ctx, r.db, func(q DB) error {
		if _, err := q.ExecContext(ctx, `DELETE FROM demands WHERE period_id = $1`, periodID); err != nil {
			return dbError(err, "清除需求失败")
		}
		for _, d := range demands {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO demands (period_id, date, shift_code, skill_code, required) VALUES ($1, $2, $3, $4, $5)
			`, periodID, d.Date, d.ShiftCode, d.SkillCode, d.Required); err != nil {
				return dbError(err, "写入需求失败")
			}
		}
		return nil
	})
}

// ListDemands 列出周期需求
func (r *PeriodRepository) ListDemands(ctx context.Context, periodID uuid.UUID) ([]model.Demand, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT date, shift_code, required, skill_code FROM demands
		WHERE period_id = $1 ORDER BY date, shift_code, skill_code
	`, periodID)
	if err != nil {
		return nil, dbError(err, "查询需求失败")
	}
	defer rows.Close()

	var out []model.Demand
	for rows.Next() {
		var d model.Demand
		if err := rows.Scan(&d.Date, &d.ShiftCode, &d.Required, &d.SkillCode); err != nil {
			return nil, fmt.Errorf("扫描需求失败: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ReplaceLocks 整体替换周期锁定格
func (r *PeriodRepository) ReplaceLocks(ctx context.Context, periodID uuid.UUID, locks []model.Lock) error {
	return withTx(ctx, r.db, func(q DB) error {
		if _, err := q.ExecContext(ctx, `DELETE FROM locks WHERE period_id = $1`, periodID); err != nil {
			return dbError(err, "清除锁定失败")
		}
		for _, l := range locks {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO locks (period_id, nurse_id, date, shift_code) VALUES ($1, $2, $3, $4)
			`, periodID, l.NurseID, l.Date, l.ShiftCode); err != nil {
				return dbError(err, "写入锁定失败")
			}
		}
		return nil
	})
}

// ListLocks 列出周期锁定格
func (r *PeriodRepository) ListLocks(ctx context.Context, periodID uuid.UUID) ([]model.Lock, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT nurse_id, date, shift_code FROM locks WHERE period_id = $1 ORDER BY date, nurse_id
	`, periodID)
	if err != nil {
		return nil, dbError(err, "查询锁定失败")
	}
	defer rows.Close()

	var out []model.Lock
	for rows.Next() {
		var l model.Lock
		if err := rows.Scan(&l.NurseID, &l.Date, &l.ShiftCode); err != nil {
			return nil, fmt.Errorf("扫描锁定失败: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
