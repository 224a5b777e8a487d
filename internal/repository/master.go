package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/paiban/nursesched/pkg/model"
)

// MasterRepository 主数据仓储：科别、职级、技能、班别与护理人员
type MasterRepository struct {
	db DB
}

// NewMasterRepository 创建主数据仓储
func NewMasterRepository(db DB) *MasterRepository {
	return &MasterRepository{db: db}
}

func touch(b *model.BaseModel) {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	t := now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = t
	}
	b.UpdatedAt = t
}

// CreateDepartment 创建科别
func (r *MasterRepository) CreateDepartment(ctx context.Context, d *model.Department) error {
	touch(&d.BaseModel)
	query := `
		INSERT INTO departments (id, code, name, hospital_id, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query, d.ID, d.Code, d.Name, nullUUID(d.HospitalID), d.IsActive, d.CreatedAt, d.UpdatedAt)
	return dbError(err, "创建科别失败")
}

// ListDepartments 列出科别
func (r *MasterRepository) ListDepartments(ctx context.Context) ([]*model.Department, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, code, name, hospital_id, is_active, created_at, updated_at
		FROM departments ORDER BY code
	`)
	if err != nil {
		return nil, dbError(err, "查询科别失败")
	}
	defer rows.Close()

	var out []*model.Department
	for rows.Next() {
		d := &model.Department{}
		var hospital uuid.NullUUID
		if err := rows.Scan(&d.ID, &d.Code, &d.Name, &hospital, &d.IsActive, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("扫描科别失败: %w", err)
		}
		d.HospitalID = uuidPtr(hospital)
		out = append(out, d)
	}
	return out, rows.Err()
}

// CreateJobLevel 创建职级
func (r *MasterRepository) CreateJobLevel(ctx context.Context, l *model.JobLevel) error {
	touch(&l.BaseModel)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO job_levels (id, code, name, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, l.ID, l.Code, l.Name, l.Priority, l.CreatedAt, l.UpdatedAt)
	return dbError(err, "创建职级失败")
}

// ListJobLevels 列出职级，资深在前
func (r *MasterRepository) ListJobLevels(ctx context.Context) ([]*model.JobLevel, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, code, name, priority, created_at, updated_at
		FROM job_levels ORDER BY priority DESC, code
	`)
	if err != nil {
		return nil, dbError(err, "查询职级失败")
	}
	defer rows.Close()

	var out []*model.JobLevel
	for rows.Next() {
		l := &model.JobLevel{}
		if err := rows.Scan(&l.ID, &l.Code, &l.Name, &l.Priority, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("扫描职级失败: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CreateSkill 创建技能代码
func (r *MasterRepository) CreateSkill(ctx context.Context, s *model.SkillCode) error {
	touch(&s.BaseModel)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO skills (id, code, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, s.ID, s.Code, s.Name, s.CreatedAt, s.UpdatedAt)
	return dbError(err, "创建技能失败")
}

// CreateShift 创建班别
func (r *MasterRepository) CreateShift(ctx context.Context, s *model.ShiftCode) error {
	touch(&s.BaseModel)
	query := `
		INSERT INTO shift_codes (id, code, name, start_time, end_time, kind, is_night, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.Code, s.Name, s.StartTime, s.EndTime, s.Kind, s.IsNight, s.IsActive, s.CreatedAt, s.UpdatedAt,
	)
	return dbError(err, "创建班别失败")
}

// ListShifts 列出启用的班别
func (r *MasterRepository) ListShifts(ctx context.Context) ([]*model.ShiftCode, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, code, name, start_time, end_time, kind, is_night, is_active, created_at, updated_at
		FROM shift_codes WHERE is_active = $1 ORDER BY code
	`, true)
	if err != nil {
		return nil, dbError(err, "查询班别失败")
	}
	defer rows.Close()

	var out []*model.ShiftCode
	for rows.Next() {
		s := &model.ShiftCode{}
		if err := rows.Scan(&s.ID, &s.Code, &s.Name, &s.StartTime, &s.EndTime, &s.Kind, &s.IsNight, &s.IsActive, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("扫描班别失败: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CreateNurse 创建护理人员
func (r *MasterRepository) CreateNurse(ctx context.Context, n *model.Nurse) error {
	touch(&n.BaseModel)
	query := `
		INSERT INTO nurses (id, staff_no, name, department_code, job_level_code, skills, group_codes, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		n.ID, n.StaffNo, n.Name, n.DepartmentCode, n.JobLevelCode,
		model.JoinCSV(n.Skills), model.JoinCSV(n.Groups), n.IsActive, n.CreatedAt, n.UpdatedAt,
	)
	return dbError(err, "创建护理人员失败")
}

// GetNurse 根据ID获取护理人员
func (r *MasterRepository) GetNurse(ctx context.Context, id uuid.UUID) (*model.Nurse, error) {
	row := r.db.QueryRowContext(ctx, nurseColumns+` FROM nurses WHERE id = $1`, id)
	n, err := scanNurse(row)
	if err != nil {
		return nil, notFound(err, "护理人员", id)
	}
	return n, nil
}

// ListNurses 列出科别内在职的护理人员，按工号排序
func (r *MasterRepository) ListNurses(ctx context.Context, departmentCode string) ([]*model.Nurse, error) {
	rows, err := r.db.QueryContext(ctx, nurseColumns+`
		FROM nurses WHERE department_code = $1 AND is_active = $2 ORDER BY staff_no
	`, departmentCode, true)
	if err != nil {
		return nil, dbError(err, "查询护理人员失败")
	}
	defer rows.Close()

	var out []*model.Nurse
	for rows.Next() {
		n, err := scanNurse(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描护理人员失败: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

const nurseColumns = `
	SELECT id, staff_no, name, department_code, job_level_code, skills, group_codes, is_active, created_at, updated_at`

func scanNurse(s Scanner) (*model.Nurse, error) {
	n := &model.Nurse{}
	var skills, groups string
	if err := s.Scan(&n.ID, &n.StaffNo, &n.Name, &n.DepartmentCode, &n.JobLevelCode,
		&skills, &groups, &n.IsActive, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	n.Skills = model.SplitCSV(skills)
	n.Groups = model.SplitCSV(groups)
	return n, nil
}
