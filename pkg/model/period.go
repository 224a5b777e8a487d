package model

import (
	"github.com/google/uuid"
)

// SchedulePeriod 排班周期
type SchedulePeriod struct {
	BaseModel
	Name               string     `json:"name" db:"name"`
	HospitalID         *uuid.UUID `json:"hospital_id,omitempty" db:"hospital_id"`
	DepartmentCode     string     `json:"department_code" db:"department_code"`
	DateRange          DateRange  `json:"date_range"`
	ActiveBundleID     *uuid.UUID `json:"active_rule_bundle_id,omitempty" db:"active_rule_bundle_id"`
	PublishedVersionID *uuid.UUID `json:"published_version_id,omitempty" db:"published_version_id"`
}

// Demand 每日每班需求人数，SkillCode 非空时为技能配比
type Demand struct {
	Date      string `json:"date" db:"date"`
	ShiftCode string `json:"shift_code" db:"shift_code"`
	Required  int    `json:"required" db:"required"`
	SkillCode string `json:"skill_code,omitempty" db:"skill_code"`
}

// Lock 锁定格，求解器不得修改
type Lock struct {
	NurseID   uuid.UUID `json:"nurse_id" db:"nurse_id"`
	Date      string    `json:"date" db:"date"`
	ShiftCode string    `json:"shift_code" db:"shift_code"`
}

// Plan 一次求解所需的只读排班数据
type Plan struct {
	Period      *SchedulePeriod  `json:"period"`
	Nurses      []*Nurse         `json:"nurses"`
	Shifts      []*ShiftCode     `json:"shifts"`
	Departments []*Department    `json:"departments,omitempty"`
	JobLevels   []*JobLevel      `json:"job_levels,omitempty"`
	Demands     []Demand         `json:"demands,omitempty"`
	Locks       []Lock           `json:"locks,omitempty"`
	Base        *ScheduleVersion `json:"base,omitempty"`
}

// OffShift 返回休假班别
func (p *Plan) OffShift() *ShiftCode {
	for _, s := range p.Shifts {
		if s.IsOff() {
			return s
		}
	}
	return nil
}

// WorkShifts 返回上班班别
func (p *Plan) WorkShifts() []*ShiftCode {
	out := make([]*ShiftCode, 0, len(p.Shifts))
	for _, s := range p.Shifts {
		if !s.IsOff() {
			out = append(out, s)
		}
	}
	return out
}

// NightShift 返回夜班，未定义时返回 nil
func (p *Plan) NightShift() *ShiftCode {
	for _, s := range p.Shifts {
		if s.IsNight && !s.IsOff() {
			return s
		}
	}
	return nil
}

// FindNurse 按ID或工号查找
func (p *Plan) FindNurse(ref string) *Nurse {
	for _, n := range p.Nurses {
		if n.Matches(ref) {
			return n
		}
	}
	return nil
}

// FindShift 按代码查找班别
func (p *Plan) FindShift(code string) *ShiftCode {
	for _, s := range p.Shifts {
		if s.Code == code {
			return s
		}
	}
	return nil
}

// JobLevelPriority 返回职级优先级，未知职级为 0
func (p *Plan) JobLevelPriority(code string) int {
	for _, l := range p.JobLevels {
		if l.Code == code {
			return l.Priority
		}
	}
	return 0
}
