package model

import (
	"strings"

	"github.com/google/uuid"
)

// Nurse 护理人员
type Nurse struct {
	BaseModel
	StaffNo        string   `json:"staff_no" db:"staff_no"`
	Name           string   `json:"name" db:"name"`
	DepartmentCode string   `json:"department_code" db:"department_code"`
	JobLevelCode   string   `json:"job_level_code" db:"job_level_code"`
	Skills         []string `json:"skills" db:"skills"`
	Groups         []string `json:"groups,omitempty" db:"groups"`
	IsActive       bool     `json:"is_active" db:"is_active"`
}

// HasSkill 检查是否具备技能
func (n *Nurse) HasSkill(skill string) bool {
	for _, s := range n.Skills {
		if strings.EqualFold(s, skill) {
			return true
		}
	}
	return false
}

// InGroup 检查是否属于分组
func (n *Nurse) InGroup(group string) bool {
	for _, g := range n.Groups {
		if strings.EqualFold(g, group) {
			return true
		}
	}
	return false
}

// Matches 按ID或工号匹配
func (n *Nurse) Matches(ref string) bool {
	return n.ID.String() == ref || n.StaffNo == ref
}

// Department 科别
type Department struct {
	BaseModel
	Code       string     `json:"code" db:"code"`
	Name       string     `json:"name" db:"name"`
	HospitalID *uuid.UUID `json:"hospital_id,omitempty" db:"hospital_id"`
	IsActive   bool       `json:"is_active" db:"is_active"`
}

// Matches 按ID或代码匹配
func (d *Department) Matches(ref string) bool {
	return d.ID.String() == ref || d.Code == ref
}

// JobLevel 职级，Priority 越大越资深
type JobLevel struct {
	BaseModel
	Code     string `json:"code" db:"code"`
	Name     string `json:"name" db:"name"`
	Priority int    `json:"priority" db:"priority"`
}

// SkillCode 技能代码
type SkillCode struct {
	BaseModel
	Code string `json:"code" db:"code"`
	Name string `json:"name" db:"name"`
}

// SplitCSV 解析逗号分隔的字段
func SplitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinCSV 拼接为逗号分隔
func JoinCSV(items []string) string {
	return strings.Join(items, ",")
}
