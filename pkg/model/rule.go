package model

import (
	"github.com/google/uuid"
)

// ScopeType 规则作用范围
type ScopeType string

const (
	ScopeGlobal     ScopeType = "GLOBAL"
	ScopeHospital   ScopeType = "HOSPITAL"
	ScopeDepartment ScopeType = "DEPARTMENT"
	ScopeNurse      ScopeType = "NURSE"
)

// Rank 范围层级，越大越窄
func (s ScopeType) Rank() int {
	switch s {
	case ScopeHospital:
		return 1
	case ScopeDepartment:
		return 2
	case ScopeNurse:
		return 3
	default:
		return 0
	}
}

// Valid 是否为已知范围
func (s ScopeType) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeHospital, ScopeDepartment, ScopeNurse:
		return true
	}
	return false
}

// Category 规则类别
type Category string

const (
	CategoryHard       Category = "HARD"
	CategorySoft       Category = "SOFT"
	CategoryPreference Category = "PREFERENCE"
)

// Valid 是否为已知类别
func (c Category) Valid() bool {
	switch c {
	case CategoryHard, CategorySoft, CategoryPreference:
		return true
	}
	return false
}

// ValidationStatus 校验状态
type ValidationStatus string

const (
	ValidationPending ValidationStatus = "PENDING"
	ValidationPass    ValidationStatus = "PASS"
	ValidationWarn    ValidationStatus = "WARN"
	ValidationFail    ValidationStatus = "FAIL"
)

// Layer 规则包层级，按权威性升序
type Layer string

const (
	LayerLaw       Layer = "LAW"
	LayerHospital  Layer = "HOSPITAL"
	LayerTemplate  Layer = "TEMPLATE"
	LayerNursePref Layer = "NURSE_PREF"
)

// Precedence 层级顺序
func (l Layer) Precedence() int {
	switch l {
	case LayerLaw:
		return 0
	case LayerHospital:
		return 1
	case LayerTemplate:
		return 2
	case LayerNursePref:
		return 3
	default:
		return 99
	}
}

// Rule 规则
type Rule struct {
	BaseModel
	Title            string     `json:"title" db:"title"`
	ScopeType        ScopeType  `json:"scope_type" db:"scope_type"`
	ScopeID          string     `json:"scope_id,omitempty" db:"scope_id"`
	Category         Category   `json:"category" db:"category"`
	Priority         int        `json:"priority" db:"priority"`
	Enabled          bool       `json:"enabled" db:"enabled"`
	CurrentVersionID *uuid.UUID `json:"current_version_id,omitempty" db:"current_version_id"`
}

// RuleVersion 规则版本，被规则包引用后不可修改
type RuleVersion struct {
	BaseModel
	RuleID             uuid.UUID        `json:"rule_id" db:"rule_id"`
	Version            int              `json:"version" db:"version"`
	NLText             string           `json:"nl_text,omitempty" db:"nl_text"`
	DSLText            string           `json:"dsl_text" db:"dsl_text"`
	DSLHash            string           `json:"dsl_hash" db:"dsl_hash"`
	ReverseTranslation string           `json:"reverse_translation,omitempty" db:"reverse_translation"`
	ValidationStatus   ValidationStatus `json:"validation_status" db:"validation_status"`
	ValidationReport   JSONMap          `json:"validation_report,omitempty" db:"validation_report"`
}

// Template 规则模板
type Template struct {
	BaseModel
	Name           string     `json:"name" db:"name"`
	HospitalID     *uuid.UUID `json:"hospital_id,omitempty" db:"hospital_id"`
	DepartmentCode string     `json:"department_code,omitempty" db:"department_code"`
	IsActive       bool       `json:"is_active" db:"is_active"`
}

// TemplateRuleLink 模板与规则的关联
type TemplateRuleLink struct {
	TemplateID uuid.UUID      `json:"template_id" db:"template_id"`
	RuleID     uuid.UUID      `json:"rule_id" db:"rule_id"`
	Included   bool           `json:"included" db:"included"`
	Overrides  *LinkOverrides `json:"overrides,omitempty" db:"overrides"`
}

// LinkOverrides 冻结时对条目的覆盖
type LinkOverrides struct {
	Priority *int  `json:"priority,omitempty"`
	Enabled  *bool `json:"enabled,omitempty"`
}

// RuleBundle 冻结的规则快照
type RuleBundle struct {
	BaseModel
	PeriodID         uuid.UUID        `json:"period_id" db:"period_id"`
	Name             string           `json:"name" db:"name"`
	ContentHash      string           `json:"content_hash" db:"content_hash"`
	ValidationStatus ValidationStatus `json:"validation_status" db:"validation_status"`
	ValidationReport JSONMap          `json:"validation_report,omitempty" db:"validation_report"`
	SourceConfig     JSONMap          `json:"source_config,omitempty" db:"source_config"`
	Items            []BundleItem     `json:"items" db:"-"`
}

// BundleItem 规则包条目，冻结规则版本引用
type BundleItem struct {
	BundleID       uuid.UUID `json:"bundle_id" db:"bundle_id"`
	Seq            int       `json:"seq" db:"seq"`
	Layer          Layer     `json:"layer" db:"layer"`
	RuleID         uuid.UUID `json:"rule_id" db:"rule_id"`
	RuleVersionID  uuid.UUID `json:"rule_version_id" db:"rule_version_id"`
	DSLHash        string    `json:"dsl_hash" db:"dsl_hash"`
	Category       Category  `json:"category" db:"category"`
	PriorityAtTime int       `json:"priority_at_time" db:"priority_at_time"`
	EnabledAtTime  bool      `json:"enabled_at_time" db:"enabled_at_time"`

	// Exclusions 被更高层同类软条目覆盖的部分，编译时从本条目的适用人员中扣除
	Exclusions []ItemExclusion `json:"exclusions,omitempty" db:"exclusions"`
}

// ItemExclusion 条目 Item 对 WinnerVersionID 中 WinnerItem 所覆盖的护理人员让位
type ItemExclusion struct {
	Item            string    `json:"item"`
	WinnerVersionID uuid.UUID `json:"winner_version_id"`
	WinnerItem      string    `json:"winner_item"`
}

// ExclusionsFor 指定条目的让位记录
func (it *BundleItem) ExclusionsFor(item string) []ItemExclusion {
	var out []ItemExclusion
	for _, ex := range it.Exclusions {
		if ex.Item == item {
			out = append(out, ex)
		}
	}
	return out
}
