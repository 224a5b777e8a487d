// Package rulelib 规则编写与内置规则库
package rulelib

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/logger"
	"github.com/paiban/nursesched/pkg/model"
	"github.com/paiban/nursesched/pkg/rule/dsl"
	"github.com/paiban/nursesched/pkg/rule/validator"
)

// Store 规则编写依赖的持久化操作
type Store interface {
	CreateRule(ctx context.Context, rule *model.Rule) error
	GetRule(ctx context.Context, id uuid.UUID) (*model.Rule, error)
	CreateRuleVersion(ctx context.Context, v *model.RuleVersion) error
	ActivateVersion(ctx context.Context, ruleID, versionID uuid.UUID) (*model.Rule, error)

	ListShifts(ctx context.Context) ([]*model.ShiftCode, error)
	ListJobLevels(ctx context.Context) ([]*model.JobLevel, error)
	ListDepartments(ctx context.Context) ([]*model.Department, error)
}

// RuleInput 新建规则
type RuleInput struct {
	Title     string          `json:"title" validate:"required,max=200"`
	ScopeType model.ScopeType `json:"scope_type" validate:"required,oneof=GLOBAL HOSPITAL DEPARTMENT NURSE"`
	ScopeID   string          `json:"scope_id,omitempty"`
	Category  model.Category  `json:"category" validate:"required,oneof=HARD SOFT PREFERENCE"`
	Priority  int             `json:"priority" validate:"min=0"`
	Enabled   *bool           `json:"enabled,omitempty"`
}

// Author 创建规则及其版本。版本入库前完成校验、哈希与反向翻译
type Author struct {
	store Store
}

// NewAuthor 创建
func NewAuthor(store Store) *Author {
	return &Author{store: store}
}

// CreateRule 创建规则，尚无版本
func (a *Author) CreateRule(ctx context.Context, in RuleInput) (*model.Rule, error) {
	if in.ScopeType != model.ScopeGlobal && in.ScopeID == "" {
		return nil, apperrors.Validation("非 GLOBAL 范围必须提供 scope_id").WithField("scope_type", string(in.ScopeType))
	}
	enabled := in.Enabled == nil || *in.Enabled
	rule := &model.Rule{
		Title:     in.Title,
		ScopeType: in.ScopeType,
		ScopeID:   in.ScopeID,
		Category:  in.Category,
		Priority:  in.Priority,
		Enabled:   enabled,
	}
	if err := a.store.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// Master 参照完整性检查所用的主数据。人员与技能按排班周期变化，此处不检查
func (a *Author) Master(ctx context.Context) (*validator.MasterData, error) {
	shifts, err := a.store.ListShifts(ctx)
	if err != nil {
		return nil, err
	}
	levels, err := a.store.ListJobLevels(ctx)
	if err != nil {
		return nil, err
	}
	depts, err := a.store.ListDepartments(ctx)
	if err != nil {
		return nil, err
	}
	md := &validator.MasterData{
		Shifts:    make(map[string]bool, len(shifts)),
		JobLevels: make(map[string]bool, len(levels)),
		Depts:     make(map[string]bool, 2*len(depts)),
	}
	for _, s := range shifts {
		md.Shifts[s.Code] = true
	}
	for _, l := range levels {
		md.JobLevels[l.Code] = true
	}
	for _, d := range depts {
		md.Depts[d.Code] = true
		md.Depts[d.ID.String()] = true
	}
	return md, nil
}

// Check 校验文本，并核对文档与规则的类别和范围一致
func (a *Author) Check(ctx context.Context, rule *model.Rule, text string) (*validator.Report, error) {
	md, err := a.Master(ctx)
	if err != nil {
		return nil, err
	}
	report := validator.New(md).ValidateText(text)
	if doc := report.Document; doc != nil && rule != nil {
		if c := doc.EffectiveCategory(); c != "" && c != rule.Category {
			report.Issues = append(report.Issues, fmt.Sprintf("category %s 与规则类别 %s 不一致", c, rule.Category))
		}
		if st := doc.ScopeType(); st != "" && st != rule.ScopeType {
			report.Issues = append(report.Issues, fmt.Sprintf("scope.type %s 与规则范围 %s 不一致", st, rule.ScopeType))
		}
		if len(report.Issues) > 0 {
			report.Status = model.ValidationFail
		}
	}
	return report, nil
}

// AddVersion 追加版本。FAIL 的版本同样入库，但不能启用
func (a *Author) AddVersion(ctx context.Context, ruleID uuid.UUID, text, nlText string) (*model.RuleVersion, *validator.Report, error) {
	rule, err := a.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, nil, err
	}
	report, err := a.Check(ctx, rule, text)
	if err != nil {
		return nil, nil, err
	}

	v := &model.RuleVersion{
		RuleID:           rule.ID,
		NLText:           strings.TrimSpace(nlText),
		DSLText:          text,
		DSLHash:          dsl.Hash(text),
		ValidationStatus: report.Status,
		ValidationReport: report.ToMap(),
	}
	if report.Document != nil {
		v.ReverseTranslation = dsl.ToNaturalLanguage(report.Document)
	}
	if err := a.store.CreateRuleVersion(ctx, v); err != nil {
		return nil, nil, err
	}
	logger.WithContext(ctx).Info().
		Str("rule_id", rule.ID.String()).
		Int("version", v.Version).
		Str("status", string(v.ValidationStatus)).
		Msg("规则版本已创建")
	return v, report, nil
}

// Activate 启用版本
func (a *Author) Activate(ctx context.Context, ruleID, versionID uuid.UUID) (*model.Rule, error) {
	return a.store.ActivateVersion(ctx, ruleID, versionID)
}
