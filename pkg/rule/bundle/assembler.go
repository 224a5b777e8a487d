// Package bundle 按层级组装并冻结规则包
package bundle

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/logger"
	"github.com/paiban/nursesched/pkg/model"
	"github.com/paiban/nursesched/pkg/rule/dsl"
	"github.com/paiban/nursesched/pkg/rule/validator"
)

// CloneMode 个人偏好层的复制方式
type CloneMode string

const (
	CloneAsIs          CloneMode = "CLONE_AS_IS"
	CloneLatestVersion CloneMode = "CLONE_LATEST_VERSION"
)

// LayerSelection 显式包含或排除；Include 非空时只选其中的规则
type LayerSelection struct {
	Include []uuid.UUID `json:"include,omitempty"`
	Exclude []uuid.UUID `json:"exclude,omitempty"`
}

func (s LayerSelection) accept(id uuid.UUID) bool {
	for _, x := range s.Exclude {
		if x == id {
			return false
		}
	}
	if len(s.Include) == 0 {
		return true
	}
	for _, x := range s.Include {
		if x == id {
			return true
		}
	}
	return false
}

// NursePrefSelection 从指定周期复制个人偏好
type NursePrefSelection struct {
	SourcePeriodID uuid.UUID      `json:"source_period_id"`
	Mode           CloneMode      `json:"mode"`
	Selection      LayerSelection `json:"selection"`
}

// Selection 各层选择
type Selection struct {
	Name       string              `json:"name,omitempty"`
	Law        LayerSelection      `json:"law"`
	HospitalID string              `json:"hospital_id,omitempty"`
	Hospital   LayerSelection      `json:"hospital"`
	TemplateID *uuid.UUID          `json:"template_id,omitempty"`
	Template   LayerSelection      `json:"template"`
	NursePref  *NursePrefSelection `json:"nurse_pref,omitempty"`
}

// RuleFilter 规则查询条件
type RuleFilter struct {
	ScopeType model.ScopeType
	ScopeID   string
	Category  model.Category
	Enabled   *bool
}

// Source 组装所需的只读数据
type Source interface {
	ListRules(ctx context.Context, filter RuleFilter) ([]*model.Rule, error)
	GetRule(ctx context.Context, id uuid.UUID) (*model.Rule, error)
	GetRuleVersion(ctx context.Context, id uuid.UUID) (*model.RuleVersion, error)
	ListTemplateLinks(ctx context.Context, templateID uuid.UUID) ([]model.TemplateRuleLink, error)
	GetActiveBundle(ctx context.Context, periodID uuid.UUID) (*model.RuleBundle, error)
}

// Result 组装结果
type Result struct {
	Bundle    *model.RuleBundle
	Reports   map[uuid.UUID]*validator.Report
	Overrides []Override
}

// Assembler 规则包组装器
type Assembler struct {
	source    Source
	validator *validator.Validator
}

// NewAssembler 创建组装器
func NewAssembler(source Source, v *validator.Validator) *Assembler {
	if v == nil {
		v = validator.New(nil)
	}
	return &Assembler{source: source, validator: v}
}

type candidate struct {
	layer    model.Layer
	rule     *model.Rule
	version  *model.RuleVersion
	priority int
	enabled  bool
	pinned   bool // 启用状态由模板链接或来源规则包显式给出，不再参考 DSL 的 enabled
}

// Assemble 选择、冻结、校验并计算哈希
func (a *Assembler) Assemble(ctx context.Context, period *model.SchedulePeriod, sel Selection) (*Result, error) {
	var candidates []candidate

	law, err := a.selectScoped(ctx, model.LayerLaw, model.ScopeGlobal, "", sel.Law)
	if err != nil {
		return nil, err
	}
	candidates = append(candidates, law...)

	hospitalID := sel.HospitalID
	if hospitalID == "" && period.HospitalID != nil {
		hospitalID = period.HospitalID.String()
	}
	if hospitalID != "" {
		hosp, err := a.selectScoped(ctx, model.LayerHospital, model.ScopeHospital, hospitalID, sel.Hospital)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, hosp...)
	}

	if sel.TemplateID != nil {
		tpl, err := a.selectTemplate(ctx, *sel.TemplateID, sel.Template)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, tpl...)
	}

	if sel.NursePref != nil {
		prefs, err := a.selectNursePref(ctx, *sel.NursePref)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, prefs...)
	}

	candidates = dedupe(candidates)
	if len(candidates) == 0 {
		return nil, apperrors.Validation("规则包为空：所选层级没有任何可用规则")
	}

	b := &model.RuleBundle{
		BaseModel:    model.NewBaseModel(),
		PeriodID:     period.ID,
		Name:         sel.Name,
		SourceConfig: selectionConfig(sel),
	}
	if b.Name == "" {
		b.Name = fmt.Sprintf("%s 规则包", period.Name)
	}

	reports := make(map[uuid.UUID]*validator.Report, len(candidates))
	entries := make([]Entry, 0, len(candidates))
	for _, c := range candidates {
		hash := c.version.DSLHash
		if hash == "" {
			hash = dsl.Hash(c.version.DSLText)
		}
		b.Items = append(b.Items, model.BundleItem{
			BundleID:       b.ID,
			Layer:          c.layer,
			RuleID:         c.rule.ID,
			RuleVersionID:  c.version.ID,
			DSLHash:        hash,
			Category:       c.rule.Category,
			PriorityAtTime: c.priority,
			EnabledAtTime:  c.enabled,
		})
		report := a.validator.ValidateText(c.version.DSLText)
		reports[c.version.ID] = report
		if !c.pinned && report.Document != nil && !report.Document.IsEnabled() {
			b.Items[len(b.Items)-1].EnabledAtTime = false
		}
		entries = append(entries, Entry{Item: b.Items[len(b.Items)-1], Doc: report.Document})
	}

	overrides, err := Resolve(entries)
	if err != nil {
		return nil, err
	}
	exclusions := make(map[uuid.UUID][]model.ItemExclusion)
	for _, o := range overrides {
		exclusions[o.Overridden.RuleVersionID] = append(exclusions[o.Overridden.RuleVersionID], o.Exclusion())
	}
	for i := range b.Items {
		b.Items[i].Exclusions = exclusions[b.Items[i].RuleVersionID]
	}

	SortItems(b.Items)
	for i := range b.Items {
		b.Items[i].Seq = i + 1
	}
	b.ContentHash = ContentHash(b.Items)
	b.ValidationStatus, b.ValidationReport = aggregate(b.Items, reports, overrides)

	logger.Info().
		Str("bundle_id", b.ID.String()).
		Str("period_id", period.ID.String()).
		Int("items", len(b.Items)).
		Str("status", string(b.ValidationStatus)).
		Str("hash", b.ContentHash).
		Msg("规则包已组装")

	return &Result{Bundle: b, Reports: reports, Overrides: overrides}, nil
}

func (a *Assembler) selectScoped(ctx context.Context, layer model.Layer, scope model.ScopeType, scopeID string, sel LayerSelection) ([]candidate, error) {
	enabled := true
	rules, err := a.source.ListRules(ctx, RuleFilter{
		ScopeType: scope,
		ScopeID:   scopeID,
		Category:  model.CategoryHard,
		Enabled:   &enabled,
	})
	if err != nil {
		return nil, err
	}
	var out []candidate
	for _, r := range rules {
		if !sel.accept(r.ID) || r.CurrentVersionID == nil {
			continue
		}
		v, err := a.source.GetRuleVersion(ctx, *r.CurrentVersionID)
		if err != nil {
			return nil, err
		}
		out = append(out, candidate{layer: layer, rule: r, version: v, priority: r.Priority, enabled: r.Enabled})
	}
	return out, nil
}

func (a *Assembler) selectTemplate(ctx context.Context, templateID uuid.UUID, sel LayerSelection) ([]candidate, error) {
	links, err := a.source.ListTemplateLinks(ctx, templateID)
	if err != nil {
		return nil, err
	}
	var out []candidate
	for _, link := range links {
		if !link.Included || !sel.accept(link.RuleID) {
			continue
		}
		r, err := a.source.GetRule(ctx, link.RuleID)
		if err != nil {
			return nil, err
		}
		if r.ScopeType == model.ScopeNurse || r.CurrentVersionID == nil {
			continue
		}
		v, err := a.source.GetRuleVersion(ctx, *r.CurrentVersionID)
		if err != nil {
			return nil, err
		}
		c := candidate{layer: model.LayerTemplate, rule: r, version: v, priority: r.Priority, enabled: r.Enabled}
		if o := link.Overrides; o != nil {
			if o.Priority != nil {
				c.priority = *o.Priority
			}
			if o.Enabled != nil {
				c.enabled = *o.Enabled
				c.pinned = true
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (a *Assembler) selectNursePref(ctx context.Context, sel NursePrefSelection) ([]candidate, error) {
	src, err := a.source.GetActiveBundle(ctx, sel.SourcePeriodID)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, apperrors.Validation(fmt.Sprintf("来源周期 %s 没有启用中的规则包", sel.SourcePeriodID))
	}
	var out []candidate
	for _, it := range src.Items {
		if !sel.Selection.accept(it.RuleID) {
			continue
		}
		r, err := a.source.GetRule(ctx, it.RuleID)
		if err != nil {
			return nil, err
		}
		if r.ScopeType != model.ScopeNurse {
			continue
		}
		versionID := it.RuleVersionID
		if sel.Mode == CloneLatestVersion {
			if r.CurrentVersionID == nil {
				continue
			}
			versionID = *r.CurrentVersionID
		}
		v, err := a.source.GetRuleVersion(ctx, versionID)
		if err != nil {
			return nil, err
		}
		out = append(out, candidate{layer: model.LayerNursePref, rule: r, version: v, priority: it.PriorityAtTime, enabled: it.EnabledAtTime, pinned: true})
	}
	return out, nil
}

// dedupe 同一规则出现在多个层级时保留权威性最高的一次
func dedupe(in []candidate) []candidate {
	idx := make(map[uuid.UUID]int)
	var out []candidate
	for _, c := range in {
		if i, ok := idx[c.rule.ID]; ok {
			if c.layer.Precedence() >= out[i].layer.Precedence() {
				out[i] = c
			}
			continue
		}
		idx[c.rule.ID] = len(out)
		out = append(out, c)
	}
	return out
}

// SortItems 按层级升序、优先级降序排列
func SortItems(items []model.BundleItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Layer.Precedence() != b.Layer.Precedence() {
			return a.Layer.Precedence() < b.Layer.Precedence()
		}
		if a.PriorityAtTime != b.PriorityAtTime {
			return a.PriorityAtTime > b.PriorityAtTime
		}
		if a.RuleID != b.RuleID {
			return a.RuleID.String() < b.RuleID.String()
		}
		return a.RuleVersionID.String() < b.RuleVersionID.String()
	})
}

func aggregate(items []model.BundleItem, reports map[uuid.UUID]*validator.Report, overrides []Override) (model.ValidationStatus, model.JSONMap) {
	status := model.ValidationPass
	itemReports := make([]model.JSONMap, 0, len(items))
	for _, it := range items {
		r := reports[it.RuleVersionID]
		if r == nil {
			continue
		}
		switch {
		case r.Status == model.ValidationFail:
			status = model.ValidationFail
		case r.Status == model.ValidationWarn && status == model.ValidationPass:
			status = model.ValidationWarn
		}
		m := r.ToMap()
		m["rule_id"] = it.RuleID.String()
		m["rule_version_id"] = it.RuleVersionID.String()
		m["layer"] = string(it.Layer)
		itemReports = append(itemReports, m)
	}
	ov := make([]model.JSONMap, 0, len(overrides))
	for _, o := range overrides {
		ov = append(ov, o.ToMap())
	}
	return status, model.JSONMap{
		"status":    string(status),
		"items":     itemReports,
		"overrides": ov,
	}
}

func selectionConfig(sel Selection) model.JSONMap {
	ids := func(list []uuid.UUID) []string {
		out := make([]string, 0, len(list))
		for _, id := range list {
			out = append(out, id.String())
		}
		return out
	}
	layer := func(s LayerSelection) model.JSONMap {
		return model.JSONMap{"include": ids(s.Include), "exclude": ids(s.Exclude)}
	}
	cfg := model.JSONMap{
		"law":         layer(sel.Law),
		"hospital":    layer(sel.Hospital),
		"hospital_id": sel.HospitalID,
		"template":    layer(sel.Template),
	}
	if sel.TemplateID != nil {
		cfg["template_id"] = sel.TemplateID.String()
	}
	if sel.NursePref != nil {
		cfg["nurse_pref"] = model.JSONMap{
			"source_period_id": sel.NursePref.SourcePeriodID.String(),
			"mode":             string(sel.NursePref.Mode),
			"selection":        layer(sel.NursePref.Selection),
		}
	}
	return cfg
}
