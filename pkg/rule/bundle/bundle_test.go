package bundle

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/google/uuid"

	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/model"
	"github.com/paiban/nursesched/pkg/rule/dsl"
)

type fakeSource struct {
	rules    map[uuid.UUID]*model.Rule
	versions map[uuid.UUID]*model.RuleVersion
	links    map[uuid.UUID][]model.TemplateRuleLink
	active   map[uuid.UUID]*model.RuleBundle
	order    []uuid.UUID
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		rules:    make(map[uuid.UUID]*model.Rule),
		versions: make(map[uuid.UUID]*model.RuleVersion),
		links:    make(map[uuid.UUID][]model.TemplateRuleLink),
		active:   make(map[uuid.UUID]*model.RuleBundle),
	}
}

func (f *fakeSource) addRule(scope model.ScopeType, scopeID string, cat model.Category, priority int, text string) *model.Rule {
	r := &model.Rule{BaseModel: model.NewBaseModel(), Title: "r", ScopeType: scope, ScopeID: scopeID, Category: cat, Priority: priority, Enabled: true}
	f.rules[r.ID] = r
	f.order = append(f.order, r.ID)
	f.addVersion(r, text)
	return r
}

func (f *fakeSource) addVersion(r *model.Rule, text string) *model.RuleVersion {
	v := &model.RuleVersion{BaseModel: model.NewBaseModel(), RuleID: r.ID, DSLText: text, DSLHash: dsl.Hash(text)}
	f.versions[v.ID] = v
	r.CurrentVersionID = &v.ID
	return v
}

func (f *fakeSource) ListRules(_ context.Context, filter RuleFilter) ([]*model.Rule, error) {
	var out []*model.Rule
	for _, id := range f.order {
		r := f.rules[id]
		if filter.ScopeType != "" && r.ScopeType != filter.ScopeType {
			continue
		}
		if filter.ScopeID != "" && r.ScopeID != filter.ScopeID {
			continue
		}
		if filter.Category != "" && r.Category != filter.Category {
			continue
		}
		if filter.Enabled != nil && r.Enabled != *filter.Enabled {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeSource) GetRule(_ context.Context, id uuid.UUID) (*model.Rule, error) {
	r, ok := f.rules[id]
	if !ok {
		return nil, apperrors.NotFound("rule", id.String())
	}
	return r, nil
}

func (f *fakeSource) GetRuleVersion(_ context.Context, id uuid.UUID) (*model.RuleVersion, error) {
	v, ok := f.versions[id]
	if !ok {
		return nil, apperrors.NotFound("rule_version", id.String())
	}
	return v, nil
}

func (f *fakeSource) ListTemplateLinks(_ context.Context, templateID uuid.UUID) ([]model.TemplateRuleLink, error) {
	return f.links[templateID], nil
}

func (f *fakeSource) GetActiveBundle(_ context.Context, periodID uuid.UUID) (*model.RuleBundle, error) {
	return f.active[periodID], nil
}

const lawMaxDays6 = `dsl_version: "1.0"
id: LAW-1
name: 连续上班上限
scope: {type: GLOBAL}
category: HARD
priority: 100
enabled: true
constraints:
  - {name: max_consecutive_work_days, params: {max_days: 6}}
`

const hospMaxDays5 = `dsl_version: "1.0"
id: H-1
name: 院内连续上班上限
scope: {type: HOSPITAL, id: H1}
category: HARD
priority: 50
enabled: true
constraints:
  - {name: max_consecutive_work_days, params: {max_days: 5}}
`

const tplMaxDays7 = `dsl_version: "1.0"
id: T-1
name: 放宽
scope: {type: DEPARTMENT, id: ICU}
category: HARD
priority: 10
enabled: true
constraints:
  - {name: max_consecutive_work_days, params: {max_days: 7}}
`

const softBalance = `dsl_version: "1.0"
id: S-1
name: 夜班平衡
scope: {type: DEPARTMENT, id: ICU}
category: SOFT
priority: 10
enabled: true
objectives:
  - {name: balance_shift_count, weight: 5, params: {shift_codes: [N]}}
`

const nurseBalance = `dsl_version: "1.0"
id: P-1
name: 个人夜班平衡
scope: {type: NURSE, id: S01}
category: PREFERENCE
priority: 10
enabled: true
objectives:
  - {name: balance_shift_count, weight: 9, params: {shift_codes: [N]}}
`

func testPeriod() *model.SchedulePeriod {
	return &model.SchedulePeriod{
		BaseModel:      model.NewBaseModel(),
		Name:           "2026-03",
		DepartmentCode: "ICU",
		DateRange:      model.DateRange{StartDate: "2026-03-01", EndDate: "2026-03-07"},
	}
}

func TestAssemble_Layers(t *testing.T) {
	src := newFakeSource()
	law := src.addRule(model.ScopeGlobal, "", model.CategoryHard, 100, lawMaxDays6)
	hosp := src.addRule(model.ScopeHospital, "H1", model.CategoryHard, 50, hospMaxDays5)
	soft := src.addRule(model.ScopeDepartment, "ICU", model.CategorySoft, 10, softBalance)
	tplID := uuid.New()
	src.links[tplID] = []model.TemplateRuleLink{{TemplateID: tplID, RuleID: soft.ID, Included: true}}

	res, err := NewAssembler(src, nil).Assemble(context.Background(), testPeriod(), Selection{
		HospitalID: "H1",
		TemplateID: &tplID,
	})
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	b := res.Bundle
	if len(b.Items) != 3 {
		t.Fatalf("len(Items) = %d, expected 3", len(b.Items))
	}
	expected := []uuid.UUID{law.ID, hosp.ID, soft.ID}
	for i, it := range b.Items {
		if it.RuleID != expected[i] {
			t.Errorf("Items[%d].RuleID = %s, expected %s", i, it.RuleID, expected[i])
		}
		if it.Seq != i+1 {
			t.Errorf("Items[%d].Seq = %d", i, it.Seq)
		}
		if it.BundleID != b.ID {
			t.Errorf("Items[%d].BundleID 未设置", i)
		}
	}
	if b.ContentHash == "" {
		t.Error("ContentHash 为空")
	}
	if b.ValidationStatus != model.ValidationPass {
		t.Errorf("ValidationStatus = %s, expected PASS", b.ValidationStatus)
	}
}

func TestAssemble_Selection(t *testing.T) {
	src := newFakeSource()
	law := src.addRule(model.ScopeGlobal, "", model.CategoryHard, 100, lawMaxDays6)
	other := src.addRule(model.ScopeGlobal, "", model.CategoryHard, 90, lawMaxDays6)

	tests := []struct {
		name     string
		sel      Selection
		expected int
	}{
		{"全部选择", Selection{}, 2},
		{"排除一条", Selection{Law: LayerSelection{Exclude: []uuid.UUID{other.ID}}}, 1},
		{"仅包含一条", Selection{Law: LayerSelection{Include: []uuid.UUID{law.ID}}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := NewAssembler(src, nil).Assemble(context.Background(), testPeriod(), tt.sel)
			if err != nil {
				t.Fatalf("Assemble() error = %v", err)
			}
			if len(res.Bundle.Items) != tt.expected {
				t.Errorf("len(Items) = %d, expected %d", len(res.Bundle.Items), tt.expected)
			}
		})
	}
}

func TestAssemble_Empty(t *testing.T) {
	src := newFakeSource()
	_, err := NewAssembler(src, nil).Assemble(context.Background(), testPeriod(), Selection{})
	if !apperrors.Is(err, apperrors.CodeValidation) {
		t.Fatalf("err = %v, expected VALIDATION", err)
	}
}

func TestAssemble_TemplateOverrides(t *testing.T) {
	src := newFakeSource()
	soft := src.addRule(model.ScopeDepartment, "ICU", model.CategorySoft, 10, softBalance)
	tplID := uuid.New()
	prio, off := 77, false
	src.links[tplID] = []model.TemplateRuleLink{{
		TemplateID: tplID, RuleID: soft.ID, Included: true,
		Overrides: &model.LinkOverrides{Priority: &prio, Enabled: &off},
	}}

	res, err := NewAssembler(src, nil).Assemble(context.Background(), testPeriod(), Selection{TemplateID: &tplID})
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	it := res.Bundle.Items[0]
	if it.PriorityAtTime != 77 || it.EnabledAtTime {
		t.Errorf("item = priority %d enabled %v, expected 77 false", it.PriorityAtTime, it.EnabledAtTime)
	}
	// 规则本身不受冻结覆盖影响
	if soft.Priority != 10 || !soft.Enabled {
		t.Error("模板覆盖不应修改规则")
	}
}

func TestAssemble_DisabledDocument(t *testing.T) {
	src := newFakeSource()
	text := strings.Replace(softBalance, "enabled: true", "enabled: false", 1)
	r := src.addRule(model.ScopeDepartment, "ICU", model.CategorySoft, 10, text)
	on := true

	tests := []struct {
		name     string
		link     model.TemplateRuleLink
		expected bool
	}{
		{"按文档停用", model.TemplateRuleLink{RuleID: r.ID, Included: true}, false},
		{"模板链接强制启用", model.TemplateRuleLink{RuleID: r.ID, Included: true, Overrides: &model.LinkOverrides{Enabled: &on}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tplID := uuid.New()
			tt.link.TemplateID = tplID
			src.links[tplID] = []model.TemplateRuleLink{tt.link}
			res, err := NewAssembler(src, nil).Assemble(context.Background(), testPeriod(), Selection{TemplateID: &tplID})
			if err != nil {
				t.Fatalf("Assemble() error = %v", err)
			}
			if got := res.Bundle.Items[0].EnabledAtTime; got != tt.expected {
				t.Errorf("EnabledAtTime = %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestAssemble_HardLoosening(t *testing.T) {
	src := newFakeSource()
	src.addRule(model.ScopeGlobal, "", model.CategoryHard, 100, lawMaxDays6)
	loose := src.addRule(model.ScopeDepartment, "ICU", model.CategoryHard, 10, tplMaxDays7)
	tplID := uuid.New()
	src.links[tplID] = []model.TemplateRuleLink{{TemplateID: tplID, RuleID: loose.ID, Included: true}}

	_, err := NewAssembler(src, nil).Assemble(context.Background(), testPeriod(), Selection{TemplateID: &tplID})
	if !apperrors.Is(err, apperrors.CodeRuleConflictHard) {
		t.Fatalf("err = %v, expected RULE_CONFLICT_HARD", err)
	}
}

func TestAssemble_HardTightening(t *testing.T) {
	src := newFakeSource()
	src.addRule(model.ScopeGlobal, "", model.CategoryHard, 100, lawMaxDays6)
	src.addRule(model.ScopeHospital, "H1", model.CategoryHard, 50, hospMaxDays5)

	if _, err := NewAssembler(src, nil).Assemble(context.Background(), testPeriod(), Selection{HospitalID: "H1"}); err != nil {
		t.Fatalf("收紧不应报错: %v", err)
	}
}

func TestAssemble_NursePref(t *testing.T) {
	src := newFakeSource()
	soft := src.addRule(model.ScopeDepartment, "ICU", model.CategorySoft, 10, softBalance)
	pref := src.addRule(model.ScopeNurse, "S01", model.CategoryPreference, 10, nurseBalance)
	oldVersion := *pref.CurrentVersionID
	newVersion := src.addVersion(pref, nurseBalance+"notes: v2\n")

	prevPeriod := uuid.New()
	src.active[prevPeriod] = &model.RuleBundle{
		BaseModel: model.NewBaseModel(),
		PeriodID:  prevPeriod,
		Items: []model.BundleItem{
			{Layer: model.LayerNursePref, RuleID: pref.ID, RuleVersionID: oldVersion, Category: model.CategoryPreference, PriorityAtTime: 10, EnabledAtTime: true},
		},
	}
	tplID := uuid.New()
	src.links[tplID] = []model.TemplateRuleLink{{TemplateID: tplID, RuleID: soft.ID, Included: true}}

	tests := []struct {
		name     string
		mode     CloneMode
		expected uuid.UUID
	}{
		{"原样复制", CloneAsIs, oldVersion},
		{"复制最新版本", CloneLatestVersion, newVersion.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := NewAssembler(src, nil).Assemble(context.Background(), testPeriod(), Selection{
				TemplateID: &tplID,
				NursePref:  &NursePrefSelection{SourcePeriodID: prevPeriod, Mode: tt.mode},
			})
			if err != nil {
				t.Fatalf("Assemble() error = %v", err)
			}
			items := res.Bundle.Items
			if len(items) != 2 {
				t.Fatalf("len(Items) = %d, expected 2", len(items))
			}
			last := items[1]
			if last.Layer != model.LayerNursePref || last.RuleVersionID != tt.expected {
				t.Errorf("nurse pref item = %s/%s, expected %s", last.Layer, last.RuleVersionID, tt.expected)
			}
			// 个人偏好只覆盖同类模板目标中本人的部分
			if len(res.Overrides) != 1 || res.Overrides[0].Overridden.RuleID != soft.ID {
				t.Fatalf("Overrides = %+v, expected template item overridden", res.Overrides)
			}
			if !items[0].EnabledAtTime {
				t.Error("被覆盖的模板条目仍应启用，其余护理人员照常适用")
			}
			expected := []model.ItemExclusion{{Item: "balance_shift_count#0", WinnerVersionID: tt.expected, WinnerItem: "balance_shift_count#0"}}
			if !reflect.DeepEqual(items[0].Exclusions, expected) {
				t.Errorf("Exclusions = %+v, expected %+v", items[0].Exclusions, expected)
			}
			if len(last.Exclusions) != 0 {
				t.Errorf("覆盖方不应有让位记录: %+v", last.Exclusions)
			}
		})
	}
}

func TestAssemble_MissingSourceBundle(t *testing.T) {
	src := newFakeSource()
	src.addRule(model.ScopeGlobal, "", model.CategoryHard, 100, lawMaxDays6)
	_, err := NewAssembler(src, nil).Assemble(context.Background(), testPeriod(), Selection{
		NursePref: &NursePrefSelection{SourcePeriodID: uuid.New(), Mode: CloneAsIs},
	})
	if !apperrors.Is(err, apperrors.CodeValidation) {
		t.Fatalf("err = %v, expected VALIDATION", err)
	}
}

func TestContentHash(t *testing.T) {
	a := model.BundleItem{Layer: model.LayerLaw, RuleID: uuid.New(), RuleVersionID: uuid.New(), DSLHash: "h1", Category: model.CategoryHard, PriorityAtTime: 100, EnabledAtTime: true}
	b := model.BundleItem{Layer: model.LayerTemplate, RuleID: uuid.New(), RuleVersionID: uuid.New(), DSLHash: "h2", Category: model.CategorySoft, PriorityAtTime: 5, EnabledAtTime: true}

	tests := []struct {
		name  string
		left  []model.BundleItem
		right []model.BundleItem
		same  bool
	}{
		{"顺序无关", []model.BundleItem{a, b}, []model.BundleItem{b, a}, true},
		{"重复无关", []model.BundleItem{a, b}, []model.BundleItem{a, b, a}, true},
		{"启用状态改变", []model.BundleItem{a, b}, []model.BundleItem{a, func() model.BundleItem { c := b; c.EnabledAtTime = false; return c }()}, false},
		{"优先级改变", []model.BundleItem{a}, []model.BundleItem{func() model.BundleItem { c := a; c.PriorityAtTime = 1; return c }()}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ContentHash(tt.left) == ContentHash(tt.right)
			if got != tt.same {
				t.Errorf("hash equal = %v, expected %v", got, tt.same)
			}
		})
	}
}
