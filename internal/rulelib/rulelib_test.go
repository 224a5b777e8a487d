package rulelib

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/paiban/nursesched/internal/database"
	"github.com/paiban/nursesched/internal/repository"
	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/model"
	"github.com/paiban/nursesched/pkg/rule/dsl"
	"github.com/paiban/nursesched/pkg/rule/validator"
)

func newStore(t *testing.T) *repository.Store {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "rules.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	s := repository.NewStore(db)
	for _, sc := range []*model.ShiftCode{
		{Code: "D", Name: "白班", Kind: model.ShiftWork, IsActive: true},
		{Code: "N", Name: "夜班", Kind: model.ShiftWork, IsNight: true, IsActive: true},
		{Code: model.OffCode, Name: "休假", Kind: model.ShiftOff, IsActive: true},
	} {
		if err := s.CreateShift(ctx, sc); err != nil {
			t.Fatalf("CreateShift() error = %v", err)
		}
	}
	return s
}

func TestLibrary_Validates(t *testing.T) {
	o := DefaultOptions()
	o.HospitalID = uuid.NewString()
	v := validator.New(nil)
	seen := make(map[string]bool)
	for _, d := range Library() {
		t.Run(d.ID, func(t *testing.T) {
			if seen[d.ID] {
				t.Fatalf("规则编号重复: %s", d.ID)
			}
			seen[d.ID] = true
			text, err := d.Text(o)
			if err != nil {
				t.Fatalf("Text() error = %v", err)
			}
			r := v.ValidateText(text)
			if r.Status != model.ValidationPass {
				t.Errorf("内置规则应通过校验, got %s: %v %v", r.Status, r.Issues, r.Warnings)
			}
		})
	}
}

func TestLibrary_Layers(t *testing.T) {
	counts := make(map[model.Layer]int)
	names := make(map[dsl.Name]bool)
	for _, d := range Library() {
		counts[d.Layer]++
		for _, it := range d.items(DefaultOptions()) {
			names[it.Name] = true
		}
	}
	if counts[model.LayerLaw] != 3 || counts[model.LayerHospital] != 2 {
		t.Errorf("层级数量 = %v", counts)
	}
	for _, n := range []dsl.Name{
		dsl.NameMaxConsecutiveWorkDays, dsl.NameForbidTransition, dsl.NameRestAfterShift,
		dsl.NameWeekendAllOrNothing, dsl.NameMinConsecutiveOffDays,
	} {
		if !names[n] {
			t.Errorf("缺少 %s", n)
		}
	}
}

func TestDocument_Scope(t *testing.T) {
	hosp := Library()[3]
	doc := hosp.Document(Options{NightCode: "N", DayCode: "D"})
	r := validator.New(nil).Validate(doc)
	if r.Status != model.ValidationFail {
		t.Errorf("医院规则缺少医院编号应校验失败, got %s", r.Status)
	}

	law := Library()[1].Document(Options{NightCode: "NS", DayCode: "DS"})
	text, _ := dsl.Marshal(law)
	if !strings.Contains(text, "from: NS") || !strings.Contains(text, "to: DS") {
		t.Errorf("应使用自定义班别代码:\n%s", text)
	}
}

func TestSeed(t *testing.T) {
	s := newStore(t)
	a := NewAuthor(s)
	ctx := context.Background()

	tests := []struct {
		name   string
		opts   Options
		wantN  int
		wantHO int
	}{
		{"仅劳动法规", Options{}, 3, 0},
		{"含医院规则", Options{HospitalID: uuid.NewString()}, 5, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Seed(ctx, a, tt.opts)
			if err != nil {
				t.Fatalf("Seed() error = %v", err)
			}
			if len(got) != tt.wantN {
				t.Fatalf("写入 %d 条, want %d", len(got), tt.wantN)
			}
			hosp := 0
			for _, sd := range got {
				if sd.Rule.CurrentVersionID == nil || *sd.Rule.CurrentVersionID != sd.Version.ID {
					t.Errorf("%s 未启用版本", sd.Definition.ID)
				}
				if sd.Version.DSLHash != dsl.Hash(sd.Version.DSLText) {
					t.Errorf("%s 哈希不一致", sd.Definition.ID)
				}
				if sd.Version.ReverseTranslation == "" {
					t.Errorf("%s 缺少反向翻译", sd.Definition.ID)
				}
				if sd.Rule.ScopeType == model.ScopeHospital {
					hosp++
				}
			}
			if hosp != tt.wantHO {
				t.Errorf("医院规则 %d 条, want %d", hosp, tt.wantHO)
			}
		})
	}
}

func TestAuthor_AddVersion(t *testing.T) {
	s := newStore(t)
	a := NewAuthor(s)
	ctx := context.Background()

	rule, err := a.CreateRule(ctx, RuleInput{Title: "夜班上限", ScopeType: model.ScopeGlobal, Category: model.CategoryHard, Priority: 10})
	if err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}
	if !rule.Enabled {
		t.Error("未指定 enabled 时应默认启用")
	}

	doc := func(category, shift string) string {
		return "dsl_version: \"1.0\"\nid: R1\nname: 夜班上限\nscope: {type: GLOBAL}\ncategory: " + category +
			"\npriority: 10\nenabled: true\nconstraints:\n  - name: max_consecutive_shift\n    params: {shift_code: " + shift + ", max_days: 3}\n"
	}

	tests := []struct {
		name       string
		text       string
		wantStatus model.ValidationStatus
		activate   bool
	}{
		{"通过", doc("HARD", "N"), model.ValidationPass, true},
		{"未知班别", doc("HARD", "X"), model.ValidationFail, false},
		{"类别不一致", strings.Replace(doc("SOFT", "N"), "constraints", "objectives", 1), model.ValidationFail, false},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, report, err := a.AddVersion(ctx, rule.ID, tt.text, "")
			if err != nil {
				t.Fatalf("AddVersion() error = %v", err)
			}
			if v.Version != i+1 {
				t.Errorf("版本号 = %d, want %d", v.Version, i+1)
			}
			if v.ValidationStatus != tt.wantStatus || report.Status != tt.wantStatus {
				t.Errorf("状态 = %s, want %s (%v)", v.ValidationStatus, tt.wantStatus, report.Issues)
			}
			_, err = a.Activate(ctx, rule.ID, v.ID)
			if tt.activate && err != nil {
				t.Errorf("Activate() error = %v", err)
			}
			if !tt.activate && !apperrors.Is(err, apperrors.CodeRuleDSLInvalid) {
				t.Errorf("FAIL 版本不应启用, got %v", err)
			}
		})
	}

	if _, err := a.CreateRule(ctx, RuleInput{Title: "科室规则", ScopeType: model.ScopeDepartment, Category: model.CategoryHard}); !apperrors.Is(err, apperrors.CodeValidation) {
		t.Errorf("缺少 scope_id 应返回 VALIDATION, got %v", err)
	}
}
