package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/paiban/nursesched/internal/database"
	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/model"
	"github.com/paiban/nursesched/pkg/rule/bundle"
)

type fixture struct {
	store   *Store
	period  *model.SchedulePeriod
	nurses  []*model.Nurse
	rule    *model.Rule
	version *model.RuleVersion
	bundle  *model.RuleBundle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	s := NewStore(db)
	f := &fixture{store: s}

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("准备数据失败: %v", err)
		}
	}
	must(s.CreateDepartment(ctx, &model.Department{Code: "ICU", Name: "重症监护", IsActive: true}))
	must(s.CreateJobLevel(ctx, &model.JobLevel{Code: "N0", Name: "新进", Priority: 0}))
	must(s.CreateJobLevel(ctx, &model.JobLevel{Code: "N3", Name: "资深", Priority: 3}))
	for _, sc := range []*model.ShiftCode{
		{Code: "D", Name: "白班", StartTime: "08:00", EndTime: "16:00", Kind: model.ShiftWork, IsActive: true},
		{Code: "N", Name: "夜班", StartTime: "00:00", EndTime: "08:00", Kind: model.ShiftWork, IsNight: true, IsActive: true},
		{Code: "OFF", Name: "休假", Kind: model.ShiftOff, IsActive: true},
	} {
		must(s.CreateShift(ctx, sc))
	}
	for i, no := range []string{"A001", "A002"} {
		n := &model.Nurse{StaffNo: no, Name: "护理师" + no, DepartmentCode: "ICU", JobLevelCode: "N3", IsActive: true}
		if i == 0 {
			n.Skills = []string{"ICU"}
		}
		must(s.CreateNurse(ctx, n))
		f.nurses = append(f.nurses, n)
	}
	must(s.CreateNurse(ctx, &model.Nurse{StaffNo: "B001", Name: "外科", DepartmentCode: "SUR", JobLevelCode: "N0", IsActive: true}))

	f.period = &model.SchedulePeriod{
		Name:           "三月第一周",
		DepartmentCode: "ICU",
		DateRange:      model.DateRange{StartDate: "2026-03-02", EndDate: "2026-03-08"},
	}
	must(s.CreatePeriod(ctx, f.period))

	f.rule = &model.Rule{Title: "连续上班上限", ScopeType: model.ScopeGlobal, Category: model.CategoryHard, Priority: 100, Enabled: true}
	must(s.CreateRule(ctx, f.rule))
	f.version = &model.RuleVersion{RuleID: f.rule.ID, DSLText: "name: x", DSLHash: "h1", ValidationStatus: model.ValidationPass}
	must(s.CreateRuleVersion(ctx, f.version))

	f.bundle = &model.RuleBundle{
		PeriodID:         f.period.ID,
		Name:             "默认",
		ContentHash:      "c1",
		ValidationStatus: model.ValidationPass,
		Items: []model.BundleItem{{
			Seq: 1, Layer: model.LayerLaw, RuleID: f.rule.ID, RuleVersionID: f.version.ID,
			DSLHash: "h1", Category: model.CategoryHard, PriorityAtTime: 100, EnabledAtTime: true,
		}},
	}
	must(s.CreateBundle(ctx, f.bundle))
	return f
}

func (f *fixture) newJob(t *testing.T) *model.OptimizationJob {
	t.Helper()
	job := &model.OptimizationJob{
		PeriodID: f.period.ID,
		BundleID: f.bundle.ID,
		Options:  model.JobOptions{Mode: model.ModeStrictHard, TimeLimitSec: 5, TimeoutPolicy: model.TimeoutFail},
	}
	if err := f.store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	return job
}

func (f *fixture) advance(t *testing.T, job *model.OptimizationJob, to ...model.JobStatus) {
	t.Helper()
	for _, s := range to {
		from := job.Status
		job.Status = s
		if err := f.store.TransitionJob(context.Background(), job, from, ""); err != nil {
			t.Fatalf("TransitionJob(%s→%s) error = %v", from, s, err)
		}
	}
}

func TestRuleVersion_Increment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v2 := &model.RuleVersion{RuleID: f.rule.ID, DSLText: "name: y", DSLHash: "h2", ValidationStatus: model.ValidationFail,
		ValidationReport: model.JSONMap{"issues": []interface{}{"缺少 priority"}}}
	if err := f.store.CreateRuleVersion(ctx, v2); err != nil {
		t.Fatalf("CreateRuleVersion() error = %v", err)
	}
	if f.version.Version != 1 || v2.Version != 2 {
		t.Errorf("版本号 = %d, %d, want 1, 2", f.version.Version, v2.Version)
	}

	if _, err := f.store.ActivateVersion(ctx, f.rule.ID, v2.ID); apperrors.GetCode(err) != apperrors.CodeRuleDSLInvalid {
		t.Errorf("启用 FAIL 版本 code = %s, want %s", apperrors.GetCode(err), apperrors.CodeRuleDSLInvalid)
	}
	rule, err := f.store.ActivateVersion(ctx, f.rule.ID, f.version.ID)
	if err != nil {
		t.Fatalf("ActivateVersion() error = %v", err)
	}
	if rule.CurrentVersionID == nil || *rule.CurrentVersionID != f.version.ID {
		t.Errorf("current_version_id = %v, want %s", rule.CurrentVersionID, f.version.ID)
	}

	versions, err := f.store.ListRuleVersions(ctx, f.rule.ID)
	if err != nil {
		t.Fatalf("ListRuleVersions() error = %v", err)
	}
	if len(versions) != 2 || versions[0].Version != 2 {
		t.Errorf("版本列表 = %d 项，首项版本 %d", len(versions), versions[0].Version)
	}
	if got := versions[0].ValidationReport["issues"]; got == nil {
		t.Error("校验报告未保存")
	}
}

func TestListRules_Filter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.CreateRule(ctx, &model.Rule{Title: "周末偏好", ScopeType: model.ScopeNurse, ScopeID: "A001",
		Category: model.CategoryPreference, Priority: 10, Enabled: false}); err != nil {
		t.Fatal(err)
	}
	enabled := true
	tests := []struct {
		name   string
		filter bundle.RuleFilter
		want   int
	}{
		{"全部", bundle.RuleFilter{}, 2},
		{"按范围", bundle.RuleFilter{ScopeType: model.ScopeNurse, ScopeID: "A001"}, 1},
		{"按类别", bundle.RuleFilter{Category: model.CategoryHard}, 1},
		{"仅启用", bundle.RuleFilter{Enabled: &enabled}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules, err := f.store.ListRules(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListRules() error = %v", err)
			}
			if len(rules) != tt.want {
				t.Errorf("ListRules() = %d 项, want %d", len(rules), tt.want)
			}
		})
	}
}

func TestTemplateLinks_Overrides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tpl := &model.Template{Name: "ICU 模板", DepartmentCode: "ICU", IsActive: true}
	if err := f.store.CreateTemplate(ctx, tpl); err != nil {
		t.Fatal(err)
	}
	priority := 5
	link := model.TemplateRuleLink{TemplateID: tpl.ID, RuleID: f.rule.ID, Included: true,
		Overrides: &model.LinkOverrides{Priority: &priority}}
	if err := f.store.LinkTemplateRule(ctx, link); err != nil {
		t.Fatalf("LinkTemplateRule() error = %v", err)
	}
	link.Included = false
	if err := f.store.LinkTemplateRule(ctx, link); err != nil {
		t.Fatalf("二次关联 error = %v", err)
	}
	links, err := f.store.ListTemplateLinks(ctx, tpl.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 || links[0].Included {
		t.Fatalf("关联 = %+v, 应覆盖为一条未包含记录", links)
	}
	if links[0].Overrides == nil || links[0].Overrides.Priority == nil || *links[0].Overrides.Priority != 5 {
		t.Errorf("覆盖项 = %+v", links[0].Overrides)
	}
}

func TestBundle_ActivePointer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	active, err := f.store.GetActiveBundle(ctx, f.period.ID)
	if err != nil || active != nil {
		t.Fatalf("未启用时 GetActiveBundle() = %v, %v", active, err)
	}
	if _, err := f.store.ActivateBundle(ctx, f.bundle.ID); err != nil {
		t.Fatalf("ActivateBundle() error = %v", err)
	}
	active, err = f.store.GetActiveBundle(ctx, f.period.ID)
	if err != nil {
		t.Fatal(err)
	}
	if active.ID != f.bundle.ID || len(active.Items) != 1 || active.Items[0].RuleVersionID != f.version.ID {
		t.Errorf("启用规则包 = %+v", active)
	}

	failed := &model.RuleBundle{PeriodID: f.period.ID, Name: "坏包", ContentHash: "c2", ValidationStatus: model.ValidationFail}
	if err := f.store.CreateBundle(ctx, failed); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.ActivateBundle(ctx, failed.ID); apperrors.GetCode(err) != apperrors.CodeRuleDSLInvalid {
		t.Errorf("启用 FAIL 规则包 code = %s", apperrors.GetCode(err))
	}
	p, _ := f.store.GetPeriod(ctx, f.period.ID)
	if p.ActiveBundleID == nil || *p.ActiveBundleID != f.bundle.ID {
		t.Error("启用失败不应移动指针")
	}
}

func TestJob_TransitionCAS(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.newJob(t)
	f.advance(t, job, model.JobCompiling)

	stale := *job
	stale.Status = model.JobSolving
	err := f.store.TransitionJob(ctx, &stale, model.JobQueued, "")
	if apperrors.GetCode(err) != apperrors.CodeConflictState {
		t.Errorf("过期状态迁移 code = %s, want %s", apperrors.GetCode(err), apperrors.CodeConflictState)
	}

	f.advance(t, job, model.JobSolving, model.JobFailed)
	job.Status = model.JobCancelled
	if err := f.store.TransitionJob(ctx, job, model.JobFailed, ""); apperrors.GetCode(err) != apperrors.CodeConflictState {
		t.Errorf("终态迁移 code = %s", apperrors.GetCode(err))
	}

	got, err := f.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.JobFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	want := []model.JobStatus{model.JobQueued, model.JobCompiling, model.JobSolving, model.JobFailed}
	if len(got.History) != len(want) {
		t.Fatalf("history = %d 项, want %d", len(got.History), len(want))
	}
	for i, h := range got.History {
		if h.Seq != i+1 || h.To != want[i] {
			t.Errorf("history[%d] = seq %d → %s, want seq %d → %s", i, h.Seq, h.To, i+1, want[i])
		}
	}
	if got.Options.TimeoutPolicy != model.TimeoutFail {
		t.Errorf("options 未保存: %+v", got.Options)
	}
}

func TestJob_CancelBeforePersisting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.newJob(t)
	f.advance(t, job, model.JobCompiling, model.JobSolving)

	status, marked, err := f.store.RequestCancel(ctx, job.ID)
	if err != nil || !marked || status != model.JobSolving {
		t.Fatalf("RequestCancel() = %s, %v, %v", status, marked, err)
	}
	job.Status = model.JobPersisting
	if err := f.store.TransitionJob(ctx, job, model.JobSolving, ""); apperrors.GetCode(err) != apperrors.CodeConflictState {
		t.Fatalf("已请求取消时进入 persisting code = %s", apperrors.GetCode(err))
	}
	job.Status = model.JobSolving
	f.advance(t, job, model.JobCancelled)

	cancel, err := f.store.CancelRequested(ctx, job.ID)
	if err != nil || !cancel {
		t.Errorf("CancelRequested() = %v, %v", cancel, err)
	}
}

func TestJob_CancelRefusedWhilePersisting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.newJob(t)
	f.advance(t, job, model.JobCompiling, model.JobSolving, model.JobPersisting)

	status, marked, err := f.store.RequestCancel(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if marked || status != model.JobPersisting {
		t.Errorf("RequestCancel() = %s, marked=%v, want persisting 未标记", status, marked)
	}
}

func TestJob_ProgressMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.newJob(t)
	for _, p := range []int{20, 45, 30} {
		if err := f.store.UpdateJobProgress(ctx, job.ID, p); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := f.store.GetJob(ctx, job.ID)
	if got.Progress != 45 {
		t.Errorf("progress = %d, want 45", got.Progress)
	}
}

func (f *fixture) draft(job *model.OptimizationJob, shifts ...string) *model.ScheduleVersion {
	v := &model.ScheduleVersion{PeriodID: f.period.ID, JobID: &job.ID, BundleID: &job.BundleID, Objective: 12,
		Summary: model.JSONMap{"objective": 12}}
	for i, code := range shifts {
		v.Assignments = append(v.Assignments, model.Assignment{NurseID: f.nurses[0].ID, Date: "2026-03-0" + string(rune('2'+i)), ShiftCode: code})
	}
	return v
}

func TestCommitResult_DuplicateRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.newJob(t)
	f.advance(t, job, model.JobCompiling, model.JobSolving, model.JobPersisting)

	v := f.draft(job, "D", "N")
	v.Assignments = append(v.Assignments, v.Assignments[0])
	err := f.store.CommitResult(ctx, v, job, "写入完成")
	if apperrors.GetCode(err) != apperrors.CodeDBConstraint {
		t.Fatalf("CommitResult() code = %s, want %s (%v)", apperrors.GetCode(err), apperrors.CodeDBConstraint, err)
	}

	versions, err := f.store.ListVersions(ctx, f.period.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 0 {
		t.Errorf("失败后仍有 %d 个版本", len(versions))
	}
	if n, _ := f.store.CountAssignments(ctx, f.period.ID); n != 0 {
		t.Errorf("失败后仍有 %d 条分配", n)
	}
	got, _ := f.store.GetJob(ctx, job.ID)
	if got.Status != model.JobPersisting || got.ResultVersionID != nil {
		t.Errorf("回滚后任务 = %s, result=%v", got.Status, got.ResultVersionID)
	}
}

func TestCommitResult_AndPublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.newJob(t)
	f.advance(t, job, model.JobCompiling, model.JobSolving, model.JobPersisting)

	v := f.draft(job, "D", "N", "OFF")
	job.Progress = 100
	if err := f.store.CommitResult(ctx, v, job, "写入完成"); err != nil {
		t.Fatalf("CommitResult() error = %v", err)
	}
	got, err := f.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.JobSucceeded || got.ResultVersionID == nil || *got.ResultVersionID != v.ID {
		t.Fatalf("任务 = %s, result=%v", got.Status, got.ResultVersionID)
	}

	stored, err := f.store.GetVersion(ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Assignments) != 3 || stored.Status != model.VersionDraft || stored.Objective != 12 {
		t.Errorf("版本 = %+v", stored)
	}

	pub, created, err := f.store.PublishVersion(ctx, v.ID, &job.ID, "archive/v.json")
	if err != nil || !created {
		t.Fatalf("PublishVersion() = %v, %v", created, err)
	}
	if pub.PreviousVersionID != nil {
		t.Errorf("首次发布 previous = %v", pub.PreviousVersionID)
	}
	again, created, err := f.store.PublishVersion(ctx, v.ID, &job.ID, "")
	if err != nil || created || again.ID != pub.ID {
		t.Errorf("重复发布 = %v, created=%v, %v", again, created, err)
	}

	p, _ := f.store.GetPeriod(ctx, f.period.ID)
	if p.PublishedVersionID == nil || *p.PublishedVersionID != v.ID {
		t.Error("发布指针未移动")
	}
	applied, _ := f.store.GetJob(ctx, job.ID)
	if applied.AppliedAt == nil {
		t.Error("applied_at 未设置")
	}
	pubs, _ := f.store.ListPublications(ctx, f.period.ID)
	if len(pubs) != 1 {
		t.Errorf("发布记录 = %d, want 1", len(pubs))
	}
}

func TestPublish_RecordsPrevious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := &model.ScheduleVersion{PeriodID: f.period.ID}
	second := &model.ScheduleVersion{PeriodID: f.period.ID}
	for _, v := range []*model.ScheduleVersion{first, second} {
		if err := f.store.CreateVersion(ctx, v); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := f.store.PublishVersion(ctx, first.ID, nil, ""); err != nil {
		t.Fatal(err)
	}
	pub, _, err := f.store.PublishVersion(ctx, second.ID, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if pub.PreviousVersionID == nil || *pub.PreviousVersionID != first.ID {
		t.Errorf("previous_version_id = %v, want %s", pub.PreviousVersionID, first.ID)
	}

	job := f.newJob(t)
	if _, _, err := f.store.PublishVersion(ctx, first.ID, &job.ID, ""); apperrors.GetCode(err) != apperrors.CodeConflictState {
		t.Errorf("未成功任务发布 code = %s", apperrors.GetCode(err))
	}
	p, _ := f.store.GetPeriod(ctx, f.period.ID)
	if *p.PublishedVersionID != second.ID {
		t.Error("失败的发布不应移动指针")
	}
}

func TestLoadPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.ReplaceDemands(ctx, f.period.ID, []model.Demand{
		{Date: "2026-03-02", ShiftCode: "D", Required: 1},
		{Date: "2026-03-02", ShiftCode: "N", Required: 1, SkillCode: "ICU"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.ReplaceLocks(ctx, f.period.ID, []model.Lock{
		{NurseID: f.nurses[1].ID, Date: "2026-03-03", ShiftCode: "OFF"},
	}); err != nil {
		t.Fatal(err)
	}

	plan, err := f.store.LoadPlan(ctx, f.period.ID, nil)
	if err != nil {
		t.Fatalf("LoadPlan() error = %v", err)
	}
	if len(plan.Nurses) != 2 {
		t.Errorf("nurses = %d, want 2（只含本科别）", len(plan.Nurses))
	}
	if len(plan.Shifts) != 3 || plan.OffShift() == nil || plan.NightShift() == nil {
		t.Errorf("shifts = %d", len(plan.Shifts))
	}
	if len(plan.Demands) != 2 || len(plan.Locks) != 1 {
		t.Errorf("demands = %d, locks = %d", len(plan.Demands), len(plan.Locks))
	}
	if plan.JobLevelPriority("N3") != 3 {
		t.Error("职级未加载")
	}
	if len(plan.Nurses[0].Skills) != 1 || plan.Nurses[0].Skills[0] != "ICU" {
		t.Errorf("skills = %v", plan.Nurses[0].Skills)
	}

	other := &model.SchedulePeriod{Name: "其他", DepartmentCode: "ICU",
		DateRange: model.DateRange{StartDate: "2026-03-09", EndDate: "2026-03-15"}}
	if err := f.store.CreatePeriod(ctx, other); err != nil {
		t.Fatal(err)
	}
	foreign := &model.ScheduleVersion{PeriodID: other.ID}
	if err := f.store.CreateVersion(ctx, foreign); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.LoadPlan(ctx, f.period.ID, &foreign.ID); apperrors.GetCode(err) != apperrors.CodeValidation {
		t.Errorf("跨周期基准版本 code = %s", apperrors.GetCode(err))
	}
}

func TestBundle_ExclusionsRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	winner := uuid.New()
	b := &model.RuleBundle{
		PeriodID:         f.period.ID,
		Name:             "覆盖",
		ContentHash:      "c3",
		ValidationStatus: model.ValidationPass,
		Items: []model.BundleItem{
			{
				Seq: 1, Layer: model.LayerTemplate, RuleID: f.rule.ID, RuleVersionID: f.version.ID,
				DSLHash: "h1", Category: model.CategorySoft, PriorityAtTime: 50, EnabledAtTime: true,
				Exclusions: []model.ItemExclusion{{Item: "BAL", WinnerVersionID: winner, WinnerItem: "BAL"}},
			},
			{
				Seq: 2, Layer: model.LayerTemplate, RuleID: f.rule.ID, RuleVersionID: f.version.ID,
				DSLHash: "h1", Category: model.CategorySoft, PriorityAtTime: 40, EnabledAtTime: true,
			},
		},
	}
	if err := f.store.CreateBundle(ctx, b); err != nil {
		t.Fatalf("CreateBundle() error = %v", err)
	}
	got, err := f.store.GetBundle(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBundle() error = %v", err)
	}
	if len(got.Items) != 2 {
		t.Fatalf("条目数 = %d, want 2", len(got.Items))
	}
	ex := got.Items[0].Exclusions
	if len(ex) != 1 || ex[0].Item != "BAL" || ex[0].WinnerVersionID != winner || ex[0].WinnerItem != "BAL" {
		t.Errorf("Items[0].Exclusions = %+v", ex)
	}
	if len(got.Items[1].Exclusions) != 0 {
		t.Errorf("Items[1].Exclusions = %+v, want 空", got.Items[1].Exclusions)
	}
}

func TestCreatePeriod_InvalidRange(t *testing.T) {
	f := newFixture(t)
	p := &model.SchedulePeriod{Name: "倒序", DepartmentCode: "ICU",
		DateRange: model.DateRange{StartDate: "2026-03-08", EndDate: "2026-03-02"}}
	if err := f.store.CreatePeriod(context.Background(), p); apperrors.GetCode(err) != apperrors.CodeValidation {
		t.Errorf("CreatePeriod() code = %s, want VALIDATION", apperrors.GetCode(err))
	}
}

func TestGetJob_NotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.store.GetJob(context.Background(), uuid.New()); apperrors.GetCode(err) != apperrors.CodeNotFound {
		t.Errorf("GetJob() code = %s, want NOT_FOUND", apperrors.GetCode(err))
	}
}
