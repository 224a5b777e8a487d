package solver

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/model"
	"github.com/paiban/nursesched/pkg/scheduler/compiler"
	"github.com/paiban/nursesched/pkg/scheduler/cpmodel"
	"github.com/paiban/nursesched/pkg/scheduler/ir"
)

// 2026-03-02 为周一，班别 D=0 N=1 OFF=2
func testPlan(nurses int) *model.Plan {
	p := &model.Plan{
		Period: &model.SchedulePeriod{BaseModel: model.NewBaseModel(), DepartmentCode: "ICU", DateRange: model.DateRange{StartDate: "2026-03-02", EndDate: "2026-03-08"}},
		Shifts: []*model.ShiftCode{
			{Code: "D", Kind: model.ShiftWork},
			{Code: "N", Kind: model.ShiftWork, IsNight: true},
			{Code: model.OffCode, Kind: model.ShiftOff},
		},
	}
	for i := 0; i < nurses; i++ {
		p.Nurses = append(p.Nurses, &model.Nurse{BaseModel: model.NewBaseModel(), StaffNo: string(rune('A' + i)), DepartmentCode: "ICU", JobLevelCode: "N2"})
	}
	return p
}

const coverageRule = `dsl_version: "1.0"
id: R-COV
name: 每日覆盖
scope: {type: GLOBAL}
category: HARD
priority: 100
constraints:
  - {name: coverage_required, params: {shift_code: D, required: 1}}
  - {name: coverage_required, params: {shift_code: N, required: 1}}
  - {name: max_consecutive_work_days, params: {max_days: 3}}
  - {name: forbid_transition, params: {from: N, to: D}}
`

func buildModel(t *testing.T, plan *model.Plan, weights model.Weights, texts ...string) *cpmodel.Model {
	t.Helper()
	var inputs []compiler.Input
	for i, text := range texts {
		inputs = append(inputs, compiler.Input{
			Item: model.BundleItem{RuleID: uuid.New(), PriorityAtTime: 10, EnabledAtTime: true, Seq: i + 1},
			Text: text,
		})
	}
	prog, err := compiler.Compile(context.Background(), plan, inputs, compiler.Options{Weights: weights})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	m, err := cpmodel.Build(prog, plan, cpmodel.Options{CoverageMode: model.CoverageHard, RespectLocked: true})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return m
}

func quick() SearchConfig {
	cfg := DefaultSearchConfig()
	cfg.MaxIterations = 3000
	cfg.PlateauThreshold = 1000
	cfg.Restarts = 1
	return cfg
}

func TestSolve_Feasible(t *testing.T) {
	plan := testPlan(4)
	plan.Locks = []model.Lock{{NurseID: plan.Nurses[0].ID, Date: "2026-03-04", ShiftCode: "N"}}
	m := buildModel(t, plan, model.DefaultWeights(), coverageRule)

	out, err := Solve(context.Background(), m, Options{Mode: model.ModeStrictHard, Seed: 7, Threads: 2, Search: quick()})
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if !out.Status.HasSolution() {
		t.Fatalf("status = %s, violations = %+v", out.Status, out.Violations)
	}
	if len(m.Verify(out.Assignment)) != 0 {
		t.Errorf("Verify() = %+v", m.Verify(out.Assignment))
	}
	if out.Assignment.At(0, 2) != 1 {
		t.Errorf("locked cell = %d, expected N", out.Assignment.At(0, 2))
	}
	for i, v := range out.Assignment.Cells {
		if v < 0 || int(v) >= m.Space.S() {
			t.Fatalf("cell %d = %d", i, v)
		}
	}
	if out.Objective != m.Evaluate(out.Assignment).Total {
		t.Errorf("objective = %d, evaluate = %d", out.Objective, m.Evaluate(out.Assignment).Total)
	}
	if out.Islands != 2 || out.Iterations == 0 {
		t.Errorf("islands = %d iterations = %d", out.Islands, out.Iterations)
	}
}

func TestSolve_Infeasible(t *testing.T) {
	tests := []struct {
		name         string
		required     string
		lock         bool
		wantRequired int
		wantEligible int
		wantLocked   int
	}{
		{"需求超过人数", "4", false, 4, 3, 0},
		{"锁定占用", "3", true, 3, 2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := testPlan(3)
			if tt.lock {
				plan.Locks = []model.Lock{{NurseID: plan.Nurses[0].ID, Date: "2026-03-02", ShiftCode: "OFF"}}
			}
			text := "dsl_version: \"1.0\"\nid: R-COV\nname: c\nscope: {type: GLOBAL}\ncategory: HARD\npriority: 1\nconstraints:\n" +
				"  - {name: coverage_required, params: {shift_code: D, required: " + tt.required + ", dates: [\"2026-03-02\"]}}\n"
			m := buildModel(t, plan, model.DefaultWeights(), text)

			out, err := Solve(context.Background(), m, Options{Mode: model.ModeStrictHard, Seed: 1, Search: quick()})
			if err != nil {
				t.Fatalf("Solve() error = %v", err)
			}
			if out.Status != StatusInfeasible {
				t.Fatalf("status = %s, expected INFEASIBLE", out.Status)
			}
			if len(out.Conflicts) != 1 {
				t.Fatalf("conflicts = %+v", out.Conflicts)
			}
			c := out.Conflicts[0]
			if c.Date != "2026-03-02" || c.Shift != "D" || c.Required != tt.wantRequired || c.Eligible != tt.wantEligible || c.LockedOut != tt.wantLocked {
				t.Errorf("conflict = %+v", c)
			}
			if out.Assignment != nil {
				t.Error("infeasible outcome carries an assignment")
			}
		})
	}
}

func TestPresolve_DailyDemand(t *testing.T) {
	plan := testPlan(3)
	text := "dsl_version: \"1.0\"\nid: R-DAY\nname: c\nscope: {type: GLOBAL}\ncategory: HARD\npriority: 1\nconstraints:\n" +
		"  - {name: coverage_required, params: {shift_code: D, required: 2, dates: [\"2026-03-03\"]}}\n" +
		"  - {name: coverage_required, params: {shift_code: N, required: 2, dates: [\"2026-03-03\"]}}\n"
	m := buildModel(t, plan, model.DefaultWeights(), text)

	got := Presolve(m)
	if len(got) != 1 || got[0].Name != "daily_demand" || got[0].Shift != "D+N" || got[0].Required != 4 || got[0].Eligible != 3 {
		t.Fatalf("Presolve() = %+v", got)
	}
	if ids := RuleIDs(got); len(ids) != 1 {
		t.Errorf("RuleIDs() = %v", ids)
	}
}

func TestSolve_BestEffort(t *testing.T) {
	plan := testPlan(3)
	text := "dsl_version: \"1.0\"\nid: R-COV\nname: c\nscope: {type: GLOBAL}\ncategory: HARD\npriority: 1\nconstraints:\n" +
		"  - {name: coverage_required, params: {shift_code: D, required: 4, dates: [\"2026-03-02\"]}}\n"
	m := buildModel(t, plan, model.DefaultWeights(), text)

	out, err := Solve(context.Background(), m, Options{Mode: model.ModeBestEffort, Seed: 1, Search: quick()})
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if out.Status != StatusFeasible || len(out.Violations) != 1 || len(out.Conflicts) != 1 {
		t.Fatalf("status = %s violations = %d conflicts = %d", out.Status, len(out.Violations), len(out.Conflicts))
	}
	if out.Violations[0].Amount != 1 {
		t.Errorf("violation = %+v, expected amount 1", out.Violations[0])
	}
}

func TestSolve_EmptiedCell(t *testing.T) {
	plan := testPlan(3)
	sp, err := ir.NewSpace(plan, 0)
	if err != nil {
		t.Fatal(err)
	}
	prog := &ir.Program{Space: sp, Constraints: []ir.Constraint{
		{RuleID: "R-OFF", Name: "unavailable_dates", Terms: []ir.Term{ir.T(1, ir.X(1, 0, 2))}, Sense: ir.GE, RHS: 1, Nurse: 1, Day: 0, Shift: 2},
		{RuleID: "R-WORK", Name: "required_shift", Terms: []ir.Term{ir.T(1, ir.X(1, 0, 0))}, Sense: ir.GE, RHS: 1, Nurse: 1, Day: 0, Shift: 0},
	}}
	m, err := cpmodel.Build(prog, plan, cpmodel.Options{CoverageMode: model.CoverageHard})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	tests := []struct {
		name       string
		mode       model.SolveMode
		wantStatus Status
	}{
		{"严格模式", model.ModeStrictHard, StatusInfeasible},
		{"尽力模式", model.ModeBestEffort, StatusFeasible},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Solve(context.Background(), m, Options{Mode: tt.mode, Seed: 1, Search: quick()})
			if err != nil {
				t.Fatalf("Solve() error = %v", err)
			}
			if out.Status != tt.wantStatus {
				t.Fatalf("status = %s, expected %s", out.Status, tt.wantStatus)
			}
			if len(out.Conflicts) != 1 {
				t.Fatalf("conflicts = %+v", out.Conflicts)
			}
			c := out.Conflicts[0]
			if c.RuleID != "R-WORK" || c.Nurse != "B" || c.Date != "2026-03-02" {
				t.Errorf("conflict = %+v", c)
			}
			if tt.mode == model.ModeBestEffort && len(out.Violations) != 1 {
				t.Errorf("violations = %+v", out.Violations)
			}
		})
	}
}

// combinedModel 两人两天：首日夜班需两人，次日白班需一人，夜班后不得接白班。
// 每条约束单独都可满足，组合后无解
func combinedModel(t *testing.T) *cpmodel.Model {
	t.Helper()
	plan := testPlan(2)
	sp, err := ir.NewSpace(plan, 0)
	if err != nil {
		t.Fatal(err)
	}
	cons := []ir.Constraint{
		{RuleID: "R-COV", Name: "coverage_required", Terms: []ir.Term{ir.T(1, ir.X(0, 0, 1)), ir.T(1, ir.X(1, 0, 1))}, Sense: ir.GE, RHS: 2, Coverage: true, Nurse: -1, Day: 0, Shift: 1},
		{RuleID: "R-COV", Name: "coverage_required", Terms: []ir.Term{ir.T(1, ir.X(0, 1, 0)), ir.T(1, ir.X(1, 1, 0))}, Sense: ir.GE, RHS: 1, Coverage: true, Nurse: -1, Day: 1, Shift: 0},
	}
	for n := 0; n < 2; n++ {
		cons = append(cons, ir.Constraint{RuleID: "R-FT", Name: "forbid_transition", Terms: []ir.Term{ir.T(1, ir.X(n, 0, 1)), ir.T(1, ir.X(n, 1, 0))}, Sense: ir.LE, RHS: 1, Nurse: int32(n), Day: 0, Shift: 1})
	}
	m, err := cpmodel.Build(&ir.Program{Space: sp, Constraints: cons}, plan, cpmodel.Options{CoverageMode: model.CoverageHard})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return m
}

func TestCheckExact(t *testing.T) {
	t.Run("组合无解", func(t *testing.T) {
		m := combinedModel(t)
		if got := Presolve(m); len(got) != 0 {
			t.Fatalf("Presolve() = %+v, expected none", got)
		}
		res, err := checkExact(context.Background(), m, DefaultExactConfig(), nil, time.Time{})
		if err != nil {
			t.Fatal(err)
		}
		if res.status != exactUnsat || res.witness != nil {
			t.Errorf("status = %d witness = %v", res.status, res.witness != nil)
		}
	})

	t.Run("可行解复核通过", func(t *testing.T) {
		m := buildModel(t, testPlan(4), model.DefaultWeights(), coverageRule)
		res, err := checkExact(context.Background(), m, DefaultExactConfig(), nil, time.Time{})
		if err != nil {
			t.Fatal(err)
		}
		if res.status != exactSat || res.skipped != 0 || res.witness == nil {
			t.Fatalf("status = %d skipped = %d witness = %v", res.status, res.skipped, res.witness != nil)
		}
		if v := m.Verify(res.witness); len(v) != 0 {
			t.Errorf("witness violations = %+v", v)
		}
	})

	t.Run("超出规模跳过", func(t *testing.T) {
		m := combinedModel(t)
		cfg := DefaultExactConfig()
		cfg.MaxVars = 5
		res, err := checkExact(context.Background(), m, cfg, nil, time.Time{})
		if err != nil || res.status != exactUnknown {
			t.Errorf("status = %d err = %v", res.status, err)
		}
	})

	t.Run("已取消", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := checkExact(ctx, combinedModel(t), DefaultExactConfig(), nil, time.Time{}); !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, expected context.Canceled", err)
		}
	})
}

func TestSolve_HardCombination(t *testing.T) {
	tests := []struct {
		name       string
		exact      ExactConfig
		wantStatus Status
	}{
		{"精确判定", ExactConfig{}, StatusInfeasible},
		{"停用精确判定", ExactConfig{MaxVars: -1}, StatusTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Solve(context.Background(), combinedModel(t), Options{Mode: model.ModeStrictHard, Seed: 1, Search: quick(), Exact: tt.exact})
			if err != nil {
				t.Fatalf("Solve() error = %v", err)
			}
			if out.Status != tt.wantStatus {
				t.Fatalf("status = %s, expected %s", out.Status, tt.wantStatus)
			}
			if tt.wantStatus != StatusInfeasible {
				return
			}
			if len(out.Conflicts) != 1 || out.Conflicts[0].Name != NameHardCombination || out.Conflicts[0].RuleID != "R-COV,R-FT" {
				t.Errorf("conflicts = %+v", out.Conflicts)
			}
		})
	}
}

func TestSolve_Optimal(t *testing.T) {
	plan := testPlan(3)
	weights := model.DefaultWeights()
	weights.FairnessMultiplier = 0
	text := "dsl_version: \"1.0\"\nid: R-U\nname: c\nscope: {type: GLOBAL}\ncategory: HARD\npriority: 1\nconstraints:\n" +
		"  - {name: unavailable_dates, params: {dates: [\"2026-03-05\"], nurse_ids: [B]}}\n"
	m := buildModel(t, plan, weights, text)

	out, err := Solve(context.Background(), m, Options{Seed: 3, Search: quick()})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusOptimal || out.Gap != 0 {
		t.Errorf("status = %s gap = %v", out.Status, out.Gap)
	}
	if out.Assignment.At(1, 3) != m.Space.Off {
		t.Errorf("unavailable cell = %d", out.Assignment.At(1, 3))
	}
}

func TestSolve_Deterministic(t *testing.T) {
	run := func() *Outcome {
		m := buildModel(t, testPlan(4), model.DefaultWeights(), coverageRule)
		out, err := Solve(context.Background(), m, Options{Seed: 42, Threads: 2, Search: quick()})
		if err != nil {
			t.Fatal(err)
		}
		return out
	}
	a, b := run(), run()
	if a.Objective != b.Objective {
		t.Errorf("objective %d != %d", a.Objective, b.Objective)
	}
	if a.Assignment.Diff(b.Assignment) != 0 {
		t.Errorf("assignments differ in %d cells", a.Assignment.Diff(b.Assignment))
	}
}

func TestSolve_Cancelled(t *testing.T) {
	m := buildModel(t, testPlan(4), model.DefaultWeights(), coverageRule)

	_, err := Solve(context.Background(), m, Options{Seed: 1, Search: quick(), Cancelled: func() bool { return true }})
	if !apperrors.Is(err, apperrors.CodeCancelled) {
		t.Errorf("flag: error = %v, expected CANCELLED", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Solve(ctx, m, Options{Seed: 1, Search: quick()})
	if !apperrors.Is(err, apperrors.CodeCancelled) {
		t.Errorf("context: error = %v, expected CANCELLED", err)
	}
}

func TestSolve_TimeLimitAndProgress(t *testing.T) {
	m := buildModel(t, testPlan(3), model.DefaultWeights(), coverageRule)
	cfg := DefaultSearchConfig()
	cfg.MaxIterations = 0
	cfg.PlateauThreshold = 0

	var calls atomic.Int32
	out, err := Solve(context.Background(), m, Options{
		Seed:             1,
		TimeLimit:        80 * time.Millisecond,
		Search:           cfg,
		ProgressInterval: 5 * time.Millisecond,
		OnProgress:       func(Progress) { calls.Add(1) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.TimedOut {
		t.Errorf("TimedOut = false, status = %s", out.Status)
	}
	if calls.Load() == 0 {
		t.Error("progress callback never called")
	}
}

func TestSolve_NoProgressAfterReturn(t *testing.T) {
	m := buildModel(t, testPlan(3), model.DefaultWeights(), coverageRule)
	cfg := DefaultSearchConfig()
	cfg.MaxIterations = 0
	cfg.PlateauThreshold = 0

	tests := []struct {
		name      string
		cancelled func() bool
	}{
		{"时限结束", nil},
		{"取消结束", func() bool { return true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var returned atomic.Bool
			var late atomic.Int32
			Solve(context.Background(), m, Options{
				Seed:             1,
				TimeLimit:        30 * time.Millisecond,
				Search:           cfg,
				ProgressInterval: time.Millisecond,
				OnProgress: func(Progress) {
					if returned.Load() {
						late.Add(1)
					}
				},
				Cancelled: tt.cancelled,
			})
			returned.Store(true)
			time.Sleep(20 * time.Millisecond)
			if n := late.Load(); n != 0 {
				t.Errorf("返回后仍回调 %d 次", n)
			}
		})
	}
}

func TestConstruct_StopsOnCheck(t *testing.T) {
	m := buildModel(t, testPlan(3), model.DefaultWeights(), coverageRule)
	stop := errors.New("stop")

	tests := []struct {
		name      string
		stopAt    int
		wantErr   error
		wantCalls int
	}{
		{"不中断", -1, nil, 7},
		{"第三天前中断", 2, stop, 3},
		{"开始即中断", 0, stop, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := newIsland(0, newLayout(m), quick(), 1, DefaultHardPenalty)
			calls := 0
			err := construct(is.st, is.rng, is.penalty, func() error {
				calls++
				if calls-1 == tt.stopAt {
					return stop
				}
				return nil
			})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("construct() error = %v, want %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("check 调用 %d 次, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestState_Incremental(t *testing.T) {
	plan := testPlan(4)
	soft := `dsl_version: "1.0"
id: R-S
name: s
scope: {type: GLOBAL}
category: SOFT
priority: 5
objectives:
  - {name: penalize_single_off_day, weight: 3}
  - {name: balance_weekend_shift_count, weight: 2}
  - {name: forbid_transition, weight: 7, params: {from: D, to: N}}
`
	m := buildModel(t, plan, model.DefaultWeights(), coverageRule, soft)
	l := newLayout(m)
	st := newState(l, initialGrid(m))
	rng := rand.New(rand.NewSource(9))
	sp := m.Space
	for i := 0; i < 500; i++ {
		n, d := rng.Intn(sp.N()), rng.Intn(sp.D())
		vals := m.Domain(n, d).Values()
		st.set(n, d, vals[rng.Intn(len(vals))])
		if got, want := st.obj, m.Evaluate(st.grid).Total; got != want {
			t.Fatalf("step %d: objective = %d, expected %d", i, got, want)
		}
		if got, want := st.hardViol, m.HardViolation(st.grid); got != want {
			t.Fatalf("step %d: hard = %d, expected %d", i, got, want)
		}
	}
}

func TestTabuList(t *testing.T) {
	tl := NewTabuList(2)
	tl.Add(1)
	tl.Add(2)
	tl.Add(3)
	if tl.Contains(1) || !tl.Contains(2) || !tl.Contains(3) {
		t.Error("oldest key not evicted")
	}
	tl.Clear()
	if tl.Contains(3) {
		t.Error("Clear() kept keys")
	}
	if moveKey([]change{{1, 2, 0}, {3, 2, 1}}) != moveKey([]change{{3, 2, 1}, {1, 2, 0}}) {
		t.Error("moveKey depends on order")
	}
}
