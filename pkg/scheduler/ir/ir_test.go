package ir

import (
	"testing"

	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/model"
)

func testPlan(start, end string, nurses int) *model.Plan {
	p := &model.Plan{
		Period: &model.SchedulePeriod{BaseModel: model.NewBaseModel(), DateRange: model.DateRange{StartDate: start, EndDate: end}},
		Shifts: []*model.ShiftCode{
			{Code: "D", Kind: model.ShiftWork},
			{Code: "N", Kind: model.ShiftWork, IsNight: true},
			{Code: model.OffCode, Kind: model.ShiftOff},
		},
	}
	for i := 0; i < nurses; i++ {
		p.Nurses = append(p.Nurses, &model.Nurse{BaseModel: model.NewBaseModel(), StaffNo: string(rune('A' + i))})
	}
	return p
}

func TestNewSpace(t *testing.T) {
	tests := []struct {
		name    string
		plan    *model.Plan
		maxDays int
		wantErr bool
	}{
		{"正常周期", testPlan("2026-03-02", "2026-03-08", 3), 0, false},
		{"结束早于开始", testPlan("2026-03-08", "2026-03-02", 3), 0, true},
		{"没有护理人员", testPlan("2026-03-02", "2026-03-08", 0), 0, true},
		{"超过天数上限", testPlan("2026-03-01", "2026-03-31", 2), 28, true},
		{
			"缺少休假班别",
			func() *model.Plan {
				p := testPlan("2026-03-02", "2026-03-08", 2)
				p.Shifts = p.Shifts[:2]
				return p
			}(),
			0, true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSpace(tt.plan, tt.maxDays)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewSpace() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !apperrors.Is(err, apperrors.CodeValidation) {
				t.Errorf("error code = %s, expected VALIDATION", apperrors.GetCode(err))
			}
		})
	}
}

func TestSpace_Indexes(t *testing.T) {
	s, err := NewSpace(testPlan("2026-03-02", "2026-03-08", 3), 0)
	if err != nil {
		t.Fatal(err)
	}
	if s.Off != 2 || s.Night != 1 {
		t.Errorf("Off=%d Night=%d, expected 2 1", s.Off, s.Night)
	}
	if n, ok := s.NurseIndex("B"); !ok || n != 1 {
		t.Errorf("NurseIndex(B) = %d %v", n, ok)
	}
	// 2026-03-02 是周一，周六为 03-07
	pairs := s.WeekendPairs()
	if len(pairs) != 1 || pairs[0] != [2]int{5, 6} {
		t.Errorf("WeekendPairs() = %v", pairs)
	}
	if got := s.Var(1, 2, 1); got != (1*7+2)*3+1 {
		t.Errorf("Var() = %d", got)
	}
}

func TestConstraint_Violation(t *testing.T) {
	g := NewTable(2, 2, 2)
	g.Set(0, 0, 1)

	tests := []struct {
		name     string
		c        Constraint
		expected int
	}{
		{"覆盖不足", Constraint{Terms: []Term{T(1, X(0, 0, 0)), T(1, X(1, 0, 0))}, Sense: GE, RHS: 1}, 1},
		{"上限满足", Constraint{Terms: []Term{T(1, NotX(0, 0, 2)), T(1, NotX(0, 1, 2))}, Sense: LE, RHS: 1}, 0},
		{"相等", Constraint{Terms: []Term{T(1, X(0, 1, 2)), T(-1, X(1, 1, 2))}, Sense: EQ}, 0},
		{
			"条件未触发",
			Constraint{Terms: []Term{T(1, X(1, 0, 1))}, Sense: GE, RHS: 1, When: &Condition{Terms: []Term{T(1, X(0, 0, 0))}, Sense: GE, RHS: 1}},
			0,
		},
		{
			"条件触发",
			Constraint{Terms: []Term{T(1, X(1, 0, 1))}, Sense: GE, RHS: 1, When: &Condition{Terms: []Term{T(1, X(0, 0, 1))}, Sense: GE, RHS: 1}},
			1,
		},
		{"合取", Constraint{Terms: []Term{And(1, X(0, 0, 1), X(0, 1, 2))}, Sense: LE, RHS: 0}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.Violation(g); got != tt.expected {
				t.Errorf("Violation() = %d, expected %d", got, tt.expected)
			}
		})
	}
}

func TestObjective_Value(t *testing.T) {
	g := NewTable(3, 2, 0)
	g.Set(0, 1, 1)
	g.Set(1, 0, 1)
	g.Set(1, 1, 1)

	rng := Objective{Kind: KindRange, Coef: 5}
	for n := 0; n < 3; n++ {
		rng.Groups = append(rng.Groups, []Term{T(1, X(n, 0, 1)), T(1, X(n, 1, 1))})
	}
	if got := rng.Value(g); got != 10 {
		t.Errorf("range Value() = %d, expected 10", got)
	}

	reward := Objective{Kind: KindSum, Coef: 3, Terms: []Term{T(-1, X(2, 0, 0)), T(-1, X(2, 1, 0))}}
	if got := reward.Value(g); got != -6 {
		t.Errorf("reward Value() = %d, expected -6", got)
	}
	if lb := reward.LowerBound(); lb != -6 {
		t.Errorf("LowerBound() = %d, expected -6", lb)
	}
}
