package stats

import (
	"testing"
)

// 2026-03-07 为周六
func testGrid() *Grid {
	return &Grid{
		Nurses: []string{"A", "B", "C"},
		Dates:  []string{"2026-03-06", "2026-03-07", "2026-03-08"},
		Off:    "OFF",
		Night:  map[string]bool{"N": true},
		Cells: [][]string{
			{"N", "N", "OFF"},
			{"D", "D", "D"},
			{"OFF", "OFF", "N"},
		},
	}
}

func TestFairnessAnalyzer_Analyze(t *testing.T) {
	m := NewFairnessAnalyzer().Analyze(testGrid())

	if m.NightRange != 2 {
		t.Errorf("NightRange = %d, expected 2", m.NightRange)
	}
	if m.WorkRange != 2 {
		t.Errorf("WorkRange = %d, expected 2", m.WorkRange)
	}
	// 周末两天：A 上 1 天，B 上 2 天，C 上 1 天
	if m.WeekendRange != 1 {
		t.Errorf("WeekendRange = %d, expected 1", m.WeekendRange)
	}
	if m.NurseStats[0].Nurse != "B" || m.NurseStats[0].LongestRun != 3 {
		t.Errorf("first stat = %+v, expected B with run 3", m.NurseStats[0])
	}
	if got := m.ShiftDistribution["N"]; got != 50 {
		t.Errorf("ShiftDistribution[N] = %v, expected 50", got)
	}
	if m.OverallScore <= 0 || m.OverallScore >= 100 {
		t.Errorf("OverallScore = %v", m.OverallScore)
	}
}

func TestFairnessAnalyzer_EmptyInput(t *testing.T) {
	m := NewFairnessAnalyzer().Analyze(&Grid{})
	if m.OverallScore != 100 {
		t.Errorf("OverallScore = %v, expected 100", m.OverallScore)
	}
}

func TestFairnessAnalyzer_PerfectFairness(t *testing.T) {
	g := &Grid{
		Nurses: []string{"A", "B"},
		Dates:  []string{"2026-03-02", "2026-03-03"},
		Off:    "OFF",
		Night:  map[string]bool{"N": true},
		Cells:  [][]string{{"D", "N"}, {"N", "D"}},
	}
	m := NewFairnessAnalyzer().Analyze(g)
	if m.WorkGini != 0 || m.NightGini != 0 || m.NightRange != 0 {
		t.Errorf("metrics = %+v, expected perfectly fair", m)
	}
	if m.OverallScore != 100 {
		t.Errorf("OverallScore = %v, expected 100", m.OverallScore)
	}
}

func TestGini(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		min    float64
		max    float64
	}{
		{"全部相等", []float64{3, 3, 3}, 0, 0},
		{"全为零", []float64{0, 0}, 0, 0},
		{"集中于一人", []float64{0, 0, 9}, 0.6, 0.7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := gini(tt.values)
			if got < tt.min || got > tt.max {
				t.Errorf("gini(%v) = %v, expected in [%v, %v]", tt.values, got, tt.min, tt.max)
			}
		})
	}
}

func TestCompareSchedules(t *testing.T) {
	a := testGrid()
	b := testGrid()
	b.Cells[0] = []string{"N", "OFF", "OFF"}
	b.Cells[1] = []string{"N", "D", "D"}
	diff := NewFairnessAnalyzer().CompareSchedules(a, b)
	if diff["night_range_diff"] != -2 {
		t.Errorf("night_range_diff = %v, expected -2", diff["night_range_diff"])
	}
}
