package model

import (
	"testing"

	"github.com/google/uuid"
)

func TestNurse_HasSkill(t *testing.T) {
	n := &Nurse{Skills: []string{"ICU", "CPR"}}

	tests := []struct {
		skill    string
		expected bool
	}{
		{"ICU", true},
		{"icu", true},
		{"CPR", true},
		{"ECMO", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.skill, func(t *testing.T) {
			if result := n.HasSkill(tt.skill); result != tt.expected {
				t.Errorf("HasSkill(%s) = %v, expected %v", tt.skill, result, tt.expected)
			}
		})
	}
}

func TestNurse_Matches(t *testing.T) {
	id := uuid.New()
	n := &Nurse{BaseModel: BaseModel{ID: id}, StaffNo: "N001"}

	if !n.Matches(id.String()) {
		t.Error("按ID应匹配")
	}
	if !n.Matches("N001") {
		t.Error("按工号应匹配")
	}
	if n.Matches("N002") {
		t.Error("其他工号不应匹配")
	}
}

func TestSplitCSV(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected int
	}{
		{"空串", "", 0},
		{"单项", "ICU", 1},
		{"多项含空格", "ICU, CPR ,", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SplitCSV(tt.in); len(got) != tt.expected {
				t.Errorf("SplitCSV(%q) = %v, expected %d items", tt.in, got, tt.expected)
			}
		})
	}
}

func TestPlan_Shifts(t *testing.T) {
	p := &Plan{Shifts: []*ShiftCode{
		{Code: "D", Kind: ShiftWork},
		{Code: "N", Kind: ShiftWork, IsNight: true},
		{Code: OffCode, Kind: ShiftOff},
	}}

	if off := p.OffShift(); off == nil || off.Code != OffCode {
		t.Errorf("OffShift() = %v, expected OFF", off)
	}
	if got := len(p.WorkShifts()); got != 2 {
		t.Errorf("WorkShifts() = %d, expected 2", got)
	}
	if night := p.NightShift(); night == nil || night.Code != "N" {
		t.Errorf("NightShift() = %v, expected N", night)
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   JobStatus
		expected bool
	}{
		{JobQueued, false},
		{JobCompiling, false},
		{JobSolving, false},
		{JobPersisting, false},
		{JobSucceeded, true},
		{JobFailed, true},
		{JobCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.expected {
				t.Errorf("IsTerminal() = %v, expected %v", got, tt.expected)
			}
		})
	}
}
