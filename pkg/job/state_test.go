package job

import (
	"testing"

	"github.com/paiban/nursesched/pkg/model"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from model.JobStatus
		to   model.JobStatus
		want bool
	}{
		{"领取", model.JobQueued, model.JobCompiling, true},
		{"跳过编译", model.JobQueued, model.JobSolving, false},
		{"编译完成", model.JobCompiling, model.JobSolving, true},
		{"求解完成", model.JobSolving, model.JobPersisting, true},
		{"回退", model.JobSolving, model.JobCompiling, false},
		{"落库成功", model.JobPersisting, model.JobSucceeded, true},
		{"落库失败", model.JobPersisting, model.JobFailed, true},
		{"落库中取消", model.JobPersisting, model.JobCancelled, false},
		{"排队中取消", model.JobQueued, model.JobCancelled, true},
		{"终止后迁移", model.JobSucceeded, model.JobFailed, false},
		{"失败后取消", model.JobFailed, model.JobCancelled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestCancellable(t *testing.T) {
	for _, s := range []model.JobStatus{model.JobQueued, model.JobCompiling, model.JobSolving} {
		if !Cancellable(s) {
			t.Errorf("Cancellable(%s) = false", s)
		}
	}
	for _, s := range []model.JobStatus{model.JobPersisting, model.JobSucceeded, model.JobFailed, model.JobCancelled} {
		if Cancellable(s) {
			t.Errorf("Cancellable(%s) = true", s)
		}
	}
}

func TestSolveProgress(t *testing.T) {
	tests := []struct {
		fraction float64
		want     int
	}{
		{-1, 20},
		{0, 20},
		{0.5, 40},
		{1, 60},
		{3, 60},
	}
	for _, tt := range tests {
		if got := solveProgress(tt.fraction); got != tt.want {
			t.Errorf("solveProgress(%v) = %d, want %d", tt.fraction, got, tt.want)
		}
	}
}
