// Package job 驱动优化任务：状态机、事件流、编译求解与结果落库
package job

import (
	"github.com/paiban/nursesched/pkg/model"
)

// 进度里程碑
const (
	ProgressCompileStart = 5
	ProgressCompileDone  = 10
	ProgressSolveStart   = 20
	ProgressSolveEnd     = 60
	ProgressPersistStart = 70
	ProgressDone         = 100
)

// transitions 合法迁移，只进不退
var transitions = map[model.JobStatus][]model.JobStatus{
	model.JobQueued:     {model.JobCompiling, model.JobFailed, model.JobCancelled},
	model.JobCompiling:  {model.JobSolving, model.JobFailed, model.JobCancelled},
	model.JobSolving:    {model.JobPersisting, model.JobFailed, model.JobCancelled},
	model.JobPersisting: {model.JobSucceeded, model.JobFailed},
}

// CanTransition from → to 是否合法
func CanTransition(from, to model.JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Cancellable 该状态下的取消请求是否仍会被执行
func Cancellable(s model.JobStatus) bool {
	return CanTransition(s, model.JobCancelled)
}

// solveProgress 求解阶段按已用时间比例映射到 20..60
func solveProgress(fraction float64) int {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return ProgressSolveStart + int(fraction*float64(ProgressSolveEnd-ProgressSolveStart))
}
