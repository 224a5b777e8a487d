package model

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus 优化任务状态
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobCompiling  JobStatus = "compiling"
	JobSolving    JobStatus = "solving"
	JobPersisting JobStatus = "persisting"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// IsTerminal 是否终态
func (s JobStatus) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// SolveMode 求解模式
type SolveMode string

const (
	ModeStrictHard SolveMode = "strict_hard"
	ModeBestEffort SolveMode = "best_effort"
)

// TimeoutPolicy 超时但已有可行解时的处理策略
type TimeoutPolicy string

const (
	TimeoutAcceptFeasible TimeoutPolicy = "accept_feasible"
	TimeoutFail           TimeoutPolicy = "fail"
)

// CoverageMode 覆盖需求处理方式
type CoverageMode string

const (
	CoverageHard CoverageMode = "hard"
	CoverageSoft CoverageMode = "soft"
)

// Weights 目标权重倍率
type Weights struct {
	SoftMultiplier       float64 `json:"soft_multiplier"`
	FairnessMultiplier   float64 `json:"fairness_multiplier"`
	PreferenceMultiplier float64 `json:"preference_multiplier"`
	ChangeWeight         int     `json:"change_weight"`
}

// DefaultWeights 默认倍率
func DefaultWeights() Weights {
	return Weights{
		SoftMultiplier:       1,
		FairnessMultiplier:   1,
		PreferenceMultiplier: 1,
	}
}

// JobOptions 任务求解与输出选项
type JobOptions struct {
	Mode          SolveMode     `json:"mode"`
	TimeLimitSec  int           `json:"time_limit_seconds"`
	RandomSeed    int64         `json:"random_seed"`
	SolverThreads int           `json:"solver_threads,omitempty"`
	TimeoutPolicy TimeoutPolicy `json:"timeout_policy"`
	CoverageMode  CoverageMode  `json:"coverage_mode"`
	RespectLocked bool          `json:"respect_locked"`
	Weights       Weights       `json:"weights"`
	AutoPublish   bool          `json:"auto_publish"`
}

// OptimizationJob 一次求解尝试
type OptimizationJob struct {
	BaseModel
	PeriodID        uuid.UUID       `json:"period_id" db:"period_id"`
	BundleID        uuid.UUID       `json:"bundle_id" db:"bundle_id"`
	BaseVersionID   *uuid.UUID      `json:"base_version_id,omitempty" db:"base_version_id"`
	Status          JobStatus       `json:"status" db:"status"`
	Progress        int             `json:"progress" db:"progress"`
	Options         JobOptions      `json:"options" db:"options"`
	CompileReport   JSONMap         `json:"compile_report,omitempty" db:"compile_report"`
	SolveReport     JSONMap         `json:"solve_report,omitempty" db:"solve_report"`
	ResultVersionID *uuid.UUID      `json:"result_version_id,omitempty" db:"result_version_id"`
	Error           JSONMap         `json:"error,omitempty" db:"error"`
	Message         string          `json:"message,omitempty" db:"message"`
	StartedAt       *time.Time      `json:"started_at,omitempty" db:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
	AppliedAt       *time.Time      `json:"applied_at,omitempty" db:"applied_at"`
	History         []JobTransition `json:"history,omitempty" db:"-"`
}

// JobTransition 状态迁移记录（只追加）
type JobTransition struct {
	Seq     int       `json:"seq" db:"seq"`
	From    JobStatus `json:"from" db:"from_status"`
	To      JobStatus `json:"to" db:"to_status"`
	Message string    `json:"message,omitempty" db:"message"`
	At      time.Time `json:"at" db:"at"`
}
