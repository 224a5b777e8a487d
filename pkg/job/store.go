package job

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/paiban/nursesched/pkg/model"
)

// Store 任务引擎依赖的持久化操作
type Store interface {
	GetPeriod(ctx context.Context, id uuid.UUID) (*model.SchedulePeriod, error)
	LoadPlan(ctx context.Context, periodID uuid.UUID, baseVersionID *uuid.UUID) (*model.Plan, error)
	GetBundle(ctx context.Context, id uuid.UUID) (*model.RuleBundle, error)
	GetActiveBundle(ctx context.Context, periodID uuid.UUID) (*model.RuleBundle, error)
	GetRuleVersion(ctx context.Context, id uuid.UUID) (*model.RuleVersion, error)

	CreateJob(ctx context.Context, job *model.OptimizationJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*model.OptimizationJob, error)
	TransitionJob(ctx context.Context, job *model.OptimizationJob, from model.JobStatus, message string) error
	UpdateJobProgress(ctx context.Context, id uuid.UUID, progress int) error
	RequestCancel(ctx context.Context, id uuid.UUID) (model.JobStatus, bool, error)
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)

	CommitResult(ctx context.Context, v *model.ScheduleVersion, job *model.OptimizationJob, message string) error
	GetVersion(ctx context.Context, id uuid.UUID) (*model.ScheduleVersion, error)
	PublishVersion(ctx context.Context, versionID uuid.UUID, jobID *uuid.UUID, archiveKey string) (*model.Publication, bool, error)
}

// Enqueuer 把任务交给工作池
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID uuid.UUID) error
}

// Archive 发布快照的归档存储
type Archive interface {
	Put(ctx context.Context, key string, body []byte) error
}

// Observer 任务指标
type Observer interface {
	JobTransition(from, to model.JobStatus)
	StageDuration(stage string, d time.Duration)
	SolveFinished(status string, objective int64, gap float64)
}

type nopObserver struct{}

func (nopObserver) JobTransition(model.JobStatus, model.JobStatus) {}
func (nopObserver) StageDuration(string, time.Duration) {}
func (nopObserver) SolveFinished(string, int64, float64) {}
