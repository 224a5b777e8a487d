package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/paiban/nursesched/internal/repository"
	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/logger"
	"github.com/paiban/nursesched/pkg/model"
)

// Runner 执行一个任务
type Runner interface {
	Run(ctx context.Context, jobID uuid.UUID) error
}

// DepthReporter 上报队列深度
type DepthReporter interface {
	SetQueueDepth(n int)
}

// Pool 固定数量的工作协程，从队列领取任务交给 Runner
type Pool struct {
	queue    Queue
	runner   Runner
	workers  int
	reporter DepthReporter
	interval time.Duration
}

// NewPool 创建工作池，reporter 可为 nil
func NewPool(q Queue, runner Runner, workers int, reporter DepthReporter) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{queue: q, runner: runner, workers: workers, reporter: reporter, interval: 5 * time.Second}
}

// Run 阻塞直到 ctx 结束。某个消费者出错时其余消费者一并退出
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			logger.Debug().Int("worker", worker).Msg("工作协程启动")
			return p.queue.Consume(ctx, p.handle)
		})
	}
	if p.reporter != nil {
		g.Go(func() error {
			ticker := time.NewTicker(p.interval)
			defer ticker.Stop()
			for {
				p.reporter.SetQueueDepth(p.queue.Depth())
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

func (p *Pool) handle(ctx context.Context, jobID uuid.UUID) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().
				Str("job_id", jobID.String()).
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Msg("任务执行崩溃")
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	if err := p.runner.Run(ctx, jobID); err != nil {
		logger.Error().Err(err).Str("job_id", jobID.String()).Msg("任务执行失败")
		return err
	}
	return nil
}

// RecoveryStore 启动恢复所需的任务存取
type RecoveryStore interface {
	ListJobs(ctx context.Context, filter repository.ListFilter) ([]*model.OptimizationJob, error)
	TransitionJob(ctx context.Context, job *model.OptimizationJob, from model.JobStatus, message string) error
}

// Recover 处理上次进程遗留的任务：执行中的记为失败；requeue 为 true 时把排队中的重新入队。
// 持久化队列的消息仍在，不需要重新入队
func Recover(ctx context.Context, store RecoveryStore, q Queue, requeue bool) (int, error) {
	const message = "服务重启，任务执行中断"
	handled := 0

	for _, status := range []model.JobStatus{model.JobCompiling, model.JobSolving, model.JobPersisting} {
		jobs, err := listAll(ctx, store, status)
		if err != nil {
			return handled, err
		}
		for _, j := range jobs {
			now := time.Now().UTC()
			j.Status = model.JobFailed
			j.FinishedAt = &now
			j.Message = message
			j.Error = model.JSONMap{
				"code":    string(apperrors.CodeInternal),
				"message": message,
				"details": map[string]interface{}{"stage": string(status)},
			}
			if err := store.TransitionJob(ctx, j, status, message); err != nil {
				if apperrors.Is(err, apperrors.CodeConflictState) {
					continue
				}
				return handled, err
			}
			logger.Warn().Str("job_id", j.ID.String()).Str("status", string(status)).Msg(message)
			handled++
		}
	}

	if !requeue {
		return handled, nil
	}
	queued, err := listAll(ctx, store, model.JobQueued)
	if err != nil {
		return handled, err
	}
	// 先创建的先执行
	for i := len(queued) - 1; i >= 0; i-- {
		if err := q.Enqueue(ctx, queued[i].ID); err != nil {
			return handled, err
		}
		handled++
	}
	return handled, nil
}

func listAll(ctx context.Context, store RecoveryStore, status model.JobStatus) ([]*model.OptimizationJob, error) {
	const page = 200
	var out []*model.OptimizationJob
	filter := repository.DefaultListFilter().WithLimit(page)
	filter.Status = string(status)
	for offset := 0; ; offset += page {
		jobs, err := store.ListJobs(ctx, filter.WithOffset(offset))
		if err != nil {
			return nil, err
		}
		out = append(out, jobs...)
		if len(jobs) < page {
			return out, nil
		}
	}
}
