package job

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/logger"
	"github.com/paiban/nursesched/pkg/model"
	"github.com/paiban/nursesched/pkg/rule/dsl"
	"github.com/paiban/nursesched/pkg/scheduler/compiler"
	"github.com/paiban/nursesched/pkg/scheduler/cpmodel"
	"github.com/paiban/nursesched/pkg/scheduler/solver"
	"github.com/paiban/nursesched/pkg/validator"
)

const tracerName = "github.com/paiban/nursesched/pkg/job"

// Runner 执行单个优化任务：编译、建模、求解、落库
type Runner struct {
	store    Store
	events   Publisher
	cfg      Config
	observer Observer
	tracer   trace.Tracer
	applier  *Applier
}

// RunnerOption 执行器选项
type RunnerOption func(*Runner)

// WithObserver 设置指标观察者
func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithTracer 设置追踪器
func WithTracer(t trace.Tracer) RunnerOption {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithApplier 设置自动发布使用的发布器
func WithApplier(a *Applier) RunnerOption {
	return func(r *Runner) { r.applier = a }
}

// NewRunner 创建执行器
func NewRunner(store Store, events Publisher, cfg Config, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:    store,
		events:   events,
		cfg:      cfg,
		observer: nopObserver{},
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.applier == nil {
		r.applier = NewApplier(store, nil)
	}
	return r
}

// Run 执行一个排队中的任务。任务的所有结局都记录在任务状态中，
// 只有状态本身无法写入时才返回错误
func (r *Runner) Run(ctx context.Context, jobID uuid.UUID) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.JobQueued {
		logger.Info().Str("job_id", jobID.String()).Str("status", string(job.Status)).Msg("任务不在排队状态，跳过")
		return nil
	}

	ctx = logger.ContextWithJobID(ctx, jobID.String())
	ctx, span := r.tracer.Start(ctx, "job.run", trace.WithAttributes(
		attribute.String("job.id", jobID.String()),
		attribute.String("job.mode", string(job.Options.Mode)),
		attribute.Int("job.time_limit_seconds", job.Options.TimeLimitSec),
	))
	defer span.End()

	x := &execution{
		r:     r,
		job:   job,
		log:   logger.NewJobLogger(jobID.String()),
		em:    newEmitter(jobID, r.events),
		start: time.Now(),
	}
	err = x.run(ctx)
	span.SetAttributes(attribute.String("job.status", string(x.job.Status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// execution 一次任务执行的上下文
type execution struct {
	r        *Runner
	job      *model.OptimizationJob
	log      *logger.JobLogger
	em       *emitter
	start    time.Time
	progress atomic.Int64
}

func (x *execution) store() Store { return x.r.store }

// moveTo 迁移状态；失败时恢复内存中的状态
func (x *execution) moveTo(ctx context.Context, to model.JobStatus, message string) error {
	from := x.job.Status
	if !CanTransition(from, to) {
		return apperrors.Newf(apperrors.CodeConflictState, "非法的状态迁移 %s → %s", from, to)
	}
	x.job.Status = to
	if to.IsTerminal() {
		now := time.Now().UTC()
		x.job.FinishedAt = &now
	}
	if err := x.store().TransitionJob(ctx, x.job, from, message); err != nil {
		x.job.Status = from
		if to.IsTerminal() {
			x.job.FinishedAt = nil
		}
		return err
	}
	x.log.Transition(string(from), string(to))
	x.r.observer.JobTransition(from, to)
	return nil
}

func (x *execution) setProgress(p int) {
	if p > x.job.Progress {
		x.job.Progress = p
	}
	x.progress.Store(int64(x.job.Progress))
}

func (x *execution) run(ctx context.Context) error {
	if x.cancelRequested(ctx) {
		return x.cancel(ctx, "排队中已取消")
	}

	now := time.Now().UTC()
	x.job.StartedAt = &now
	x.setProgress(ProgressCompileStart)
	if err := x.moveTo(ctx, model.JobCompiling, "开始编译规则"); err != nil {
		if apperrors.Is(err, apperrors.CodeConflictState) {
			// 已被并发取消
			return nil
		}
		return err
	}
	x.em.phase(ctx, PhaseCompileStart, "开始编译规则", nil)
	x.em.metric(ctx, Metric{Progress: ProgressCompileStart})

	c, err := x.compile(ctx)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeCancelled) {
			return x.cancel(ctx, "编译阶段已取消")
		}
		return x.fail(ctx, "compiling", err)
	}
	x.job.CompileReport = c.report()
	x.setProgress(ProgressCompileDone)
	x.em.phase(ctx, PhaseCompileDone, "规则编译完成", map[string]interface{}{
		"variables":   c.model.Stats.Variables,
		"constraints": c.model.Stats.Constraints,
		"objectives":  c.model.Stats.Objectives,
		"terms":       c.model.Stats.ObjectiveTerms,
		"duration_ms": c.duration.Milliseconds(),
	})
	x.em.metric(ctx, Metric{Progress: ProgressCompileDone})
	if x.cancelRequested(ctx) {
		return x.cancel(ctx, "编译完成后取消")
	}

	x.setProgress(ProgressSolveStart)
	if err := x.moveTo(ctx, model.JobSolving, "开始求解"); err != nil {
		return x.afterConflict(ctx, err)
	}
	x.em.phase(ctx, PhaseSolveStart, "开始求解", map[string]interface{}{
		"time_limit_seconds": int(x.r.cfg.timeLimit(x.job.Options) / time.Second),
		"threads":            x.r.cfg.threads(x.job.Options),
		"seed":               x.job.Options.RandomSeed,
	})
	x.em.metric(ctx, Metric{Progress: ProgressSolveStart})

	out, err := x.solve(ctx, c)
	x.setProgress(int(x.progress.Load()))
	if err != nil {
		if apperrors.Is(err, apperrors.CodeCancelled) {
			return x.cancel(ctx, "求解阶段已取消")
		}
		return x.fail(ctx, "solving", err)
	}
	x.job.SolveReport = solveReport(out)
	x.setProgress(ProgressSolveEnd)
	x.em.phase(ctx, PhaseSolveDone, "求解结束", map[string]interface{}{
		"status":      string(out.Status),
		"objective":   out.Objective,
		"gap":         out.Gap,
		"iterations":  out.Iterations,
		"duration_ms": out.Duration.Milliseconds(),
	})
	x.em.metric(ctx, solvedMetric(out, x.job.Progress))

	if err := x.accept(c, out); err != nil {
		return x.fail(ctx, "solving", err)
	}

	x.setProgress(ProgressPersistStart)
	if err := x.moveTo(ctx, model.JobPersisting, "开始写入结果"); err != nil {
		return x.afterConflict(ctx, err)
	}
	x.em.phase(ctx, PhasePersistStart, "开始写入结果", nil)
	x.em.metric(ctx, Metric{Progress: ProgressPersistStart})

	v, err := x.persist(ctx, c, out)
	if err != nil {
		return x.fail(ctx, "persisting", err)
	}
	x.em.phase(ctx, PhasePersistDone, "结果已写入", map[string]interface{}{
		"version_id":  v.ID.String(),
		"assignments": len(v.Assignments),
	})
	x.em.metric(ctx, Metric{Progress: ProgressDone})

	if x.job.Options.AutoPublish {
		if _, err := x.r.applier.Apply(ctx, x.job); err != nil {
			x.log.Base().Warn().Err(err).Msg("自动发布失败")
			x.em.log(ctx, "persisting", "publish", "自动发布失败："+apperrors.As(err).Public().Message)
		} else {
			x.em.log(ctx, "persisting", "publish", "结果已自动发布")
		}
	}

	x.em.result(ctx, Result{VersionID: v.ID, Status: string(out.Status), Objective: out.Objective, Summary: v.Summary})
	return nil
}

// afterConflict 迁移被拒绝：已请求取消则转为取消，否则按失败处理
func (x *execution) afterConflict(ctx context.Context, err error) error {
	if !apperrors.Is(err, apperrors.CodeConflictState) {
		return x.fail(ctx, string(x.job.Status), err)
	}
	if x.cancelRequested(ctx) {
		return x.cancel(ctx, "任务已取消")
	}
	return err
}

func (x *execution) cancelRequested(ctx context.Context) bool {
	cancel, err := x.store().CancelRequested(ctx, x.job.ID)
	if err != nil {
		x.log.Base().Warn().Err(err).Msg("读取取消标记失败")
		return false
	}
	return cancel
}

// compile 读取冻结规则包与排班数据，编译并建模。前置检查失败都在这里报告
func (x *execution) compile(ctx context.Context) (*compiled, error) {
	ctx, span := x.r.tracer.Start(ctx, "job.compile")
	defer span.End()
	start := time.Now()

	b, err := x.store().GetBundle(ctx, x.job.BundleID)
	if err != nil {
		return nil, err
	}
	if b.ValidationStatus == model.ValidationFail {
		return nil, apperrors.New(apperrors.CodeRuleDSLInvalid, "规则包校验未通过").
			WithField("bundle_id", b.ID.String())
	}
	plan, err := x.store().LoadPlan(ctx, x.job.PeriodID, x.job.BaseVersionID)
	if err != nil {
		return nil, err
	}

	inputs := make([]compiler.Input, 0, len(b.Items))
	for _, it := range b.Items {
		rv, err := x.store().GetRuleVersion(ctx, it.RuleVersionID)
		if err != nil {
			return nil, err
		}
		if it.DSLHash != "" && dsl.Hash(rv.DSLText) != it.DSLHash {
			return nil, apperrors.RuleDSLInvalid(it.RuleID.String(), []string{"规则版本内容与规则包冻结的哈希不一致"})
		}
		inputs = append(inputs, compiler.Input{Item: it, Text: rv.DSLText})
	}

	opts := x.job.Options
	prog, err := compiler.Compile(ctx, plan, inputs, compiler.Options{
		Weights:             opts.Weights,
		NightFairnessWeight: x.r.cfg.NightFairnessWeight,
		MaxHorizonDays:      x.r.cfg.MaxHorizonDays,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeCancelled, "编译已中止")
		}
		return nil, err
	}
	m, err := cpmodel.Build(prog, plan, cpmodel.Options{
		CoverageMode:    opts.CoverageMode,
		RespectLocked:   opts.RespectLocked,
		ChangeWeight:    opts.Weights.ChangeWeight,
		ShortagePenalty: x.r.cfg.ShortagePenalty,
	})
	if err != nil {
		return nil, err
	}

	c := &compiled{bundle: b, plan: plan, prog: prog, model: m, duration: time.Since(start)}
	for _, w := range prog.Warnings {
		x.em.log(ctx, "compiling", "warning", w)
	}
	x.log.CompileDone(m.Stats.Variables, m.Stats.Constraints, m.Stats.ObjectiveTerms, c.duration)
	x.r.observer.StageDuration("compile", c.duration)
	span.SetAttributes(
		attribute.Int("compile.variables", m.Stats.Variables),
		attribute.Int("compile.constraints", m.Stats.Constraints),
		attribute.Int("compile.objectives", m.Stats.Objectives),
	)
	return c, nil
}

// solve 调用求解器；进度按时间回报，取消按固定间隔轮询
func (x *execution) solve(ctx context.Context, c *compiled) (*solver.Outcome, error) {
	ctx, span := x.r.tracer.Start(ctx, "job.solve")
	defer span.End()

	opts := x.job.Options
	poll := &cancelPoller{store: x.store(), id: x.job.ID, interval: x.r.cfg.CancelPollInterval}
	out, err := solver.Solve(ctx, c.model, solver.Options{
		Mode:             opts.Mode,
		TimeLimit:        x.r.cfg.timeLimit(opts),
		Seed:             opts.RandomSeed,
		Threads:          x.r.cfg.threads(opts),
		HardPenalty:      x.r.cfg.HardPenalty,
		Search:           x.r.cfg.Search,
		Exact:            x.r.cfg.Exact,
		ProgressInterval: x.r.cfg.ProgressInterval,
		OnProgress:       func(p solver.Progress) { x.onProgress(ctx, p) },
		Cancelled:        poll.cancelled,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	x.log.SolveDone(string(out.Status), out.Objective, out.Gap, out.Duration)
	x.r.observer.StageDuration("solve", out.Duration)
	x.r.observer.SolveFinished(string(out.Status), out.Objective, out.Gap)
	span.SetAttributes(
		attribute.String("solve.status", string(out.Status)),
		attribute.Int64("solve.objective", out.Objective),
		attribute.Float64("solve.gap", out.Gap),
		attribute.Int("solve.iterations", out.Iterations),
	)
	return out, nil
}

func (x *execution) onProgress(ctx context.Context, p solver.Progress) {
	progress := solveProgress(p.Fraction)
	if int64(progress) > x.progress.Load() {
		x.progress.Store(int64(progress))
		if err := x.store().UpdateJobProgress(ctx, x.job.ID, progress); err != nil {
			x.log.Base().Warn().Err(err).Msg("更新进度失败")
		}
	}
	data := map[string]interface{}{
		"elapsed_ms":      p.Elapsed.Milliseconds(),
		"hard_violations": p.HardViolations,
		"found":           p.Found,
	}
	x.em.phase(ctx, PhaseSolveProgress, "", data)
	m := Metric{Progress: int(x.progress.Load()), ElapsedMS: p.Elapsed.Milliseconds()}
	if p.Found {
		obj, gap := p.Objective, p.Gap
		m.BestObjective = &obj
		m.Gap = &gap
	}
	x.em.metric(ctx, m)
}

func solvedMetric(out *solver.Outcome, progress int) Metric {
	m := Metric{Progress: progress, Breakdown: breakdownMap(out.Breakdown), ElapsedMS: out.Duration.Milliseconds()}
	if out.Status.HasSolution() {
		obj, gap := out.Objective, out.Gap
		m.BestObjective = &obj
		m.Gap = &gap
	}
	return m
}

// accept 按求解结论与超时策略决定是否进入落库
func (x *execution) accept(c *compiled, out *solver.Outcome) error {
	opts := x.job.Options
	switch out.Status {
	case solver.StatusInfeasible:
		reason := "硬约束无法同时满足"
		if len(out.Conflicts) > 0 {
			reason = out.Conflicts[0].Message
		}
		return apperrors.Infeasible(reason).
			WithField("rule_ids", solver.RuleIDs(out.Conflicts)).
			WithField("conflicts", limit(out.Conflicts))
	case solver.StatusTimeout:
		return apperrors.New(apperrors.CodeOptTimeout, "时限内未找到满足全部硬约束的解").
			WithField("violations", limit(out.Violations)).
			WithField("conflicts", limit(out.Conflicts))
	}

	if out.TimedOut && out.Status != solver.StatusOptimal && opts.TimeoutPolicy == model.TimeoutFail {
		return apperrors.New(apperrors.CodeOptTimeout, "求解超时，超时策略不接受未证明最优的可行解").
			WithField("objective", out.Objective).
			WithField("gap", out.Gap)
	}
	if opts.Mode == model.ModeStrictHard {
		if n := c.model.HardViolation(out.Assignment); n > 0 {
			return apperrors.Newf(apperrors.CodeInternal, "结果复核发现 %d 处硬约束违反", n)
		}
	}
	return nil
}

// persist 校验结果集并在一个事务内写入版本
func (x *execution) persist(ctx context.Context, c *compiled, out *solver.Outcome) (*model.ScheduleVersion, error) {
	ctx, span := x.r.tracer.Start(ctx, "job.persist")
	defer span.End()
	start := time.Now()

	v := &model.ScheduleVersion{
		PeriodID:      x.job.PeriodID,
		JobID:         &x.job.ID,
		BaseVersionID: x.job.BaseVersionID,
		BundleID:      &x.job.BundleID,
		Status:        model.VersionDraft,
		Objective:     out.Objective,
		Assignments:   assignments(c, out.Assignment),
		Summary:       summarize(c, out),
	}
	detector := validator.NewConflictDetector(&validator.DetectorConfig{
		CheckLocks:   x.job.Options.RespectLocked,
		RequireFull:  true,
		MaxConflicts: reportLimit,
	})
	if conflicts := detector.DetectAll(v.Assignments, c.plan); validator.HasErrors(conflicts) {
		return nil, apperrors.Newf(apperrors.CodeInternal, "结果集校验发现 %d 处冲突", len(conflicts)).
			WithField("conflicts", conflicts)
	}

	before := *x.job
	x.setProgress(ProgressDone)
	now := time.Now().UTC()
	x.job.FinishedAt = &now
	if err := x.store().CommitResult(ctx, v, x.job, "结果已写入"); err != nil {
		*x.job = before
		span.RecordError(err)
		return nil, err
	}
	x.log.Transition(string(model.JobPersisting), string(model.JobSucceeded))
	x.r.observer.JobTransition(model.JobPersisting, model.JobSucceeded)
	x.r.observer.StageDuration("persist", time.Since(start))
	span.SetAttributes(attribute.Int("persist.assignments", len(v.Assignments)))
	return v, nil
}

// fail 记录失败并发送终止错误事件
func (x *execution) fail(ctx context.Context, stage string, err error) error {
	ae := apperrors.As(err)
	x.log.Failed(stage, string(ae.Code), err)
	body := errorBody(ae.Public(), stage)

	x.job.Error = model.JSONMap{"code": string(body.Code), "message": body.Message, "details": body.Details}
	x.job.Message = body.Message
	if merr := x.moveTo(ctx, model.JobFailed, body.Message); merr != nil {
		return fmt.Errorf("记录任务失败状态: %w", merr)
	}
	x.em.fail(ctx, body)
	return nil
}

// cancel 记录取消，不写入任何版本
func (x *execution) cancel(ctx context.Context, message string) error {
	x.job.Error = model.JSONMap{"code": string(apperrors.CodeCancelled), "message": message}
	x.job.Message = message
	if err := x.moveTo(ctx, model.JobCancelled, message); err != nil {
		if apperrors.Is(err, apperrors.CodeConflictState) {
			return nil
		}
		return err
	}
	x.em.fail(ctx, ErrorBody{Code: apperrors.CodeCancelled, Message: message})
	return nil
}

func errorBody(pub *apperrors.AppError, stage string) ErrorBody {
	details := make(map[string]interface{}, len(pub.Fields)+2)
	for k, v := range pub.Fields {
		details[k] = v
	}
	if pub.Details != "" {
		details["details"] = pub.Details
	}
	details["stage"] = stage
	return ErrorBody{Code: pub.Code, Message: pub.Message, Details: details}
}

// cancelPoller 以固定间隔读取取消标记，命中后保持为 true
type cancelPoller struct {
	store    Store
	id       uuid.UUID
	interval time.Duration

	mu   sync.Mutex
	last time.Time
	hit  bool
}

func (p *cancelPoller) cancelled() bool {
	// 锁内只占用本轮查询时间点，查询在锁外进行，其余调用方直接返回
	p.mu.Lock()
	if p.hit {
		p.mu.Unlock()
		return true
	}
	if !p.last.IsZero() && time.Since(p.last) < p.interval {
		p.mu.Unlock()
		return false
	}
	p.last = time.Now()
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	hit, err := p.store.CancelRequested(ctx, p.id)
	if err != nil {
		logger.Warn().Err(err).Str("job_id", p.id.String()).Msg("轮询取消标记失败")
		return false
	}
	if !hit {
		return false
	}
	p.mu.Lock()
	p.hit = true
	p.mu.Unlock()
	return true
}
