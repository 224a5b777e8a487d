// Package solver 在排班模型上搜索满足硬约束且目标最小的解
package solver

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/logger"
	"github.com/paiban/nursesched/pkg/model"
	"github.com/paiban/nursesched/pkg/scheduler/cpmodel"
	"github.com/paiban/nursesched/pkg/scheduler/ir"
)

// Status 求解结论
type Status string

const (
	StatusOptimal    Status = "OPTIMAL"
	StatusFeasible   Status = "FEASIBLE"
	StatusInfeasible Status = "INFEASIBLE"
	StatusTimeout    Status = "TIMEOUT"
)

// HasSolution 是否带有可落库的解
func (s Status) HasSolution() bool {
	return s == StatusOptimal || s == StatusFeasible
}

// DefaultHardPenalty 每单位硬违反折算的评分
const DefaultHardPenalty int64 = 100000

// NameHardCombination 多条硬约束共同导致无解时的冲突名
const NameHardCombination = "hard_combination"

// Options 求解参数
type Options struct {
	Mode        model.SolveMode
	TimeLimit   time.Duration
	Seed        int64
	Threads     int
	HardPenalty int64
	Search      SearchConfig
	Exact       ExactConfig
	// ProgressInterval 进度回调的时间间隔
	ProgressInterval time.Duration
	OnProgress       func(Progress)
	// Cancelled 返回 true 时在下一个检查点停止
	Cancelled func() bool
}

// Progress 求解进度
type Progress struct {
	Elapsed        time.Duration `json:"elapsed"`
	Objective      int64         `json:"objective"`
	HardViolations int           `json:"hard_violations"`
	Gap            float64       `json:"gap"`
	Found          bool          `json:"found"`
	// Fraction 已用时间占时限的比例，0..1
	Fraction float64 `json:"fraction"`
}

// Outcome 求解结果
type Outcome struct {
	Status     Status              `json:"status"`
	Assignment *ir.Table           `json:"-"`
	Objective  int64               `json:"objective"`
	LowerBound int64               `json:"lower_bound"`
	Gap        float64             `json:"gap"`
	Breakdown  cpmodel.Breakdown   `json:"breakdown"`
	Violations []cpmodel.Violation `json:"violations,omitempty"`
	Shortages  []cpmodel.Violation `json:"shortages,omitempty"`
	Conflicts  []Conflict          `json:"conflicts,omitempty"`
	TimedOut   bool                `json:"timed_out"`
	Iterations int                 `json:"iterations"`
	Islands    int                 `json:"islands"`
	Moves      map[string]int      `json:"moves,omitempty"`
	Duration   time.Duration       `json:"duration"`
}

var moveNames = [moveTypes]string{"change", "swap", "repair"}

// Solve 求解模型。取消时返回 CANCELLED 错误，其余结论通过 Outcome.Status 表达
func Solve(ctx context.Context, m *cpmodel.Model, opts Options) (*Outcome, error) {
	start := time.Now()
	if opts.HardPenalty <= 0 {
		opts.HardPenalty = DefaultHardPenalty
	}
	if opts.Threads <= 0 {
		opts.Threads = 1
	}
	if opts.Search == (SearchConfig{}) {
		opts.Search = DefaultSearchConfig()
	}
	if opts.Exact == (ExactConfig{}) {
		opts.Exact = DefaultExactConfig()
	}
	lb := m.LowerBound()
	var deadline time.Time
	if opts.TimeLimit > 0 {
		deadline = start.Add(opts.TimeLimit)
	}
	infeasible := func(conflicts []Conflict) *Outcome {
		logger.Info().
			Int("conflicts", len(conflicts)).
			Strs("rules", RuleIDs(conflicts)).
			Msg("根节点证明不可行")
		return &Outcome{
			Status:     StatusInfeasible,
			LowerBound: lb,
			Conflicts:  conflicts,
			Duration:   time.Since(start),
		}
	}

	conflicts := Presolve(m)
	if len(conflicts) > 0 && opts.Mode != model.ModeBestEffort {
		return infeasible(conflicts), nil
	}

	var witness *ir.Table
	if len(conflicts) == 0 {
		ex, err := checkExact(ctx, m, opts.Exact, opts.Cancelled, deadline)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeCancelled, "求解已取消")
		}
		logger.Debug().
			Int("status", ex.status).
			Int("relaxed", ex.skipped).
			Bool("witness", ex.witness != nil).
			Msg("SAT 可满足性判定结束")
		switch {
		case ex.status == exactUnsat:
			conflicts = []Conflict{{
				RuleID:  hardRules(m),
				Name:    NameHardCombination,
				Message: "硬约束组合在当前锁定与可排范围内无解",
			}}
			if opts.Mode != model.ModeBestEffort {
				return infeasible(conflicts), nil
			}
		case ex.witness != nil:
			witness = ex.witness
		}
	}

	l := newLayout(m)
	shared := &tracker{}

	islands := make([]*island, opts.Threads)
	for i := range islands {
		is := newIsland(i, l, opts.Search, opts.Seed, opts.HardPenalty)
		is.deadline = deadline
		is.stopFn = opts.Cancelled
		is.shared = shared
		if i == 0 && witness != nil {
			is.seed(witness)
		}
		islands[i] = is
	}

	// 返回前等待进度回报退出，之后不再回调 OnProgress
	done := make(chan struct{})
	var reporter sync.WaitGroup
	if opts.OnProgress != nil && opts.ProgressInterval > 0 {
		reporter.Add(1)
		go func() {
			defer reporter.Done()
			reportProgress(done, start, opts, lb, shared)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, is := range islands {
		is := is
		g.Go(func() error { return is.run(gctx) })
	}
	err := g.Wait()
	close(done)
	reporter.Wait()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, apperrors.Wrap(err, apperrors.CodeCancelled, "求解已取消")
		}
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "求解失败")
	}

	best := islands[0].result()
	out := &Outcome{LowerBound: lb, Islands: len(islands), Moves: make(map[string]int, moveTypes)}
	for _, is := range islands {
		r := is.result()
		out.Iterations += r.iters
		out.TimedOut = out.TimedOut || r.timedOut
		for t, n := range r.moves {
			out.Moves[moveNames[t]] += n
		}
		// 同分取编号小的岛
		if r.score < best.score {
			best = r
		}
	}

	out.Assignment = best.grid
	out.Breakdown = m.Evaluate(best.grid)
	out.Objective = out.Breakdown.Total
	out.Gap = gap(out.Objective, lb)
	out.Violations = m.Verify(best.grid)
	out.Shortages = m.Shortages(best.grid)
	out.Conflicts = conflicts
	out.Duration = time.Since(start)

	switch {
	case len(out.Violations) == 0 && out.Objective <= lb:
		out.Status = StatusOptimal
	case len(out.Violations) == 0:
		out.Status = StatusFeasible
	case opts.Mode == model.ModeBestEffort:
		out.Status = StatusFeasible
	default:
		out.Status = StatusTimeout
	}

	logger.Debug().
		Str("status", string(out.Status)).
		Int64("objective", out.Objective).
		Int64("lower_bound", lb).
		Int("violations", len(out.Violations)).
		Int("iterations", out.Iterations).
		Bool("timed_out", out.TimedOut).
		Dur("duration", out.Duration).
		Msg("求解结束")
	return out, nil
}

// reportProgress 按固定时间间隔回报当前最优
func reportProgress(done <-chan struct{}, start time.Time, opts Options, lb int64, shared *tracker) {
	ticker := time.NewTicker(opts.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			obj, hard, found := shared.snapshot()
			p := Progress{Elapsed: time.Since(start), Objective: obj, HardViolations: hard, Found: found}
			if found {
				p.Gap = gap(obj, lb)
			}
			if opts.TimeLimit > 0 {
				p.Fraction = math.Min(1, float64(p.Elapsed)/float64(opts.TimeLimit))
			}
			opts.OnProgress(p)
		}
	}
}

// gap 相对下界的最优性差距
func gap(obj, lb int64) float64 {
	if obj <= lb {
		return 0
	}
	den := math.Abs(float64(obj))
	if den < 1 {
		den = 1
	}
	return float64(obj-lb) / den
}
