package job

import (
	"time"

	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/model"
	"github.com/paiban/nursesched/pkg/scheduler/compiler"
	"github.com/paiban/nursesched/pkg/scheduler/solver"
)

// Config 任务执行参数
type Config struct {
	DefaultTimeLimit    time.Duration
	MaxTimeLimit        time.Duration
	ProgressInterval    time.Duration
	CancelPollInterval  time.Duration
	HardPenalty         int64
	ShortagePenalty     int
	NightFairnessWeight int
	MaxHorizonDays      int
	Threads             int
	MaxThreads          int
	Search              solver.SearchConfig
	Exact               solver.ExactConfig
}

// DefaultConfig 默认执行参数
func DefaultConfig() Config {
	return Config{
		DefaultTimeLimit:    30 * time.Second,
		MaxTimeLimit:        10 * time.Minute,
		ProgressInterval:    500 * time.Millisecond,
		CancelPollInterval:  200 * time.Millisecond,
		HardPenalty:         solver.DefaultHardPenalty,
		ShortagePenalty:     10000,
		NightFairnessWeight: compiler.DefaultNightFairnessWeight,
		MaxHorizonDays:      62,
		Threads:             1,
		MaxThreads:          16,
		Search:              solver.DefaultSearchConfig(),
		Exact:               solver.DefaultExactConfig(),
	}
}

// NormalizeOptions 校验并补全任务选项。超时策略必须显式给出
func NormalizeOptions(opts model.JobOptions, cfg Config) (model.JobOptions, error) {
	ve := &apperrors.ValidationErrors{}

	switch opts.Mode {
	case "":
		opts.Mode = model.ModeStrictHard
	case model.ModeStrictHard, model.ModeBestEffort:
	default:
		ve.Add("mode", "只能是 strict_hard 或 best_effort")
	}

	switch opts.TimeoutPolicy {
	case model.TimeoutAcceptFeasible, model.TimeoutFail:
	case "":
		ve.Add("timeout_policy", "必须显式指定 accept_feasible 或 fail")
	default:
		ve.Add("timeout_policy", "只能是 accept_feasible 或 fail")
	}

	switch opts.CoverageMode {
	case "":
		opts.CoverageMode = model.CoverageHard
	case model.CoverageHard, model.CoverageSoft:
	default:
		ve.Add("coverage_mode", "只能是 hard 或 soft")
	}

	switch {
	case opts.TimeLimitSec < 0:
		ve.Add("time_limit_seconds", "不能为负数")
	case opts.TimeLimitSec == 0:
		opts.TimeLimitSec = int(cfg.DefaultTimeLimit / time.Second)
	case cfg.MaxTimeLimit > 0 && time.Duration(opts.TimeLimitSec)*time.Second > cfg.MaxTimeLimit:
		ve.Add("time_limit_seconds", "超过允许的最大时限 "+cfg.MaxTimeLimit.String())
	}

	if opts.SolverThreads < 0 || (cfg.MaxThreads > 0 && opts.SolverThreads > cfg.MaxThreads) {
		ve.Add("solver_threads", "超出允许范围")
	}

	w := opts.Weights
	if w == (model.Weights{}) {
		w = model.DefaultWeights()
	}
	if w.SoftMultiplier < 0 || w.FairnessMultiplier < 0 || w.PreferenceMultiplier < 0 {
		ve.Add("weights", "倍率不能为负数")
	}
	if w.ChangeWeight < 0 {
		ve.Add("weights.change_weight", "不能为负数")
	}
	opts.Weights = w

	if ve.HasErrors() {
		return opts, ve.ToAppError()
	}
	return opts, nil
}

func (c Config) timeLimit(opts model.JobOptions) time.Duration {
	d := time.Duration(opts.TimeLimitSec) * time.Second
	if d <= 0 {
		d = c.DefaultTimeLimit
	}
	if c.MaxTimeLimit > 0 && d > c.MaxTimeLimit {
		d = c.MaxTimeLimit
	}
	return d
}

func (c Config) threads(opts model.JobOptions) int {
	if opts.SolverThreads > 0 {
		return opts.SolverThreads
	}
	if c.Threads > 0 {
		return c.Threads
	}
	return 1
}
