package job

import (
	"sort"
	"time"

	"github.com/paiban/nursesched/pkg/model"
	"github.com/paiban/nursesched/pkg/rule/dsl"
	"github.com/paiban/nursesched/pkg/scheduler/compiler"
	"github.com/paiban/nursesched/pkg/scheduler/cpmodel"
	"github.com/paiban/nursesched/pkg/scheduler/ir"
	"github.com/paiban/nursesched/pkg/scheduler/solver"
	"github.com/paiban/nursesched/pkg/stats"
)

// reportLimit 报告中逐条列出的违反与冲突上限
const reportLimit = 50

// compiled 编译阶段的产物
type compiled struct {
	bundle   *model.RuleBundle
	plan     *model.Plan
	prog     *ir.Program
	model    *cpmodel.Model
	duration time.Duration
}

func (c *compiled) report() model.JSONMap {
	return model.JSONMap{
		"bundle_id":     c.bundle.ID.String(),
		"content_hash":  c.bundle.ContentHash,
		"nurses":        c.prog.Space.N(),
		"days":          c.prog.Space.D(),
		"shifts":        c.prog.Space.S(),
		"variables":     c.model.Stats.Variables,
		"aux_variables": c.model.Stats.AuxVariables,
		"constraints":   c.model.Stats.Constraints,
		"objectives":    c.model.Stats.Objectives,
		"terms":         c.model.Stats.ObjectiveTerms,
		"rules":         c.prog.Stats.Rules,
		"skipped_items": c.prog.Stats.SkippedItems,
		"items":         c.prog.Items,
		"warnings":      c.prog.Warnings,
		"duration_ms":   c.duration.Milliseconds(),
	}
}

func limit[T any](xs []T) []T {
	if len(xs) > reportLimit {
		return xs[:reportLimit]
	}
	return xs
}

func breakdownMap(b cpmodel.Breakdown) map[string]int64 {
	out := make(map[string]int64, len(b.ByFamily))
	for f, v := range b.ByFamily {
		out[string(f)] = v
	}
	return out
}

func solveReport(out *solver.Outcome) model.JSONMap {
	return model.JSONMap{
		"status":          string(out.Status),
		"objective":       out.Objective,
		"lower_bound":     out.LowerBound,
		"gap":             out.Gap,
		"breakdown":       breakdownMap(out.Breakdown),
		"objective_items": out.Breakdown.Items,
		"violations":      limit(out.Violations),
		"violation_count": len(out.Violations),
		"shortages":       limit(out.Shortages),
		"conflicts":       limit(out.Conflicts),
		"rule_ids":        solver.RuleIDs(out.Conflicts),
		"timed_out":       out.TimedOut,
		"iterations":      out.Iterations,
		"islands":         out.Islands,
		"moves":           out.Moves,
		"duration_ms":     out.Duration.Milliseconds(),
	}
}

// coverageDemands 汇总每日每班的总人力需求，同格取最大值；技能配比不计入
func coverageDemands(plan *model.Plan, prog *ir.Program) []stats.Demand {
	type key struct{ date, shift string }
	best := make(map[key]stats.Demand)
	put := func(d stats.Demand) {
		k := key{d.Date, d.Shift}
		if cur, ok := best[k]; !ok || d.Required > cur.Required {
			best[k] = d
		}
	}
	for _, row := range plan.Demands {
		if row.SkillCode == "" && row.Required > 0 {
			put(stats.Demand{Date: row.Date, Shift: row.ShiftCode, Required: row.Required, Source: compiler.NameDemand})
		}
	}
	sp := prog.Space
	for _, c := range prog.Constraints {
		if !c.Coverage || c.Name != string(dsl.NameCoverageRequired) || c.Day < 0 || c.Shift < 0 {
			continue
		}
		put(stats.Demand{Date: sp.Dates[c.Day], Shift: sp.Shifts[c.Shift], Required: c.RHS, Source: c.RuleID})
	}

	out := make([]stats.Demand, 0, len(best))
	for _, d := range best {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Shift < out[j].Shift
	})
	return out
}

func nightCodes(plan *model.Plan) []string {
	var codes []string
	for _, s := range plan.Shifts {
		if s.IsNight && !s.IsOff() {
			codes = append(codes, s.Code)
		}
	}
	return codes
}

// assignments 把解展开为逐格分配
func assignments(c *compiled, t *ir.Table) []model.Assignment {
	sp := c.prog.Space
	out := make([]model.Assignment, 0, sp.N()*sp.D())
	for n := 0; n < sp.N(); n++ {
		for d := 0; d < sp.D(); d++ {
			out = append(out, model.Assignment{
				NurseID:   sp.NurseIDs[n],
				Date:      sp.Dates[d],
				ShiftCode: sp.Shifts[t.At(n, d)],
				Locked:    c.model.IsLocked(n, d),
			})
		}
	}
	return out
}

// summarize 版本摘要：人员班次统计、夜班与周末极差、覆盖缺口、目标分解
func summarize(c *compiled, out *solver.Outcome) model.JSONMap {
	grid := stats.NewGrid(c.prog.Space, out.Assignment, nightCodes(c.plan))
	s := stats.Summarize(grid, coverageDemands(c.plan, c.prog), out.Objective, breakdownMap(out.Breakdown)).Map()
	s["status"] = string(out.Status)
	s["lower_bound"] = out.LowerBound
	s["gap"] = out.Gap
	s["hard_violations"] = len(out.Violations)
	return model.JSONMap(s)
}
