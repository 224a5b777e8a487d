// Package compiler 将冻结规则包中的 DSL 展开为约束与目标 IR
package compiler

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/logger"
	"github.com/paiban/nursesched/pkg/model"
	"github.com/paiban/nursesched/pkg/rule/dsl"
	"github.com/paiban/nursesched/pkg/rule/where"
	"github.com/paiban/nursesched/pkg/scheduler/ir"
)

// DefaultNightFairnessWeight 未显式配置夜班平衡时的基础权重
const DefaultNightFairnessWeight = 5

// Input 一个待编译的规则包条目及其 DSL 原文
type Input struct {
	Item model.BundleItem
	Text string
}

// Options 编译选项
type Options struct {
	Weights             model.Weights
	NightFairnessWeight int
	MaxHorizonDays      int
}

// Scale 计算目标系数；倍率为 0 时丢弃该项
func Scale(weight, multiplier float64) int {
	if multiplier <= 0 || weight <= 0 {
		return 0
	}
	c := int(math.Round(weight * multiplier))
	if c < 1 {
		c = 1
	}
	return c
}

// Compile 按优先级展开全部启用的条目
func Compile(ctx context.Context, plan *model.Plan, inputs []Input, opts Options) (*ir.Program, error) {
	space, err := ir.NewSpace(plan, opts.MaxHorizonDays)
	if err != nil {
		return nil, err
	}
	if opts.NightFairnessWeight == 0 {
		opts.NightFairnessWeight = DefaultNightFairnessWeight
	}

	c := &compiler{
		plan:  plan,
		space: space,
		opts:  opts,
		prog:  &ir.Program{Space: space},
		docs:  parseAll(inputs),
	}
	if err := c.compileDemands(); err != nil {
		return nil, err
	}

	ordered := append([]Input(nil), inputs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].Item, ordered[j].Item
		if a.PriorityAtTime != b.PriorityAtTime {
			return a.PriorityAtTime > b.PriorityAtTime
		}
		return a.Seq < b.Seq
	})

	for _, in := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !in.Item.EnabledAtTime {
			continue
		}
		if err := c.compileRule(in); err != nil {
			return nil, err
		}
	}

	c.addImplicitNightFairness()
	c.prog.Recount()

	logger.Debug().
		Int("constraints", c.prog.Stats.Constraints).
		Int("objectives", c.prog.Stats.Objectives).
		Int("rules", c.prog.Stats.Rules).
		Msg("规则编译结束")

	return c.prog, nil
}

type compiler struct {
	plan  *model.Plan
	space *ir.Space
	opts  Options
	prog  *ir.Program
	// docs 启用条目的文档，按规则版本索引，用于计算覆盖方的适用人员
	docs map[uuid.UUID]*dsl.Document
	// nightBalanced 已产生覆盖夜班的区间目标
	nightBalanced bool
}

// parseAll 解析全部启用条目；解析失败的留给 compileRule 报错
func parseAll(inputs []Input) map[uuid.UUID]*dsl.Document {
	docs := make(map[uuid.UUID]*dsl.Document, len(inputs))
	for _, in := range inputs {
		if !in.Item.EnabledAtTime {
			continue
		}
		doc, err := dsl.Parse(in.Text)
		if err != nil {
			continue
		}
		dsl.Normalize(doc)
		docs[in.Item.RuleVersionID] = doc
	}
	return docs
}

// unit 单个条目的编译上下文
type unit struct {
	c        *compiler
	ruleID   string
	itemID   string
	name     dsl.Name
	category model.Category
	priority int
	weight   float64
	targets  []int
	message  string
	scopeID  string
	scope    model.ScopeType

	constraints []ir.Constraint
	objectives  []ir.Objective
}

func invalid(ruleID string, format string, args ...interface{}) error {
	return apperrors.RuleDSLInvalid(ruleID, []string{fmt.Sprintf(format, args...)})
}

func (c *compiler) compileRule(in Input) error {
	ruleID := in.Item.RuleID.String()
	doc, err := dsl.Parse(in.Text)
	if err != nil {
		return invalid(ruleID, "DSL 解析失败：%v", err)
	}
	dsl.Normalize(doc)
	category := doc.EffectiveCategory()
	if !category.Valid() {
		return invalid(ruleID, "未知的 category：%s", category)
	}
	c.prog.Stats.Rules++

	for idx, it := range doc.Items() {
		u := &unit{
			c:        c,
			ruleID:   ruleID,
			itemID:   dsl.ItemKey(it, idx),
			name:     dsl.Canonical(it.Name),
			category: category,
			priority: in.Item.PriorityAtTime,
			message:  it.Message,
			scope:    doc.ScopeType(),
			scopeID:  doc.ScopeID(),
		}
		if category == model.CategoryHard {
			if it.Weight != nil {
				return invalid(ruleID, "%s：HARD 条目不得设置 weight", u.itemID)
			}
		} else {
			w, ok := doc.ItemWeight(it)
			if !ok || w <= 0 || w > dsl.WeightMax {
				return invalid(ruleID, "%s：weight 缺失或越界", u.itemID)
			}
			u.weight = w
		}

		if dsl.FilterOnlyNames[string(u.name)] {
			return invalid(ruleID, "%s：%s 仅可用于 where 过滤", u.itemID, u.name)
		}
		entry, ok := dsl.Lookup(u.name)
		if !ok {
			return invalid(ruleID, "%s：编译器不支持 %s", u.itemID, u.name)
		}
		if category == model.CategoryHard && entry.Kind != dsl.KindConstraint {
			return invalid(ruleID, "%s：%s 不能作为硬约束", u.itemID, u.name)
		}
		params, _, err := dsl.DecodeParams(u.name, it.Params)
		if err != nil {
			return invalid(ruleID, "%s：%v", u.itemID, err)
		}
		if msgs := dsl.CheckBounds(params); len(msgs) > 0 {
			return invalid(ruleID, "%s：%s", u.itemID, strings.Join(msgs, "；"))
		}

		u.targets, err = c.targets(doc, it, ruleID)
		if err != nil {
			return err
		}
		if ex := in.Item.ExclusionsFor(u.itemID); len(ex) > 0 && len(u.targets) > 0 {
			if u.targets, err = c.exclude(u.targets, ex); err != nil {
				return err
			}
			if len(u.targets) == 0 {
				c.prog.Stats.SkippedItems++
				c.prog.Warnings = append(c.prog.Warnings, fmt.Sprintf("规则 %s 的 %s 已被更高层同类条目完全覆盖，已跳过", ruleID, u.itemID))
				continue
			}
		}
		if len(u.targets) == 0 {
			c.prog.Stats.SkippedItems++
			c.prog.Warnings = append(c.prog.Warnings, fmt.Sprintf("规则 %s 的 %s 没有适用的护理人员，已跳过", ruleID, u.itemID))
			continue
		}

		if entry.Kind == dsl.KindConstraint {
			if err := u.compileConstraint(params); err != nil {
				return err
			}
		} else {
			if err := u.compileObjective(params, entry); err != nil {
				return err
			}
		}
		u.flush()
	}
	return nil
}

// compileConstraint 硬约束名称的展开，穷举全部约束种类
func (u *unit) compileConstraint(p dsl.Params) error {
	switch p := p.(type) {
	case *dsl.OneShiftPerDay:
		// 每格恰好一个班别由决策变量的定义保证
		return nil
	case *dsl.CoverageRequired:
		return u.coverage(p)
	case *dsl.SkillCoverage:
		return u.skillCoverage(p)
	case *dsl.MaxConsecutiveWorkDays:
		return u.maxConsecutiveWork(p)
	case *dsl.MaxConsecutiveShift:
		return u.maxConsecutiveShift(p.ShiftCode, p.MaxDays)
	case *dsl.MaxConsecutiveSameShift:
		return u.maxConsecutiveSame(p)
	case *dsl.ForbidTransition:
		return u.forbidTransition(p)
	case *dsl.RestAfterShift:
		return u.restAfterShift(p)
	case *dsl.MaxAssignmentsInWindow:
		return u.maxAssignmentsInWindow(p)
	case *dsl.MaxWorkDaysInRollingWindow:
		return u.maxWorkDaysInWindow(p)
	case *dsl.UnavailableDates:
		return u.unavailableDates(p)
	case *dsl.NoviceSenior:
		return u.noviceSenior(p)
	case *dsl.MinConsecutiveOffDays:
		return u.minConsecutiveOff(p)
	case *dsl.WeekendAllOrNothing:
		return u.weekendAllOrNothing(p)
	case *dsl.MinFullWeekendsOff:
		return u.minFullWeekendsOff(p)
	}
	return invalid(u.ruleID, "%s：%s 没有对应的编译规则", u.itemID, p.Name())
}

// compileObjective 目标名称的展开
func (u *unit) compileObjective(p dsl.Params, entry dsl.Entry) error {
	switch p := p.(type) {
	case *dsl.BalanceShiftCount:
		return u.balanceShiftCount(p)
	case *dsl.BalanceWeekendShiftCount:
		return u.balanceWeekend(p)
	case *dsl.PenalizeTransition:
		return u.penalizeTransition(p)
	case *dsl.PreferOffOnWeekends:
		return u.preferOffOnWeekends()
	case *dsl.PreferShift:
		return u.preferShift(p)
	case *dsl.PenalizeSingleOffDay:
		return u.penalizeSingleOff(p)
	case *dsl.PenalizeConsecutiveSameShift:
		return u.penalizeConsecutiveSame(p)
	}
	return invalid(u.ruleID, "%s：%s 没有对应的编译规则", u.itemID, entry.Name)
}

// flush 硬规则的约束直接加入模型；软规则中的约束名称按违反量计入目标
func (u *unit) flush() {
	report := ir.ItemReport{
		RuleID:   u.ruleID,
		ItemID:   u.itemID,
		Name:     string(u.name),
		Category: string(u.category),
		Targets:  len(u.targets),
	}
	if len(u.constraints) > 0 {
		if u.category == model.CategoryHard {
			u.c.prog.Constraints = append(u.c.prog.Constraints, u.constraints...)
			report.Constraints = len(u.constraints)
		} else if coef := u.coef(false); coef > 0 {
			u.objectives = append(u.objectives, ir.Objective{
				RuleID:      u.ruleID,
				ItemID:      u.itemID,
				Name:        string(u.name),
				Category:    string(u.category),
				Family:      ir.FamilyRule,
				Priority:    u.priority,
				Coef:        coef,
				Kind:        ir.KindViolation,
				Constraints: u.constraints,
			})
		}
	}
	report.Objectives = len(u.objectives)
	u.c.prog.Objectives = append(u.c.prog.Objectives, u.objectives...)
	u.c.prog.Items = append(u.c.prog.Items, report)
}

// coef 条目权重乘以对应倍率
func (u *unit) coef(fairness bool) int {
	w := u.c.opts.Weights
	switch {
	case fairness:
		return Scale(u.weight, w.FairnessMultiplier)
	case u.category == model.CategoryPreference:
		return Scale(u.weight, w.PreferenceMultiplier)
	}
	return Scale(u.weight, w.SoftMultiplier)
}

// add 追加一条约束，Nurse/Day/Shift 为诊断定位
func (u *unit) add(terms []ir.Term, sense ir.Sense, rhs int, n, d, s int) *ir.Constraint {
	u.constraints = append(u.constraints, ir.Constraint{
		RuleID:  u.ruleID,
		ItemID:  u.itemID,
		Name:    string(u.name),
		Terms:   terms,
		Sense:   sense,
		RHS:     rhs,
		Nurse:   int32(n),
		Day:     int32(d),
		Shift:   int32(s),
		Message: u.message,
	})
	return &u.constraints[len(u.constraints)-1]
}

// objective 追加一个规则目标
func (u *unit) objective(kind ir.ObjKind, coef int, fam ir.Family) *ir.Objective {
	u.objectives = append(u.objectives, ir.Objective{
		RuleID:   u.ruleID,
		ItemID:   u.itemID,
		Name:     string(u.name),
		Category: string(u.category),
		Family:   fam,
		Priority: u.priority,
		Coef:     coef,
		Kind:     kind,
	})
	return &u.objectives[len(u.objectives)-1]
}

// shift 解析班别代码
func (u *unit) shift(code string) (int, error) {
	s, ok := u.c.space.ShiftIndex(code)
	if !ok {
		return 0, invalid(u.ruleID, "%s：未知班别 %s", u.itemID, code)
	}
	return s, nil
}

// shifts 解析班别列表，空列表时返回 fallback
func (u *unit) shifts(codes []string, fallback []int) ([]int, error) {
	if len(codes) == 0 {
		return fallback, nil
	}
	out := make([]int, 0, len(codes))
	seen := make(map[int]bool)
	for _, code := range codes {
		if code == dsl.AnyWork {
			for _, s := range u.c.space.WorkShifts() {
				if !seen[s] {
					seen[s] = true
					out = append(out, s)
				}
			}
			continue
		}
		s, err := u.shift(code)
		if err != nil {
			return nil, err
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, nil
}

// offShift 解析休假班别
func (u *unit) offShift(code string) (int, error) {
	if code == "" {
		return u.c.space.Off, nil
	}
	return u.shift(code)
}

// workLits 上班指示：未指定班别时为 ¬x[n,d,OFF]，否则为所列班别之和
func (u *unit) workLits(n, d int, include []int) []ir.Term {
	if include == nil {
		return []ir.Term{ir.T(1, ir.NotX(n, d, u.c.space.Off))}
	}
	out := make([]ir.Term, 0, len(include))
	for _, s := range include {
		out = append(out, ir.T(1, ir.X(n, d, s)))
	}
	return out
}

// days 满足日期过滤的天
func (u *unit) days(f dsl.DayFilter) []int {
	sp := u.c.space
	dates := make(map[string]bool, len(f.Dates))
	for _, d := range f.Dates {
		dates[d] = true
	}
	weekdays := make(map[int]bool, len(f.Weekdays))
	for _, w := range f.Weekdays {
		weekdays[w] = true
	}
	out := make([]int, 0, sp.D())
	for d := 0; d < sp.D(); d++ {
		if len(dates) > 0 && !dates[sp.Dates[d]] {
			continue
		}
		if len(weekdays) > 0 && !weekdays[int(sp.Weekdays[d])] {
			continue
		}
		out = append(out, d)
	}
	return out
}

// windows 窗口起点：滑动时逐日，否则从周期首日起分块，末尾不完整的块跳过
func windows(horizon, size int, sliding bool) []int {
	if size <= 0 || size > horizon {
		return nil
	}
	step := 1
	if !sliding {
		step = size
	}
	var out []int
	for start := 0; start+size <= horizon; start += step {
		out = append(out, start)
	}
	return out
}

// exclude 从 targets 中扣除覆盖方条目作用的护理人员；覆盖方不在本次编译中时不扣除
func (c *compiler) exclude(targets []int, exclusions []model.ItemExclusion) ([]int, error) {
	drop := make(map[int]bool)
	for _, ex := range exclusions {
		doc, ok := c.docs[ex.WinnerVersionID]
		if !ok {
			continue
		}
		for idx, it := range doc.Items() {
			if dsl.ItemKey(it, idx) != ex.WinnerItem {
				continue
			}
			winners, err := c.targets(doc, it, ex.WinnerVersionID.String())
			if err != nil {
				return nil, err
			}
			for _, n := range winners {
				drop[n] = true
			}
		}
	}
	out := targets[:0:0]
	for _, n := range targets {
		if !drop[n] {
			out = append(out, n)
		}
	}
	return out, nil
}

// targets 按范围与 where 过滤出适用的护理人员；只读主数据，与决策变量无关
func (c *compiler) targets(doc *dsl.Document, it dsl.Item, ruleID string) ([]int, error) {
	expr, err := where.Parse(it.Where)
	if err != nil {
		return nil, invalid(ruleID, "where 表达式无效：%v", err)
	}
	scope, scopeID := doc.ScopeType(), doc.ScopeID()
	dept := ""
	if scope == model.ScopeDepartment {
		dept = scopeID
		for _, d := range c.plan.Departments {
			if d.Matches(scopeID) {
				dept = d.Code
				break
			}
		}
	}

	var out []int
	for i, n := range c.plan.Nurses {
		switch scope {
		case model.ScopeNurse:
			if scopeID != "" && !n.Matches(scopeID) {
				continue
			}
		case model.ScopeDepartment:
			if dept != "" && !strings.EqualFold(n.DepartmentCode, dept) {
				continue
			}
		}
		ok, err := expr.Match(where.NurseEnv{Nurse: n, LevelRank: c.plan.JobLevelPriority(n.JobLevelCode)})
		if err != nil {
			return nil, invalid(ruleID, "where 求值失败：%v", err)
		}
		if ok {
			out = append(out, i)
		}
	}
	return out, nil
}
