package compiler

import (
	"github.com/paiban/nursesched/pkg/model"
	"github.com/paiban/nursesched/pkg/rule/dsl"
	"github.com/paiban/nursesched/pkg/scheduler/ir"
)

// NameNightFairness 隐式夜班平衡目标名称
const NameNightFairness = "night_fairness"

// countGroups 每位护理人员在 days × shifts 上的计数
func countGroups(targets, days, shifts []int) [][]ir.Term {
	groups := make([][]ir.Term, 0, len(targets))
	for _, n := range targets {
		grp := make([]ir.Term, 0, len(days)*len(shifts))
		for _, d := range days {
			for _, s := range shifts {
				grp = append(grp, ir.T(1, ir.X(n, d, s)))
			}
		}
		groups = append(groups, grp)
	}
	return groups
}

func allDays(D int) []int {
	out := make([]int, D)
	for i := range out {
		out[i] = i
	}
	return out
}

// fairness 区间目标，单人时没有意义。返回是否产生了目标
func (u *unit) fairness(days, shifts []int) bool {
	coef := u.coef(true)
	if coef == 0 || len(u.targets) < 2 {
		return false
	}
	u.objective(ir.KindRange, coef, ir.FamilyFairness).Groups = countGroups(u.targets, days, shifts)
	return true
}

// balanceShiftCount 所列班别次数的 max-min；未指定时为夜班，没有夜班时为全部上班班别
func (u *unit) balanceShiftCount(p *dsl.BalanceShiftCount) error {
	sp := u.c.space
	fallback := sp.WorkShifts()
	if sp.Night >= 0 {
		fallback = []int{sp.Night}
	}
	shifts, err := u.shifts(p.ShiftCodes, fallback)
	if err != nil {
		return err
	}
	if !u.fairness(allDays(sp.D()), shifts) {
		return nil
	}
	for _, s := range shifts {
		if s == sp.Night {
			u.c.nightBalanced = true
		}
	}
	return nil
}

// balanceWeekend 周末上班次数的 max-min
func (u *unit) balanceWeekend(p *dsl.BalanceWeekendShiftCount) error {
	sp := u.c.space
	shifts, err := u.shifts(p.Shifts, sp.WorkShifts())
	if err != nil {
		return err
	}
	var days []int
	for _, pair := range sp.WeekendPairs() {
		days = append(days, pair[0], pair[1])
	}
	if len(days) == 0 {
		return nil
	}
	u.fairness(days, shifts)
	return nil
}

// preferShift 偏好：PREFERENCE 奖励命中，SOFT 惩罚未命中；回避：惩罚命中
func (u *unit) preferShift(p *dsl.PreferShift) error {
	coef := u.coef(false)
	if coef == 0 {
		return nil
	}
	s, err := u.shift(p.ShiftCode)
	if err != nil {
		return err
	}
	days := u.days(p.DayFilter)
	terms := make([]ir.Term, 0, len(u.targets)*len(days))
	for _, n := range u.targets {
		for _, d := range days {
			switch {
			case p.Avoid():
				terms = append(terms, ir.T(1, ir.X(n, d, s)))
			case u.category == model.CategoryPreference:
				terms = append(terms, ir.T(-1, ir.X(n, d, s)))
			default:
				terms = append(terms, ir.T(1, ir.NotX(n, d, s)))
			}
		}
	}
	u.objective(ir.KindSum, coef, ir.FamilyRule).Terms = terms
	return nil
}

// addImplicitNightFairness 规则包未平衡夜班时补一个全员夜班区间目标
func (c *compiler) addImplicitNightFairness() {
	sp := c.space
	if sp.Night < 0 || c.nightBalanced || sp.N() < 2 {
		return
	}
	coef := Scale(float64(c.opts.NightFairnessWeight), c.opts.Weights.FairnessMultiplier)
	if coef == 0 {
		return
	}
	c.prog.Objectives = append(c.prog.Objectives, ir.Objective{
		Name:   NameNightFairness,
		Family: ir.FamilyFairness,
		Coef:   coef,
		Kind:   ir.KindRange,
		Groups: countGroups(allDays(sp.N()), allDays(sp.D()), []int{sp.Night}),
	})
}
