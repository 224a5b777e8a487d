package compiler

import (
	"github.com/paiban/nursesched/pkg/model"
	"github.com/paiban/nursesched/pkg/rule/dsl"
	"github.com/paiban/nursesched/pkg/scheduler/ir"
)

// unavailableDates 指定日期强制休假；周期外的日期忽略
func (u *unit) unavailableDates(p *dsl.UnavailableDates) error {
	sp := u.c.space
	nurses := u.targets
	if len(p.NurseIDs) > 0 {
		nurses = nurses[:0:0]
		for _, ref := range p.NurseIDs {
			n, ok := sp.NurseIndex(ref)
			if !ok {
				return invalid(u.ruleID, "%s：未知护理人员 %s", u.itemID, ref)
			}
			nurses = append(nurses, n)
		}
	}
	for _, date := range p.Dates {
		d, ok := sp.DateIndex(date)
		if !ok {
			continue
		}
		for _, n := range nurses {
			u.add([]ir.Term{ir.T(1, ir.X(n, d, sp.Off))}, ir.GE, 1, n, d, sp.Off)
		}
	}
	return nil
}

// minConsecutiveOff 每段休假至少 min_days 天。
// 第 0 天视为段首；段尾超出周期时按 allow_at_period_edges 处理
func (u *unit) minConsecutiveOff(p *dsl.MinConsecutiveOffDays) error {
	off, err := u.offShift(p.OffCode)
	if err != nil {
		return err
	}
	D := u.c.space.D()
	for _, n := range u.targets {
		for d := 0; d < D; d++ {
			if d+p.MinDays-1 >= D {
				if p.AllowEdges() {
					continue
				}
				u.add([]ir.Term{u.blockStart(n, d, off, 1)}, ir.LE, 0, n, d, off)
				continue
			}
			terms := []ir.Term{u.blockStart(n, d, off, p.MinDays-1)}
			for r := 1; r < p.MinDays; r++ {
				terms = append(terms, ir.T(-1, ir.X(n, d+r, off)))
			}
			u.add(terms, ir.LE, 0, n, d, off)
		}
	}
	return nil
}

// blockStart off[d] ∧ ¬off[d-1]
func (u *unit) blockStart(n, d, off, coef int) ir.Term {
	if d == 0 {
		return ir.T(coef, ir.X(n, 0, off))
	}
	return ir.And(coef, ir.X(n, d, off), ir.NotX(n, d-1, off))
}

// weekendAllOrNothing 周六与周日同休同上
func (u *unit) weekendAllOrNothing(p *dsl.WeekendAllOrNothing) error {
	off, err := u.offShift(p.OffCode)
	if err != nil {
		return err
	}
	for _, n := range u.targets {
		for _, pair := range u.c.space.WeekendPairs() {
			u.add([]ir.Term{ir.T(1, ir.X(n, pair[0], off)), ir.T(-1, ir.X(n, pair[1], off))}, ir.EQ, 0, n, pair[0], off)
		}
	}
	return nil
}

// minFullWeekendsOff 每个窗口内完整休假的周末数下限；窗口内没有完整周末时跳过
func (u *unit) minFullWeekendsOff(p *dsl.MinFullWeekendsOff) error {
	off, err := u.offShift(p.OffCode)
	if err != nil {
		return err
	}
	pairs := u.c.space.WeekendPairs()
	for _, n := range u.targets {
		for _, start := range windows(u.c.space.D(), p.WindowDays, dsl.SlidingOr(p.Sliding)) {
			end := start + p.WindowDays
			var terms []ir.Term
			for _, pair := range pairs {
				if pair[0] >= start && pair[1] < end {
					terms = append(terms, ir.And(1, ir.X(n, pair[0], off), ir.X(n, pair[1], off)))
				}
			}
			if len(terms) == 0 {
				continue
			}
			u.add(terms, ir.GE, p.MinOff, n, start, off)
		}
	}
	return nil
}

// penalizeSingleOff 前后都上班的单日休假
func (u *unit) penalizeSingleOff(p *dsl.PenalizeSingleOffDay) error {
	coef := u.coef(false)
	if coef == 0 {
		return nil
	}
	off, err := u.offShift(p.OffCode)
	if err != nil {
		return err
	}
	penalty := p.PenaltyValue()
	var terms []ir.Term
	for _, n := range u.targets {
		for d := 1; d+1 < u.c.space.D(); d++ {
			terms = append(terms, ir.And(penalty, ir.X(n, d, off), ir.NotX(n, d-1, off), ir.NotX(n, d+1, off)))
		}
	}
	u.objective(ir.KindSum, coef, ir.FamilyRule).Terms = terms
	return nil
}

// preferOffOnWeekends 软规则惩罚周末上班，偏好规则奖励周末休假
func (u *unit) preferOffOnWeekends() error {
	coef := u.coef(false)
	if coef == 0 {
		return nil
	}
	sp := u.c.space
	var terms []ir.Term
	for _, n := range u.targets {
		for d := 0; d < sp.D(); d++ {
			if !sp.IsWeekend(d) {
				continue
			}
			if u.category == model.CategoryPreference {
				terms = append(terms, ir.T(-1, ir.X(n, d, sp.Off)))
			} else {
				terms = append(terms, ir.T(1, ir.NotX(n, d, sp.Off)))
			}
		}
	}
	u.objective(ir.KindSum, coef, ir.FamilyRule).Terms = terms
	return nil
}
