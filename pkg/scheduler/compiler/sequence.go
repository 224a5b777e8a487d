package compiler

import (
	"github.com/paiban/nursesched/pkg/rule/dsl"
	"github.com/paiban/nursesched/pkg/scheduler/ir"
)

// lit 班别代码在 (n,d) 上的文字，"*" 表示任意上班班别
func (u *unit) lit(code string, n, d int) (ir.Lit, error) {
	if code == dsl.AnyWork {
		return ir.NotX(n, d, u.c.space.Off), nil
	}
	s, err := u.shift(code)
	if err != nil {
		return ir.Lit{}, err
	}
	return ir.X(n, d, s), nil
}

// maxConsecutiveWork 任意 max+1 天窗口内上班天数不超过 max
func (u *unit) maxConsecutiveWork(p *dsl.MaxConsecutiveWorkDays) error {
	include, err := u.shifts(p.IncludeShifts, nil)
	if err != nil {
		return err
	}
	return u.workWindow(p.MaxDays+1, p.MaxDays, include, true)
}

// maxConsecutiveShift 同一班别连续天数上限
func (u *unit) maxConsecutiveShift(code string, max int) error {
	s, err := u.shift(code)
	if err != nil {
		return err
	}
	size := max + 1
	for _, n := range u.targets {
		for _, start := range windows(u.c.space.D(), size, true) {
			terms := make([]ir.Term, 0, size)
			for d := start; d < start+size; d++ {
				terms = append(terms, ir.T(1, ir.X(n, d, s)))
			}
			u.add(terms, ir.LE, max, n, start, s)
		}
	}
	return nil
}

// maxConsecutiveSame 对列出的每个班别分别限制
func (u *unit) maxConsecutiveSame(p *dsl.MaxConsecutiveSameShift) error {
	for _, code := range p.ShiftCodes {
		if err := u.maxConsecutiveShift(code, p.MaxDays); err != nil {
			return err
		}
	}
	return nil
}

// forbidTransition x[d,from] + x[d+1,to] ≤ 1
func (u *unit) forbidTransition(p *dsl.ForbidTransition) error {
	pairs := p.AllPairs()
	if len(pairs) == 0 {
		return invalid(u.ruleID, "%s：forbid_transition 缺少 pairs", u.itemID)
	}
	D := u.c.space.D()
	for _, pair := range pairs {
		for _, n := range u.targets {
			for d := 0; d+1 < D; d++ {
				a, err := u.lit(pair.From, n, d)
				if err != nil {
					return err
				}
				b, err := u.lit(pair.To, n, d+1)
				if err != nil {
					return err
				}
				diag := int(a.Shift)
				if a.Neg {
					diag = -1
				}
				u.add([]ir.Term{ir.T(1, a), ir.T(1, b)}, ir.LE, 1, n, d, diag)
			}
		}
	}
	return nil
}

// restAfterShift 指定班别后 rest_days 天内不得上班
func (u *unit) restAfterShift(p *dsl.RestAfterShift) error {
	s, err := u.shift(p.ShiftCode)
	if err != nil {
		return err
	}
	sp := u.c.space
	for _, n := range u.targets {
		for d := 0; d < sp.D(); d++ {
			for j := 1; j <= p.RestDays && d+j < sp.D(); j++ {
				u.add([]ir.Term{ir.T(1, ir.X(n, d, s)), ir.T(1, ir.NotX(n, d+j, sp.Off))}, ir.LE, 1, n, d, s)
			}
		}
	}
	return nil
}

// penalizeTransition 每次出现 from→to 计一次惩罚
func (u *unit) penalizeTransition(p *dsl.PenalizeTransition) error {
	coef := u.coef(false)
	if coef == 0 {
		return nil
	}
	var terms []ir.Term
	for _, n := range u.targets {
		for d := 0; d+1 < u.c.space.D(); d++ {
			a, err := u.lit(p.From, n, d)
			if err != nil {
				return err
			}
			b, err := u.lit(p.To, n, d+1)
			if err != nil {
				return err
			}
			terms = append(terms, ir.And(1, a, b))
		}
	}
	u.objective(ir.KindSum, coef, ir.FamilyRule).Terms = terms
	return nil
}

// penalizeConsecutiveSame 相邻两日同一班别计一次惩罚
func (u *unit) penalizeConsecutiveSame(p *dsl.PenalizeConsecutiveSameShift) error {
	coef := u.coef(false)
	if coef == 0 {
		return nil
	}
	shifts, err := u.shifts(p.ShiftCodes, u.c.space.WorkShifts())
	if err != nil {
		return err
	}
	var terms []ir.Term
	for _, n := range u.targets {
		for d := 0; d+1 < u.c.space.D(); d++ {
			for _, s := range shifts {
				terms = append(terms, ir.And(1, ir.X(n, d, s), ir.X(n, d+1, s)))
			}
		}
	}
	u.objective(ir.KindSum, coef, ir.FamilyRule).Terms = terms
	return nil
}
