package compiler

import (
	"github.com/paiban/nursesched/pkg/rule/dsl"
	"github.com/paiban/nursesched/pkg/scheduler/ir"
)

// maxWorkDaysInWindow 滚动或分块窗口内上班天数上限
func (u *unit) maxWorkDaysInWindow(p *dsl.MaxWorkDaysInRollingWindow) error {
	include, err := u.shifts(p.IncludeShifts, nil)
	if err != nil {
		return err
	}
	return u.workWindow(p.WindowDays, p.MaxWorkDays, include, dsl.SlidingOr(p.Sliding))
}

func (u *unit) workWindow(size, max int, include []int, sliding bool) error {
	for _, n := range u.targets {
		for _, start := range windows(u.c.space.D(), size, sliding) {
			var terms []ir.Term
			for d := start; d < start+size; d++ {
				terms = append(terms, u.workLits(n, d, include)...)
			}
			u.add(terms, ir.LE, max, n, start, -1)
		}
	}
	return nil
}

// maxAssignmentsInWindow 窗口内所列班别的次数上限
func (u *unit) maxAssignmentsInWindow(p *dsl.MaxAssignmentsInWindow) error {
	shifts, err := u.shifts(p.ShiftCodes, u.c.space.WorkShifts())
	if err != nil {
		return err
	}
	diag := -1
	if len(shifts) == 1 {
		diag = shifts[0]
	}
	return u.windowLimit(p.WindowDays, p.MaxCount, shifts, dsl.SlidingOr(p.Sliding), diag)
}

func (u *unit) windowLimit(size, max int, shifts []int, sliding bool, diag int) error {
	for _, n := range u.targets {
		for _, start := range windows(u.c.space.D(), size, sliding) {
			terms := make([]ir.Term, 0, size*len(shifts))
			for d := start; d < start+size; d++ {
				for _, s := range shifts {
					terms = append(terms, ir.T(1, ir.X(n, d, s)))
				}
			}
			u.add(terms, ir.LE, max, n, start, diag)
		}
	}
	return nil
}
