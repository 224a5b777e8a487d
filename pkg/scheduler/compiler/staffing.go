package compiler

import (
	"fmt"
	"strings"

	"github.com/paiban/nursesched/pkg/model"
	"github.com/paiban/nursesched/pkg/rule/dsl"
	"github.com/paiban/nursesched/pkg/scheduler/ir"
)

// noviceSenior 某日某班新手人数达到触发值时，资深人数不少于 min_senior。
// 没有新手时跳过；没有资深人员时新手无法上该班
func (u *unit) noviceSenior(p *dsl.NoviceSenior) error {
	shifts, err := u.shifts(p.Shifts, u.c.space.WorkShifts())
	if err != nil {
		return err
	}
	dept := p.DepartmentID
	if dept == "" && u.scope == model.ScopeDepartment {
		dept = u.scopeID
	}
	if dept != "" {
		for _, d := range u.c.plan.Departments {
			if d.Matches(dept) {
				dept = d.Code
				break
			}
		}
	}

	novice := levelSet(p.NoviceGroup.ByJobLevels)
	senior := levelSet(p.SeniorGroup.ByJobLevels)
	var novices, seniors []int
	for _, n := range u.targets {
		nurse := u.c.plan.Nurses[n]
		if dept != "" && !strings.EqualFold(nurse.DepartmentCode, dept) {
			continue
		}
		switch {
		case novice[nurse.JobLevelCode]:
			novices = append(novices, n)
		case senior[nurse.JobLevelCode]:
			seniors = append(seniors, n)
		}
	}
	if len(novices) == 0 {
		u.c.prog.Warnings = append(u.c.prog.Warnings, fmt.Sprintf("规则 %s 的 %s 没有新手人员，已跳过", u.ruleID, u.itemID))
		return nil
	}

	trigger := p.TriggerCount()
	for d := 0; d < u.c.space.D(); d++ {
		for _, s := range shifts {
			when := &ir.Condition{Sense: ir.GE, RHS: trigger}
			for _, n := range novices {
				when.Terms = append(when.Terms, ir.T(1, ir.X(n, d, s)))
			}
			terms := make([]ir.Term, 0, len(seniors))
			for _, n := range seniors {
				terms = append(terms, ir.T(1, ir.X(n, d, s)))
			}
			u.add(terms, ir.GE, p.MinSenior, -1, d, s).When = when
		}
	}
	return nil
}

func levelSet(codes []string) map[string]bool {
	out := make(map[string]bool, len(codes))
	for _, c := range codes {
		out[c] = true
	}
	return out
}
