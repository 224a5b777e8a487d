package compiler

import (
	"fmt"

	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/rule/dsl"
	"github.com/paiban/nursesched/pkg/scheduler/ir"
)

// NameDemand 需求表行生成的覆盖约束名称
const NameDemand = "demand"

// coverage 每个符合过滤的日期与班别：Σ x[n,d,s] ≥ required
func (u *unit) coverage(p *dsl.CoverageRequired) error {
	shifts, err := u.shifts(p.Codes(), u.c.space.WorkShifts())
	if err != nil {
		return err
	}
	for _, d := range u.days(p.DayFilter) {
		for _, s := range shifts {
			terms := make([]ir.Term, 0, len(u.targets))
			for _, n := range u.targets {
				terms = append(terms, ir.T(1, ir.X(n, d, s)))
			}
			u.add(terms, ir.GE, p.Required, -1, d, s).Coverage = true
		}
	}
	return nil
}

// skillCoverage 只计入具备技能的人员
func (u *unit) skillCoverage(p *dsl.SkillCoverage) error {
	shifts, err := u.shifts(p.Codes(), u.c.space.WorkShifts())
	if err != nil {
		return err
	}
	var skilled []int
	for _, n := range u.targets {
		if u.c.plan.Nurses[n].HasSkill(p.Skill) {
			skilled = append(skilled, n)
		}
	}
	for _, d := range u.days(p.DayFilter) {
		for _, s := range shifts {
			terms := make([]ir.Term, 0, len(skilled))
			for _, n := range skilled {
				terms = append(terms, ir.T(1, ir.X(n, d, s)))
			}
			u.add(terms, ir.GE, p.Min, -1, d, s).Coverage = true
		}
	}
	return nil
}

// compileDemands 需求表逐行转为覆盖约束
func (c *compiler) compileDemands() error {
	sp := c.space
	for _, row := range c.plan.Demands {
		if row.Required <= 0 {
			continue
		}
		d, ok := sp.DateIndex(row.Date)
		if !ok {
			c.prog.Warnings = append(c.prog.Warnings, fmt.Sprintf("需求日期 %s 不在排班周期内，已忽略", row.Date))
			continue
		}
		s, ok := sp.ShiftIndex(row.ShiftCode)
		if !ok {
			return apperrors.Validation(fmt.Sprintf("需求引用了未知班别 %s", row.ShiftCode))
		}
		if s == sp.Off {
			return apperrors.Validation("需求不能指向休假班别")
		}
		var terms []ir.Term
		for n, nurse := range c.plan.Nurses {
			if row.SkillCode != "" && !nurse.HasSkill(row.SkillCode) {
				continue
			}
			terms = append(terms, ir.T(1, ir.X(n, d, s)))
		}
		item := fmt.Sprintf("%s:%s:%s", NameDemand, row.Date, row.ShiftCode)
		if row.SkillCode != "" {
			item += ":" + row.SkillCode
		}
		c.prog.Constraints = append(c.prog.Constraints, ir.Constraint{
			ItemID:   item,
			Name:     NameDemand,
			Terms:    terms,
			Sense:    ir.GE,
			RHS:      row.Required,
			Coverage: true,
			Nurse:    -1,
			Day:      int32(d),
			Shift:    int32(s),
		})
	}
	return nil
}

