package cpmodel

import (
	"github.com/paiban/nursesched/pkg/scheduler/ir"
)

// Violation 一条被违反的硬约束
type Violation struct {
	RuleID  string `json:"rule_id,omitempty"`
	ItemID  string `json:"item_id,omitempty"`
	Name    string `json:"name"`
	Nurse   string `json:"nurse,omitempty"`
	Date    string `json:"date,omitempty"`
	Shift   string `json:"shift,omitempty"`
	Amount  int    `json:"amount"`
	Message string `json:"message,omitempty"`
}

// ObjectiveValue 单个目标在解上的取值
type ObjectiveValue struct {
	Name     string    `json:"name"`
	RuleID   string    `json:"rule_id,omitempty"`
	ItemID   string    `json:"item_id,omitempty"`
	Family   ir.Family `json:"family"`
	Coef     int       `json:"coef"`
	Raw      int       `json:"raw"`
	Value    int64     `json:"value"`
	Priority int       `json:"priority"`
}

// Breakdown 目标分解
type Breakdown struct {
	Total    int64               `json:"total"`
	ByFamily map[ir.Family]int64 `json:"by_family"`
	Items    []ObjectiveValue    `json:"items"`
}

// Verify 对解重新核对全部硬约束与锁定
func (m *Model) Verify(g ir.Grid) []Violation {
	sp := m.Space
	var out []Violation
	for n := 0; n < sp.N(); n++ {
		for d := 0; d < sp.D(); d++ {
			cell := sp.Cell(n, d)
			v := g.At(n, d)
			if v < 0 || v >= sp.S() || !m.Domains[cell].Has(v) {
				name := "domain"
				if m.Locked[cell] {
					name = "locked"
				}
				out = append(out, Violation{Name: name, Nurse: sp.NurseLabel(n), Date: sp.Dates[d], Amount: 1})
			}
		}
	}
	for _, group := range [][]ir.Constraint{m.Unary, m.Hard} {
		for i := range group {
			c := &group[i]
			if amount := c.Violation(g); amount > 0 {
				out = append(out, m.describe(c, amount))
			}
		}
	}
	return out
}

// HardViolation 违反量总和，不含域检查
func (m *Model) HardViolation(g ir.Grid) int {
	total := 0
	for i := range m.Hard {
		total += m.Hard[i].Violation(g)
	}
	return total
}

func (m *Model) describe(c *ir.Constraint, amount int) Violation {
	sp := m.Space
	v := Violation{RuleID: c.RuleID, ItemID: c.ItemID, Name: c.Name, Amount: amount, Message: c.Message}
	if c.Nurse >= 0 {
		v.Nurse = sp.NurseLabel(int(c.Nurse))
	}
	if c.Day >= 0 && int(c.Day) < sp.D() {
		v.Date = sp.Dates[c.Day]
	}
	if c.Shift >= 0 && int(c.Shift) < sp.S() {
		v.Shift = sp.Shifts[c.Shift]
	}
	return v
}

// Evaluate 目标总值与分解
func (m *Model) Evaluate(g ir.Grid) Breakdown {
	b := Breakdown{ByFamily: make(map[ir.Family]int64, len(ir.FamilyOrder))}
	for i := range m.Objectives {
		o := &m.Objectives[i]
		raw := o.Raw(g)
		val := int64(o.Coef) * int64(raw)
		b.Total += val
		b.ByFamily[o.Family] += val
		b.Items = append(b.Items, ObjectiveValue{
			Name:     o.Name,
			RuleID:   o.RuleID,
			ItemID:   o.ItemID,
			Family:   o.Family,
			Coef:     o.Coef,
			Raw:      raw,
			Value:    val,
			Priority: o.Priority,
		})
	}
	return b
}

// LowerBound 目标的平凡下界
func (m *Model) LowerBound() int64 {
	var lb int64
	for i := range m.Objectives {
		lb += m.Objectives[i].LowerBound()
	}
	return lb
}

// Shortages soft 覆盖模式下未满足的覆盖需求
func (m *Model) Shortages(g ir.Grid) []Violation {
	var out []Violation
	for i := range m.Objectives {
		o := &m.Objectives[i]
		if o.Family != ir.FamilyShortage {
			continue
		}
		for j := range o.Constraints {
			c := &o.Constraints[j]
			if amount := c.Violation(g); amount > 0 {
				out = append(out, m.describe(c, amount))
			}
		}
	}
	return out
}
