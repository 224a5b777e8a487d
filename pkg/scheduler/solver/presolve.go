package solver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/paiban/nursesched/pkg/scheduler/cpmodel"
	"github.com/paiban/nursesched/pkg/scheduler/ir"
)

// Conflict 可证明无法满足的硬约束
type Conflict struct {
	RuleID    string `json:"rule_id,omitempty"`
	ItemID    string `json:"item_id,omitempty"`
	Name      string `json:"name"`
	Nurse     string `json:"nurse,omitempty"`
	Date      string `json:"date,omitempty"`
	Shift     string `json:"shift,omitempty"`
	Required  int    `json:"required"`
	Eligible  int    `json:"eligible"`
	LockedOut int    `json:"locked_out"`
	Message   string `json:"message"`
}

// bounds 单条关系左侧在域上的松弛上下界
type bounds struct {
	lo, hi    int
	canHold   int
	lockedOut int
}

func litCan(m *cpmodel.Model, l ir.Lit) bool {
	dom := m.Domains[m.Space.Cell(int(l.Nurse), int(l.Day))]
	if l.Neg {
		return dom != cpmodel.Only(int(l.Shift))
	}
	return dom.Has(int(l.Shift))
}

func litMust(m *cpmodel.Model, l ir.Lit) bool {
	dom := m.Domains[m.Space.Cell(int(l.Nurse), int(l.Day))]
	if l.Neg {
		return !dom.Has(int(l.Shift))
	}
	return dom == cpmodel.Only(int(l.Shift))
}

func termBounds(m *cpmodel.Model, terms []ir.Term) bounds {
	var b bounds
	for _, t := range terms {
		can, must := true, true
		locked := false
		for _, l := range t.Lits {
			if !litCan(m, l) {
				can = false
				if m.Locked[m.Space.Cell(int(l.Nurse), int(l.Day))] {
					locked = true
				}
			}
			if !litMust(m, l) {
				must = false
			}
		}
		if can {
			b.canHold++
		} else if locked {
			b.lockedOut++
		}
		switch {
		case t.Coef > 0:
			if can {
				b.hi += t.Coef
			}
			if must {
				b.lo += t.Coef
			}
		case t.Coef < 0:
			if can {
				b.lo += t.Coef
			}
			if must {
				b.hi += t.Coef
			}
		}
	}
	return b
}

// impossible 关系在上下界内无解
func impossible(b bounds, sense ir.Sense, rhs int) bool {
	switch sense {
	case ir.LE:
		return b.lo > rhs
	case ir.GE:
		return b.hi < rhs
	}
	return b.lo > rhs || b.hi < rhs
}

// forced 条件在上下界内必然成立
func forced(b bounds, sense ir.Sense, rhs int) bool {
	switch sense {
	case ir.LE:
		return b.hi <= rhs
	case ir.GE:
		return b.lo >= rhs
	}
	return b.lo == rhs && b.hi == rhs
}

// Presolve 在根节点用域界证明不可行，返回冲突列表；空列表不代表可行
func Presolve(m *cpmodel.Model) []Conflict {
	sp := m.Space
	var out []Conflict
	emptied := make(map[int]bool, len(m.Emptied))
	for _, i := range m.Emptied {
		emptied[i] = true
		c := &m.Hard[i]
		cf := Conflict{RuleID: c.RuleID, ItemID: c.ItemID, Name: c.Name, Required: c.RHS}
		n, d := int(c.Terms[0].Lits[0].Nurse), int(c.Terms[0].Lits[0].Day)
		cf.Nurse, cf.Date = sp.NurseLabel(n), sp.Dates[d]
		cf.Message = fmt.Sprintf("护理人员 %s 在 %s 没有满足全部硬规则的班别（%s）", cf.Nurse, cf.Date, c.Name)
		out = append(out, cf)
	}
	for i := range m.Hard {
		if emptied[i] {
			continue
		}
		c := &m.Hard[i]
		if c.When != nil && !forced(termBounds(m, c.When.Terms), c.When.Sense, c.When.RHS) {
			continue
		}
		b := termBounds(m, c.Terms)
		if !impossible(b, c.Sense, c.RHS) {
			continue
		}
		cf := Conflict{RuleID: c.RuleID, ItemID: c.ItemID, Name: c.Name, Required: c.RHS, Eligible: b.canHold, LockedOut: b.lockedOut}
		if c.Nurse >= 0 {
			cf.Nurse = sp.NurseLabel(int(c.Nurse))
		}
		if c.Day >= 0 && int(c.Day) < sp.D() {
			cf.Date = sp.Dates[c.Day]
		}
		if c.Shift >= 0 && int(c.Shift) < sp.S() {
			cf.Shift = sp.Shifts[c.Shift]
		}
		if c.Coverage {
			cf.Message = fmt.Sprintf("%s 的 %s 班需要 %d 人，可排人员 %d 人，锁定占用 %d 格", cf.Date, cf.Shift, c.RHS, b.canHold, b.lockedOut)
		} else {
			cf.Message = fmt.Sprintf("硬规则 %s 在当前锁定与不可排班条件下无法满足", c.Name)
		}
		out = append(out, cf)
	}
	return append(out, dailyDemand(m)...)
}

// dailyDemand 同一天各班需求之和超过当天可上班人数
func dailyDemand(m *cpmodel.Model) []Conflict {
	sp := m.Space
	need := make([]map[int]int, sp.D())
	rules := make([]map[string]struct{}, sp.D())
	for i := range m.Hard {
		c := &m.Hard[i]
		if !c.Coverage || c.When != nil || c.Day < 0 || c.Shift < 0 || c.Sense == ir.LE {
			continue
		}
		d := int(c.Day)
		if need[d] == nil {
			need[d] = make(map[int]int)
			rules[d] = make(map[string]struct{})
		}
		if c.RHS > need[d][int(c.Shift)] {
			need[d][int(c.Shift)] = c.RHS
		}
		if c.RuleID != "" {
			rules[d][c.RuleID] = struct{}{}
		}
	}

	var out []Conflict
	for d := 0; d < sp.D(); d++ {
		if len(need[d]) < 2 {
			continue
		}
		total := 0
		var codes []string
		for s, r := range need[d] {
			total += r
			codes = append(codes, sp.Shifts[s])
		}
		sort.Strings(codes)
		eligible, locked := 0, 0
		for n := 0; n < sp.N(); n++ {
			dom := m.Domain(n, d)
			can := false
			for s := range need[d] {
				if dom.Has(s) {
					can = true
					break
				}
			}
			switch {
			case can:
				eligible++
			case m.IsLocked(n, d):
				locked++
			}
		}
		if total <= eligible {
			continue
		}
		ids := make([]string, 0, len(rules[d]))
		for id := range rules[d] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out = append(out, Conflict{
			RuleID:    strings.Join(ids, ","),
			Name:      "daily_demand",
			Date:      sp.Dates[d],
			Shift:     strings.Join(codes, "+"),
			Required:  total,
			Eligible:  eligible,
			LockedOut: locked,
			Message:   fmt.Sprintf("%s 各班合计需要 %d 人，当天可上班 %d 人，锁定占用 %d 格", sp.Dates[d], total, eligible, locked),
		})
	}
	return out
}

// RuleIDs 冲突涉及的规则，去重排序
func RuleIDs(conflicts []Conflict) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range conflicts {
		for _, id := range strings.Split(c.RuleID, ",") {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}
