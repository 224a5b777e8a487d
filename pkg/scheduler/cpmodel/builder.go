// Package cpmodel 把编译后的 IR 组装为可求解的排班模型
package cpmodel

import (
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/model"
	"github.com/paiban/nursesched/pkg/scheduler/ir"
)

// DefaultShortagePenalty soft 覆盖模式下每缺一人的惩罚
const DefaultShortagePenalty = 1000

// 系统生成的目标名称
const (
	NameShortage = "shortage"
	NameChange   = "change"
)

// Options 建模选项
type Options struct {
	CoverageMode    model.CoverageMode
	RespectLocked   bool
	ChangeWeight    int
	ShortagePenalty int
}

// Model 决策模型：每格一个班别变量，域内已消去锁定与一元硬约束
type Model struct {
	Space   *ir.Space
	Domains []Domain
	Locked  []bool
	// Hard 需要搜索满足的硬约束
	Hard []ir.Constraint
	// Unary 已在域中落实的一元硬约束，仅用于复核
	Unary []ir.Constraint
	// Emptied 会删空单格域的一元硬约束在 Hard 中的下标，由预求解报告
	Emptied    []int
	Objectives []ir.Objective
	// Base 基准版本，-1 表示该格无基准
	Base  []int32
	Hints []int32
	Stats ir.Stats
}

// Domain (n,d) 的域
func (m *Model) Domain(n, d int) Domain { return m.Domains[m.Space.Cell(n, d)] }

// IsLocked (n,d) 是否锁定
func (m *Model) IsLocked(n, d int) bool { return m.Locked[m.Space.Cell(n, d)] }

// HasBase 是否提供了基准版本
func (m *Model) HasBase() bool { return m.Base != nil }

// Build 组装模型。锁定最先落实，冲突以 VALIDATION 报告具体人员与日期
func Build(prog *ir.Program, plan *model.Plan, opts Options) (*Model, error) {
	sp := prog.Space
	cells := sp.N() * sp.D()
	m := &Model{
		Space:   sp,
		Domains: make([]Domain, cells),
		Locked:  make([]bool, cells),
		Stats:   prog.Stats,
	}
	full := Full(sp.S())
	for i := range m.Domains {
		m.Domains[i] = full
	}
	if opts.ShortagePenalty <= 0 {
		opts.ShortagePenalty = DefaultShortagePenalty
	}

	if opts.RespectLocked {
		if err := m.applyLocks(plan.Locks); err != nil {
			return nil, err
		}
	}

	var shortage []ir.Constraint
	for _, c := range prog.Constraints {
		if c.Coverage && opts.CoverageMode == model.CoverageSoft {
			shortage = append(shortage, c)
			continue
		}
		if cell, ok := unaryCell(sp, &c); ok {
			emptied, err := m.restrict(cell, &c)
			if err != nil {
				return nil, err
			}
			if emptied {
				m.Emptied = append(m.Emptied, len(m.Hard))
				m.Hard = append(m.Hard, c)
				continue
			}
			m.Unary = append(m.Unary, c)
			continue
		}
		m.Hard = append(m.Hard, c)
	}

	if len(shortage) > 0 {
		m.Objectives = append(m.Objectives, ir.Objective{
			Name:        NameShortage,
			Family:      ir.FamilyShortage,
			Coef:        opts.ShortagePenalty,
			Kind:        ir.KindViolation,
			Constraints: shortage,
		})
	}
	m.Objectives = append(m.Objectives, prog.Objectives...)

	if plan.Base != nil {
		m.loadBase(plan.Base)
		if opts.ChangeWeight > 0 {
			m.addChangeCost(opts.ChangeWeight)
		}
	}
	orderObjectives(m.Objectives)

	m.Stats.Constraints = len(m.Hard) + len(m.Unary)
	m.Stats.Objectives = len(m.Objectives)
	m.Stats.ObjectiveTerms = 0
	for i := range m.Objectives {
		m.Stats.ObjectiveTerms += m.Objectives[i].TermCount()
	}
	m.Stats.AuxVariables = countAux(m)
	return m, nil
}

func (m *Model) applyLocks(locks []model.Lock) error {
	sp := m.Space
	seen := make(map[int]string, len(locks))
	for _, l := range locks {
		n, ok := sp.NurseIndex(l.NurseID.String())
		if !ok {
			return apperrors.Validation(fmt.Sprintf("锁定引用了不存在的护理人员 %s", l.NurseID))
		}
		d, ok := sp.DateIndex(l.Date)
		if !ok {
			return apperrors.Validation(fmt.Sprintf("锁定日期 %s 不在排班周期内", l.Date))
		}
		s, ok := sp.ShiftIndex(l.ShiftCode)
		if !ok {
			return apperrors.Validation(fmt.Sprintf("锁定引用了未知班别 %s", l.ShiftCode))
		}
		cell := sp.Cell(n, d)
		if prev, dup := seen[cell]; dup && prev != l.ShiftCode {
			return apperrors.LockConflict(sp.NurseLabel(n), l.Date, fmt.Sprintf("同一格同时锁定为 %s 与 %s", prev, l.ShiftCode))
		}
		seen[cell] = l.ShiftCode
		m.Domains[cell] = Only(s)
		m.Locked[cell] = true
	}
	return nil
}

// cellGrid 只回答单格的取值
type cellGrid int

func (g cellGrid) At(int, int) int { return int(g) }

// unaryCell 约束的全部文字都落在同一格且无条件时返回该格
func unaryCell(sp *ir.Space, c *ir.Constraint) (int, bool) {
	if c.When != nil || len(c.Terms) == 0 {
		return 0, false
	}
	n, d := c.Terms[0].Lits[0].Nurse, c.Terms[0].Lits[0].Day
	for _, t := range c.Terms {
		for _, l := range t.Lits {
			if l.Nurse != n || l.Day != d {
				return 0, false
			}
		}
	}
	return sp.Cell(int(n), int(d)), true
}

// restrict 从域中删去使约束不成立的取值。域会被删空时保持原域并返回 true，
// 锁定格被删空属于锁定冲突
func (m *Model) restrict(cell int, c *ir.Constraint) (bool, error) {
	sp := m.Space
	var keep Domain
	for _, v := range m.Domains[cell].Values() {
		if c.Violation(cellGrid(v)) == 0 {
			keep |= Only(v)
		}
	}
	if !keep.Empty() {
		m.Domains[cell] = keep
		return false, nil
	}
	if m.Locked[cell] {
		n, d := cell/sp.D(), cell%sp.D()
		label := c.RuleID
		if label == "" {
			label = c.ItemID
		}
		return false, apperrors.LockConflict(sp.NurseLabel(n), sp.Dates[d],
			fmt.Sprintf("锁定班别 %s 违反硬规则 %s（%s）", sp.Shifts[m.Domains[cell].Single()], label, c.Name))
	}
	return true, nil
}

func (m *Model) loadBase(v *model.ScheduleVersion) {
	sp := m.Space
	m.Base = make([]int32, sp.N()*sp.D())
	m.Hints = make([]int32, sp.N()*sp.D())
	for i := range m.Base {
		m.Base[i] = -1
		m.Hints[i] = -1
	}
	for _, a := range v.Assignments {
		n, ok := sp.NurseIndex(a.NurseID.String())
		if !ok {
			continue
		}
		d, ok := sp.DateIndex(a.Date)
		if !ok {
			continue
		}
		s, ok := sp.ShiftIndex(a.ShiftCode)
		if !ok {
			continue
		}
		cell := sp.Cell(n, d)
		m.Base[cell] = int32(s)
		if m.Domains[cell].Has(s) {
			m.Hints[cell] = int32(s)
		}
	}
}

// addChangeCost 未锁定且有基准的格，偏离基准计一次
func (m *Model) addChangeCost(weight int) {
	sp := m.Space
	var terms []ir.Term
	for n := 0; n < sp.N(); n++ {
		for d := 0; d < sp.D(); d++ {
			cell := sp.Cell(n, d)
			if m.Locked[cell] || m.Base[cell] < 0 {
				continue
			}
			terms = append(terms, ir.T(1, ir.NotX(n, d, int(m.Base[cell]))))
		}
	}
	if len(terms) == 0 {
		return
	}
	m.Objectives = append(m.Objectives, ir.Objective{
		Name:   NameChange,
		Family: ir.FamilyChange,
		Coef:   weight,
		Kind:   ir.KindSum,
		Terms:  terms,
	})
}

// orderObjectives 缺口、规则、公平、变动；同组内保持原有顺序
func orderObjectives(objs []ir.Objective) {
	rank := make(map[ir.Family]int, len(ir.FamilyOrder))
	for i, f := range ir.FamilyOrder {
		rank[f] = i
	}
	sort.SliceStable(objs, func(i, j int) bool {
		return rank[objs[i].Family] < rank[objs[j].Family]
	})
}

// countAux 统计去重后的合取辅助变量
func countAux(m *Model) int {
	seen := make(map[string]struct{})
	add := func(terms []ir.Term) {
		for _, t := range terms {
			if len(t.Lits) > 1 {
				seen[termKey(t)] = struct{}{}
			}
		}
	}
	for _, group := range [][]ir.Constraint{m.Hard, m.Unary} {
		for i := range group {
			add(group[i].Terms)
		}
	}
	for i := range m.Objectives {
		o := &m.Objectives[i]
		add(o.Terms)
		for _, g := range o.Groups {
			add(g)
		}
		for j := range o.Constraints {
			add(o.Constraints[j].Terms)
		}
	}
	return len(seen)
}

func termKey(t ir.Term) string {
	parts := make([]string, len(t.Lits))
	for i, l := range t.Lits {
		neg := ""
		if l.Neg {
			neg = "!"
		}
		parts[i] = fmt.Sprintf("%s%d.%d.%d", neg, l.Nurse, l.Day, l.Shift)
	}
	sort.Strings(parts)
	return strings.Join(parts, "&")
}
