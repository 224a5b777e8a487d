package solver

import (
	"github.com/paiban/nursesched/pkg/scheduler/cpmodel"
	"github.com/paiban/nursesched/pkg/scheduler/ir"
)

// row 一组合取项
type row struct {
	terms []ir.Term
}

// check 一条线性关系：lhs (sense) rhs，when >= 0 时仅在条件行成立时生效
type check struct {
	lhs      int
	when     int
	sense    ir.Sense
	rhs      int
	whenSns  ir.Sense
	whenRHS  int
	hard     bool
	obj      int
	location *ir.Constraint
}

// objective 目标项的增量形态
type objective struct {
	kind   ir.ObjKind
	coef   int64
	rows   []int
	checks []int
}

// owner 行变化时需要重算的对象：检查或目标
type owner struct {
	check int
	obj   int
}

type termRef struct {
	row  int
	term int
}

// layout 与模型一一对应的只读索引，供各岛共享
type layout struct {
	m         *cpmodel.Model
	rows      []row
	checks    []check
	objs      []objective
	rowOwners [][]owner
	cellTerms [][]termRef
	hardIdx   []int
}

func newLayout(m *cpmodel.Model) *layout {
	sp := m.Space
	l := &layout{m: m, cellTerms: make([][]termRef, sp.N()*sp.D())}

	addRow := func(terms []ir.Term) int {
		idx := len(l.rows)
		l.rows = append(l.rows, row{terms: terms})
		l.rowOwners = append(l.rowOwners, nil)
		for t, term := range terms {
			seen := -1
			for _, lit := range term.Lits {
				cell := sp.Cell(int(lit.Nurse), int(lit.Day))
				if cell == seen {
					continue
				}
				seen = cell
				l.cellTerms[cell] = appendRef(l.cellTerms[cell], termRef{row: idx, term: t})
			}
		}
		return idx
	}
	addCheck := func(c *ir.Constraint, hard bool, obj int) int {
		ch := check{lhs: addRow(c.Terms), when: -1, sense: c.Sense, rhs: c.RHS, hard: hard, obj: obj, location: c}
		if c.When != nil {
			ch.when = addRow(c.When.Terms)
			ch.whenSns = c.When.Sense
			ch.whenRHS = c.When.RHS
		}
		idx := len(l.checks)
		l.checks = append(l.checks, ch)
		l.rowOwners[ch.lhs] = append(l.rowOwners[ch.lhs], owner{check: idx, obj: -1})
		if ch.when >= 0 {
			l.rowOwners[ch.when] = append(l.rowOwners[ch.when], owner{check: idx, obj: -1})
		}
		return idx
	}

	for i := range m.Hard {
		l.hardIdx = append(l.hardIdx, addCheck(&m.Hard[i], true, -1))
	}
	for i := range m.Objectives {
		o := &m.Objectives[i]
		oi := len(l.objs)
		obj := objective{kind: o.Kind, coef: int64(o.Coef)}
		switch o.Kind {
		case ir.KindViolation:
			for j := range o.Constraints {
				obj.checks = append(obj.checks, addCheck(&o.Constraints[j], false, oi))
			}
		case ir.KindRange:
			for _, g := range o.Groups {
				r := addRow(g)
				obj.rows = append(obj.rows, r)
				l.rowOwners[r] = append(l.rowOwners[r], owner{check: -1, obj: oi})
			}
		default:
			r := addRow(o.Terms)
			obj.rows = append(obj.rows, r)
			l.rowOwners[r] = append(l.rowOwners[r], owner{check: -1, obj: oi})
		}
		l.objs = append(l.objs, obj)
	}
	return l
}

// appendRef 同一项在同一格只登记一次
func appendRef(refs []termRef, r termRef) []termRef {
	if n := len(refs); n > 0 && refs[n-1] == r {
		return refs
	}
	return append(refs, r)
}

// state 一个岛的可变解与增量评分
type state struct {
	l      *layout
	grid   *ir.Table
	rows   []int
	viols  []int
	objVal []int64

	hardViol int
	obj      int64

	epoch      int
	rowStamp   []int
	checkStamp []int
	objStamp   []int
	dirtyRows  []int
	holdBefore []bool
}

func newState(l *layout, grid *ir.Table) *state {
	s := &state{
		l:          l,
		grid:       grid,
		rows:       make([]int, len(l.rows)),
		viols:      make([]int, len(l.checks)),
		objVal:     make([]int64, len(l.objs)),
		rowStamp:   make([]int, len(l.rows)),
		checkStamp: make([]int, len(l.checks)),
		objStamp:   make([]int, len(l.objs)),
	}
	s.recompute()
	return s
}

// recompute 全量重算
func (s *state) recompute() {
	for i := range s.l.rows {
		s.rows[i] = ir.Sum(s.l.rows[i].terms, s.grid)
	}
	s.hardViol = 0
	for i := range s.l.checks {
		s.viols[i] = s.checkValue(i)
		if s.l.checks[i].hard {
			s.hardViol += s.viols[i]
		}
	}
	s.obj = 0
	for i := range s.l.objs {
		s.objVal[i] = s.objectiveValue(i)
		s.obj += s.objVal[i]
	}
}

func (s *state) checkValue(i int) int {
	c := &s.l.checks[i]
	if c.when >= 0 && ir.Amount(s.rows[c.when], c.whenSns, c.whenRHS) != 0 {
		return 0
	}
	return ir.Amount(s.rows[c.lhs], c.sense, c.rhs)
}

func (s *state) objectiveValue(i int) int64 {
	o := &s.l.objs[i]
	switch o.kind {
	case ir.KindViolation:
		total := 0
		for _, c := range o.checks {
			total += s.viols[c]
		}
		return o.coef * int64(total)
	case ir.KindRange:
		if len(o.rows) == 0 {
			return 0
		}
		lo, hi := s.rows[o.rows[0]], s.rows[o.rows[0]]
		for _, r := range o.rows[1:] {
			v := s.rows[r]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		return o.coef * int64(hi-lo)
	}
	return o.coef * int64(s.rows[o.rows[0]])
}

// score 综合评分：硬违反按 penalty 折算
func (s *state) score(penalty int64) int64 {
	return int64(s.hardViol)*penalty + s.obj
}

// set 把 (n,d) 改为 v 并增量更新评分，返回原值
func (s *state) set(n, d, v int) int {
	old := s.grid.At(n, d)
	if old == v {
		return old
	}
	cell := n*s.grid.D + d
	refs := s.l.cellTerms[cell]
	if cap(s.holdBefore) < len(refs) {
		s.holdBefore = make([]bool, len(refs))
	}
	before := s.holdBefore[:len(refs)]
	for i, r := range refs {
		before[i] = s.l.rows[r.row].terms[r.term].Holds(s.grid)
	}
	s.grid.Set(n, d, v)

	s.epoch++
	s.dirtyRows = s.dirtyRows[:0]
	for i, r := range refs {
		term := &s.l.rows[r.row].terms[r.term]
		after := term.Holds(s.grid)
		if after == before[i] {
			continue
		}
		if after {
			s.rows[r.row] += term.Coef
		} else {
			s.rows[r.row] -= term.Coef
		}
		if s.rowStamp[r.row] != s.epoch {
			s.rowStamp[r.row] = s.epoch
			s.dirtyRows = append(s.dirtyRows, r.row)
		}
	}

	for _, r := range s.dirtyRows {
		for _, o := range s.l.rowOwners[r] {
			if o.check >= 0 {
				s.touchCheck(o.check)
				continue
			}
			s.touchObjective(o.obj)
		}
	}
	return old
}

func (s *state) touchCheck(i int) {
	if s.checkStamp[i] == s.epoch {
		return
	}
	s.checkStamp[i] = s.epoch
	v := s.checkValue(i)
	delta := v - s.viols[i]
	if delta == 0 {
		return
	}
	s.viols[i] = v
	c := &s.l.checks[i]
	if c.hard {
		s.hardViol += delta
		return
	}
	s.objStamp[c.obj] = s.epoch - 1
	s.touchObjective(c.obj)
}

func (s *state) touchObjective(i int) {
	if s.objStamp[i] == s.epoch {
		return
	}
	s.objStamp[i] = s.epoch
	v := s.objectiveValue(i)
	s.obj += v - s.objVal[i]
	s.objVal[i] = v
}

// violated 列出当前违反的硬约束下标
func (s *state) violated(limit int) []int {
	var out []int
	for _, i := range s.l.hardIdx {
		if s.viols[i] > 0 {
			out = append(out, i)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}
