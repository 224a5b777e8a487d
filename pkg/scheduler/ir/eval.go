package ir

// Grid 读取 (护理人员, 日期) 的班别索引
type Grid interface {
	At(n, d int) int
}

// Table 稠密排班表
type Table struct {
	N     int     `json:"n"`
	D     int     `json:"d"`
	Cells []int32 `json:"cells"`
}

// NewTable 创建全部为 fill 的排班表
func NewTable(n, d, fill int) *Table {
	t := &Table{N: n, D: d, Cells: make([]int32, n*d)}
	for i := range t.Cells {
		t.Cells[i] = int32(fill)
	}
	return t
}

// At 读取
func (t *Table) At(n, d int) int { return int(t.Cells[n*t.D+d]) }

// Set 写入
func (t *Table) Set(n, d, s int) { t.Cells[n*t.D+d] = int32(s) }

// Clone 复制
func (t *Table) Clone() *Table {
	cp := &Table{N: t.N, D: t.D, Cells: make([]int32, len(t.Cells))}
	copy(cp.Cells, t.Cells)
	return cp
}

// Diff 与另一张表不同的格数
func (t *Table) Diff(o *Table) int {
	n := 0
	for i := range t.Cells {
		if t.Cells[i] != o.Cells[i] {
			n++
		}
	}
	return n
}

// Holds 文字是否成立
func (l Lit) Holds(g Grid) bool {
	hit := g.At(int(l.Nurse), int(l.Day)) == int(l.Shift)
	return hit != l.Neg
}

// Holds 合取项是否成立
func (t Term) Holds(g Grid) bool {
	for _, l := range t.Lits {
		if !l.Holds(g) {
			return false
		}
	}
	return true
}

// Sum Σ coef × term
func Sum(terms []Term, g Grid) int {
	total := 0
	for _, t := range terms {
		if t.Holds(g) {
			total += t.Coef
		}
	}
	return total
}

// Amount 左侧取值 lhs 对关系的违反量
func Amount(lhs int, sense Sense, rhs int) int {
	switch sense {
	case LE:
		if lhs > rhs {
			return lhs - rhs
		}
	case GE:
		if lhs < rhs {
			return rhs - lhs
		}
	case EQ:
		if lhs > rhs {
			return lhs - rhs
		}
		return rhs - lhs
	}
	return 0
}

// Holds 条件是否成立
func (c *Condition) Holds(g Grid) bool {
	return Amount(Sum(c.Terms, g), c.Sense, c.RHS) == 0
}

// Violation 约束在 g 上的违反量；条件未触发时为 0
func (c *Constraint) Violation(g Grid) int {
	if c.When != nil && !c.When.Holds(g) {
		return 0
	}
	return Amount(Sum(c.Terms, g), c.Sense, c.RHS)
}

// Raw 未乘系数的目标值
func (o *Objective) Raw(g Grid) int {
	switch o.Kind {
	case KindRange:
		if len(o.Groups) == 0 {
			return 0
		}
		lo, hi := 0, 0
		for i, grp := range o.Groups {
			v := Sum(grp, g)
			if i == 0 || v < lo {
				lo = v
			}
			if i == 0 || v > hi {
				hi = v
			}
		}
		return hi - lo
	case KindViolation:
		total := 0
		for i := range o.Constraints {
			total += o.Constraints[i].Violation(g)
		}
		return total
	}
	return Sum(o.Terms, g)
}

// Value Coef × Raw
func (o *Objective) Value(g Grid) int64 {
	return int64(o.Coef) * int64(o.Raw(g))
}

// LowerBound 目标值的平凡下界：奖励项全部兑现
func (o *Objective) LowerBound() int64 {
	if o.Kind != KindSum {
		return 0
	}
	var lb int64
	for _, t := range o.Terms {
		if v := int64(o.Coef) * int64(t.Coef); v < 0 {
			lb += v
		}
	}
	return lb
}
