package solver

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/go-air/gini"
	"github.com/go-air/gini/logic"
	"github.com/go-air/gini/z"

	"github.com/paiban/nursesched/pkg/scheduler/cpmodel"
	"github.com/paiban/nursesched/pkg/scheduler/ir"
)

// ExactConfig 小规模模型在搜索前做一次 SAT 可满足性判定
type ExactConfig struct {
	// MaxVars 格数×班别数超过该值时跳过，负数表示停用
	MaxVars int `json:"max_vars"`
	// MaxUnits 单条关系按系数展开后的文字数上限，超过时该关系不参与编码
	MaxUnits  int           `json:"max_units"`
	TimeLimit time.Duration `json:"time_limit"`
}

// DefaultExactConfig 默认判定参数
func DefaultExactConfig() ExactConfig {
	return ExactConfig{MaxVars: 2000, MaxUnits: 256, TimeLimit: 2 * time.Second}
}

// 与 gini 的求解结果取值一致
const (
	exactUnsat   = -1
	exactUnknown = 0
	exactSat     = 1
)

type exactResult struct {
	status int
	// skipped 未能编码而被放松的硬约束条数，非零时可满足不代表原模型可行
	skipped int
	// witness 通过复核的可行解，仅在全部硬约束都已编码时给出
	witness *ir.Table
}

// encoder 把域与硬约束编码为布尔电路
type encoder struct {
	m        *cpmodel.Model
	c        *logic.C
	x        []z.Lit
	maxUnits int
}

func (e *encoder) lit(l ir.Lit) z.Lit {
	sp := e.m.Space
	v := e.x[sp.Cell(int(l.Nurse), int(l.Day))*sp.S()+int(l.Shift)]
	if l.Neg {
		return v.Not()
	}
	return v
}

func (e *encoder) term(t ir.Term) z.Lit {
	switch len(t.Lits) {
	case 0:
		return e.c.T
	case 1:
		return e.lit(t.Lits[0])
	}
	ms := make([]z.Lit, len(t.Lits))
	for i, l := range t.Lits {
		ms[i] = e.lit(l)
	}
	return e.c.Ands(ms...)
}

// relation 返回与 Σ terms (sense) rhs 等价的文字。系数按重复文字展开，
// 负系数改写为否定项并平移右侧
func (e *encoder) relation(terms []ir.Term, sense ir.Sense, rhs int) (z.Lit, bool) {
	var units []z.Lit
	for _, t := range terms {
		k := t.Coef
		if k == 0 {
			continue
		}
		m := e.term(t)
		if k < 0 {
			m, k = m.Not(), -k
			rhs += k
		}
		if len(units)+k > e.maxUnits {
			return z.LitNull, false
		}
		for i := 0; i < k; i++ {
			units = append(units, m)
		}
	}

	n := len(units)
	var cs *logic.CardSort
	sorted := func() *logic.CardSort {
		if cs == nil {
			cs = e.c.CardSort(units)
		}
		return cs
	}
	leq := func(r int) z.Lit {
		switch {
		case r < 0:
			return e.c.F
		case r >= n:
			return e.c.T
		}
		return sorted().Leq(r)
	}
	geq := func(r int) z.Lit {
		switch {
		case r <= 0:
			return e.c.T
		case r > n:
			return e.c.F
		}
		return sorted().Geq(r)
	}

	switch sense {
	case ir.LE:
		return leq(rhs), true
	case ir.GE:
		return geq(rhs), true
	}
	return e.c.And(leq(rhs), geq(rhs)), true
}

// checkExact 在时限内判定硬约束是否可满足。编码不了的关系被放松，
// 因此不可满足的结论总是成立
func checkExact(ctx context.Context, m *cpmodel.Model, cfg ExactConfig, stop func() bool, deadline time.Time) (exactResult, error) {
	if err := ctx.Err(); err != nil {
		return exactResult{}, err
	}
	if stop != nil && stop() {
		return exactResult{}, context.Canceled
	}
	sp := m.Space
	vars := sp.N() * sp.D() * sp.S()
	if cfg.MaxVars < 0 || vars == 0 || vars > cfg.MaxVars {
		return exactResult{}, nil
	}

	e := &encoder{m: m, c: logic.NewCCap(vars * 4), x: make([]z.Lit, vars), maxUnits: cfg.MaxUnits}
	for i := range e.x {
		e.x[i] = e.c.Lit()
	}

	var res exactResult
	var clauses [][]z.Lit
	for cell := 0; cell < sp.N()*sp.D(); cell++ {
		dom := m.Domains[cell]
		var in []z.Lit
		for s := 0; s < sp.S(); s++ {
			v := e.x[cell*sp.S()+s]
			if !dom.Has(s) {
				clauses = append(clauses, []z.Lit{v.Not()})
				continue
			}
			in = append(in, v)
		}
		clauses = append(clauses, in)
		for a := 0; a < len(in); a++ {
			for b := a + 1; b < len(in); b++ {
				clauses = append(clauses, []z.Lit{in[a].Not(), in[b].Not()})
			}
		}
	}
	for i := range m.Hard {
		c := &m.Hard[i]
		body, ok := e.relation(c.Terms, c.Sense, c.RHS)
		if !ok {
			res.skipped++
			continue
		}
		if c.When == nil {
			clauses = append(clauses, []z.Lit{body})
			continue
		}
		cond, ok := e.relation(c.When.Terms, c.When.Sense, c.When.RHS)
		if !ok {
			res.skipped++
			continue
		}
		clauses = append(clauses, []z.Lit{cond.Not(), body})
	}

	g := gini.New()
	e.c.ToCnf(g)
	for _, cl := range clauses {
		for _, l := range cl {
			g.Add(l)
		}
		g.Add(z.LitNull)
	}

	limit := time.Now().Add(cfg.TimeLimit)
	if !deadline.IsZero() && deadline.Before(limit) {
		limit = deadline
	}
	run := g.GoSolve()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if r, done := run.Test(); done {
			res.status = r
			break
		}
		select {
		case <-ctx.Done():
			run.Stop()
			return exactResult{}, ctx.Err()
		case <-tick.C:
		}
		if stop != nil && stop() {
			run.Stop()
			return exactResult{}, context.Canceled
		}
		if time.Now().After(limit) {
			run.Stop()
			res.status = exactUnknown
			return res, nil
		}
	}

	if res.status == exactSat && res.skipped == 0 {
		grid := ir.NewTable(sp.N(), sp.D(), sp.Off)
		for n := 0; n < sp.N(); n++ {
			for d := 0; d < sp.D(); d++ {
				cell := sp.Cell(n, d)
				for s := 0; s < sp.S(); s++ {
					if g.Value(e.x[cell*sp.S()+s]) {
						grid.Set(n, d, s)
					}
				}
			}
		}
		if len(m.Verify(grid)) == 0 {
			res.witness = grid
		}
	}
	return res, nil
}

// hardRules 模型中的全部硬规则，逗号分隔
func hardRules(m *cpmodel.Model) string {
	seen := make(map[string]struct{})
	var ids []string
	for _, group := range [][]ir.Constraint{m.Unary, m.Hard} {
		for i := range group {
			id := group[i].RuleID
			if _, ok := seen[id]; ok || id == "" {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}
