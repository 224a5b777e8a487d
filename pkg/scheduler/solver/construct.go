package solver

import (
	"math/rand"
	"sort"

	"github.com/paiban/nursesched/pkg/scheduler/cpmodel"
	"github.com/paiban/nursesched/pkg/scheduler/ir"
)

// initialGrid 锁定格取锁定值，其余格取提示或休假，域不含休假时取域内首个值
func initialGrid(m *cpmodel.Model) *ir.Table {
	sp := m.Space
	g := ir.NewTable(sp.N(), sp.D(), sp.Off)
	for n := 0; n < sp.N(); n++ {
		for d := 0; d < sp.D(); d++ {
			cell := sp.Cell(n, d)
			dom := m.Domains[cell]
			switch {
			case m.Hints != nil && m.Hints[cell] >= 0:
				g.Set(n, d, int(m.Hints[cell]))
			case dom.Has(sp.Off):
				g.Set(n, d, sp.Off)
			default:
				g.Set(n, d, dom.Values()[0])
			}
		}
	}
	return g
}

// construct 逐日贪心：工作量少的人员优先，逐格取评分最低的班别。
// 每天开始前调用 check，check 返回错误时停止构造并原样返回
func construct(s *state, rng *rand.Rand, penalty int64, check func() error) error {
	m := s.l.m
	sp := m.Space
	// 有基准时保留提示，由搜索阶段调整
	if m.HasBase() {
		return nil
	}
	work := make([]int, sp.N())
	order := make([]int, sp.N())
	for d := 0; d < sp.D(); d++ {
		if err := check(); err != nil {
			return err
		}
		for i := range order {
			order[i] = i
		}
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		sort.SliceStable(order, func(i, j int) bool { return work[order[i]] < work[order[j]] })

		for _, n := range order {
			dom := m.Domain(n, d)
			if dom.Count() > 1 {
				best, bestScore := s.grid.At(n, d), s.score(penalty)
				for _, v := range dom.Values() {
					if v == best {
						continue
					}
					prev := s.set(n, d, v)
					if sc := s.score(penalty); sc < bestScore {
						best, bestScore = v, sc
					}
					s.set(n, d, prev)
				}
				s.set(n, d, best)
			}
			if s.grid.At(n, d) != sp.Off {
				work[n]++
			}
		}
	}
	return nil
}
