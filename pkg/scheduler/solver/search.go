package solver

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paiban/nursesched/pkg/scheduler/ir"
)

// SearchConfig 局部搜索参数
type SearchConfig struct {
	MaxIterations    int     `json:"max_iterations"`
	InitialTemp      float64 `json:"initial_temp"`
	CoolingRate      float64 `json:"cooling_rate"`
	TabuSize         int     `json:"tabu_size"`
	NeighborhoodSize int     `json:"neighborhood_size"`
	PlateauThreshold int     `json:"plateau_threshold"`
	Restarts         int     `json:"restarts"`
}

// DefaultSearchConfig 默认搜索参数
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		MaxIterations:    200000,
		InitialTemp:      100.0,
		CoolingRate:      0.995,
		TabuSize:         50,
		NeighborhoodSize: 8,
		PlateauThreshold: 20000,
		Restarts:         3,
	}
}

// checkpointEvery 每隔多少次迭代检查取消、时限与停止标志
const checkpointEvery = 64

// MoveType 邻域移动类型
type MoveType int

const (
	MoveChange MoveType = iota // 单格换班
	MoveSwap                   // 同日两人互换
	MoveRepair                 // 针对违反的硬约束修复
	moveTypes
)

// tracker 各岛共享的当前最优
type tracker struct {
	mu       sync.Mutex
	score    int64
	obj      int64
	hard     int
	found    bool
	stop     atomic.Bool
}

func (t *tracker) offer(score, obj int64, hard int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.found || score < t.score {
		t.score, t.obj, t.hard, t.found = score, obj, hard, true
	}
}

func (t *tracker) snapshot() (obj int64, hard int, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.obj, t.hard, t.found
}

// island 一条独立的搜索轨迹
type island struct {
	id       int
	cfg      SearchConfig
	rng      *rand.Rand
	st       *state
	penalty  int64
	lb       int64
	deadline time.Time
	stopFn   func() bool
	shared   *tracker

	movable   []int
	best      *ir.Table
	bestScore int64
	bestHard  int
	bestObj   int64
	iters     int
	timedOut  bool
	seeded    bool
	tabu      *TabuList
	moves     [moveTypes]int
}

// islandResult 单岛的最佳解
type islandResult struct {
	id       int
	grid     *ir.Table
	score    int64
	hard     int
	obj      int64
	iters    int
	timedOut bool
	moves    [moveTypes]int
}

func newIsland(id int, l *layout, cfg SearchConfig, seed int64, penalty int64) *island {
	sp := l.m.Space
	is := &island{
		id:      id,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(seed + int64(id))),
		penalty: penalty,
		lb:      l.m.LowerBound(),
		tabu:    NewTabuList(cfg.TabuSize),
	}
	is.st = newState(l, initialGrid(l.m))
	for n := 0; n < sp.N(); n++ {
		for d := 0; d < sp.D(); d++ {
			if l.m.Domain(n, d).Count() > 1 {
				is.movable = append(is.movable, sp.Cell(n, d))
			}
		}
	}
	return is
}

// seed 以已通过复核的可行解为起点，不再做贪心构造
func (is *island) seed(g *ir.Table) {
	is.st = newState(is.st.l, g.Clone())
	is.seeded = true
}

func (is *island) record() {
	is.best = is.st.grid.Clone()
	is.bestScore = is.st.score(is.penalty)
	is.bestHard = is.st.hardViol
	is.bestObj = is.st.obj
}

// optimal 无硬违反且达到目标下界
func (is *island) optimal() bool {
	return is.bestHard == 0 && is.bestObj <= is.lb
}

// errDeadline 到达求解时限
var errDeadline = errors.New("solver: deadline reached")

// interrupted 检查取消与时限
func (is *island) interrupted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if is.stopFn != nil && is.stopFn() {
		return context.Canceled
	}
	if !is.deadline.IsZero() && time.Now().After(is.deadline) {
		return errDeadline
	}
	return nil
}

// run 构造初解后做模拟退火与禁忌搜索
func (is *island) run(ctx context.Context) error {
	var err error
	if !is.seeded {
		err = construct(is.st, is.rng, is.penalty, func() error { return is.interrupted(ctx) })
	}
	switch {
	case errors.Is(err, errDeadline):
		is.timedOut = true
	case err != nil:
		return err
	}
	is.record()
	is.shared.offer(is.bestScore, is.bestObj, is.bestHard)
	if is.timedOut || len(is.movable) == 0 || is.optimal() {
		return nil
	}

	temp := is.cfg.InitialTemp
	plateau, restarts := 0, 0
	for is.cfg.MaxIterations <= 0 || is.iters < is.cfg.MaxIterations {
		if is.iters%checkpointEvery == 0 {
			if err := is.interrupted(ctx); errors.Is(err, errDeadline) {
				is.timedOut = true
				return nil
			} else if err != nil {
				return err
			}
			if is.shared.stop.Load() {
				return nil
			}
			is.shared.offer(is.bestScore, is.bestObj, is.bestHard)
		}
		is.iters++

		if is.step(temp) {
			plateau = 0
			if is.optimal() {
				is.shared.offer(is.bestScore, is.bestObj, is.bestHard)
				is.shared.stop.Store(true)
				return nil
			}
		} else {
			plateau++
		}

		if is.iters%100 == 0 {
			temp *= is.cfg.CoolingRate
			if temp < 0.01 {
				temp = 0.01
			}
		}
		if is.cfg.PlateauThreshold > 0 && plateau >= is.cfg.PlateauThreshold {
			if restarts >= is.cfg.Restarts {
				break
			}
			restarts++
			plateau = 0
			temp = is.cfg.InitialTemp
			is.restart()
		}
	}
	is.shared.offer(is.bestScore, is.bestObj, is.bestHard)
	return nil
}

// restart 回到最优解并随机扰动一部分格
func (is *island) restart() {
	sp := is.st.l.m.Space
	for i := range is.best.Cells {
		n, d := i/sp.D(), i%sp.D()
		is.st.set(n, d, int(is.best.Cells[i]))
	}
	kick := len(is.movable) / 20
	if kick < 1 {
		kick = 1
	}
	for i := 0; i < kick; i++ {
		cell := is.movable[is.rng.Intn(len(is.movable))]
		n, d := cell/sp.D(), cell%sp.D()
		vals := is.st.l.m.Domain(n, d).Values()
		is.st.set(n, d, vals[is.rng.Intn(len(vals))])
	}
	is.tabu.Clear()
}

// change 一次候选移动涉及的格
type change struct {
	n, d, v int
}

// step 采样若干邻域移动，取最好的非禁忌移动按退火准则接受；返回是否刷新最优
func (is *island) step(temp float64) bool {
	current := is.st.score(is.penalty)
	var (
		pick      []change
		pickType  MoveType
		pickScore int64
		found     bool
	)
	for k := 0; k < is.cfg.NeighborhoodSize; k++ {
		typ, mv := is.propose()
		if len(mv) == 0 {
			continue
		}
		undo := is.apply(mv)
		sc := is.st.score(is.penalty)
		is.apply(undo)
		// 禁忌移动仅在刷新最优时放行
		if is.tabu.Contains(moveKey(mv)) && sc >= is.bestScore {
			continue
		}
		if !found || sc < pickScore {
			pick, pickType, pickScore, found = mv, typ, sc, true
		}
	}
	if !found {
		return false
	}
	delta := pickScore - current
	if delta > 0 && is.rng.Float64() >= boltzmann(delta, temp) {
		return false
	}
	undo := is.apply(pick)
	is.tabu.Add(moveKey(undo))
	is.moves[pickType]++
	if pickScore < is.bestScore {
		is.record()
		return true
	}
	return false
}

// apply 执行移动并返回撤销移动
func (is *island) apply(mv []change) []change {
	undo := make([]change, len(mv))
	for i, c := range mv {
		undo[len(mv)-1-i] = change{n: c.n, d: c.d, v: is.st.set(c.n, c.d, c.v)}
	}
	return undo
}

func (is *island) propose() (MoveType, []change) {
	r := is.rng.Float64()
	switch {
	case is.st.hardViol > 0 && r < 0.4:
		return MoveRepair, is.repairMove()
	case r < 0.7:
		return MoveChange, is.changeMove()
	default:
		return MoveSwap, is.swapMove()
	}
}

func (is *island) changeMove() []change {
	sp := is.st.l.m.Space
	cell := is.movable[is.rng.Intn(len(is.movable))]
	n, d := cell/sp.D(), cell%sp.D()
	return is.randomValue(n, d)
}

func (is *island) randomValue(n, d int) []change {
	dom := is.st.l.m.Domain(n, d)
	cur := is.st.grid.At(n, d)
	vals := dom.Values()
	if len(vals) < 2 {
		return nil
	}
	v := vals[is.rng.Intn(len(vals))]
	if v == cur {
		v = vals[(indexOf(vals, v)+1+is.rng.Intn(len(vals)-1))%len(vals)]
	}
	return []change{{n: n, d: d, v: v}}
}

// swapMove 同一天两人交换班别，保持当日各班人数
func (is *island) swapMove() []change {
	sp := is.st.l.m.Space
	m := is.st.l.m
	cell := is.movable[is.rng.Intn(len(is.movable))]
	n1, d := cell/sp.D(), cell%sp.D()
	v1 := is.st.grid.At(n1, d)
	for tries := 0; tries < 4; tries++ {
		n2 := is.rng.Intn(sp.N())
		v2 := is.st.grid.At(n2, d)
		if n2 == n1 || v1 == v2 {
			continue
		}
		if !m.Domain(n1, d).Has(v2) || !m.Domain(n2, d).Has(v1) {
			continue
		}
		return []change{{n: n1, d: d, v: v2}, {n: n2, d: d, v: v1}}
	}
	return nil
}

// repairMove 从一条违反的硬约束中挑一个文字翻转
func (is *island) repairMove() []change {
	l := is.st.l
	viol := is.st.violated(16)
	if len(viol) == 0 {
		return nil
	}
	c := l.checks[viol[is.rng.Intn(len(viol))]].location
	var lits []ir.Lit
	for _, t := range c.Terms {
		lits = append(lits, t.Lits...)
	}
	if c.When != nil {
		for _, t := range c.When.Terms {
			lits = append(lits, t.Lits...)
		}
	}
	if len(lits) == 0 {
		return nil
	}
	lit := lits[is.rng.Intn(len(lits))]
	n, d := int(lit.Nurse), int(lit.Day)
	dom := l.m.Domain(n, d)
	if dom.Count() < 2 {
		return nil
	}
	holds := lit.Holds(is.st.grid)
	if holds {
		// 让文字不成立
		if lit.Neg {
			if dom.Has(int(lit.Shift)) {
				return []change{{n: n, d: d, v: int(lit.Shift)}}
			}
			return nil
		}
		return is.randomValue(n, d)
	}
	if lit.Neg {
		return is.randomValue(n, d)
	}
	if dom.Has(int(lit.Shift)) {
		return []change{{n: n, d: d, v: int(lit.Shift)}}
	}
	return nil
}

func (is *island) result() islandResult {
	return islandResult{
		id:       is.id,
		grid:     is.best,
		score:    is.bestScore,
		hard:     is.bestHard,
		obj:      is.bestObj,
		iters:    is.iters,
		timedOut: is.timedOut,
		moves:    is.moves,
	}
}

func indexOf(vals []int, v int) int {
	for i, x := range vals {
		if x == v {
			return i
		}
	}
	return 0
}

// boltzmann 退火接受概率
func boltzmann(delta int64, temp float64) float64 {
	if temp <= 0 {
		return 0
	}
	return math.Exp(-float64(delta) / temp)
}

// moveKey 移动的 FNV-1a 哈希，与格的先后顺序无关
func moveKey(mv []change) uint64 {
	var key uint64
	buf := make([]byte, 0, 12)
	for _, c := range mv {
		h := fnv.New64a()
		buf = appendInt(buf[:0], c.n)
		buf = appendInt(buf, c.d)
		buf = appendInt(buf, c.v)
		h.Write(buf)
		key ^= h.Sum64()
	}
	return key
}

func appendInt(b []byte, v int) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// TabuList 禁忌表
type TabuList struct {
	items   map[uint64]struct{}
	order   []uint64
	maxSize int
}

// NewTabuList 创建禁忌表
func NewTabuList(maxSize int) *TabuList {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &TabuList{
		items:   make(map[uint64]struct{}, maxSize),
		order:   make([]uint64, 0, maxSize),
		maxSize: maxSize,
	}
}

// Add 加入禁忌表，超出容量时淘汰最早的项
func (t *TabuList) Add(key uint64) {
	if _, ok := t.items[key]; ok {
		return
	}
	if len(t.order) >= t.maxSize {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.items, oldest)
	}
	t.items[key] = struct{}{}
	t.order = append(t.order, key)
}

// Contains 是否在禁忌表中
func (t *TabuList) Contains(key uint64) bool {
	_, ok := t.items[key]
	return ok
}

// Clear 清空
func (t *TabuList) Clear() {
	t.items = make(map[uint64]struct{}, t.maxSize)
	t.order = t.order[:0]
}
