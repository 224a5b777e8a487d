// Package stats 提供排班结果的统计分析
package stats

import (
	"math"
	"sort"
	"time"

	"github.com/paiban/nursesched/pkg/scheduler/ir"
)

// Grid 护理人员 × 日期的班别代码矩阵
type Grid struct {
	Nurses  []string        `json:"nurses"`
	Dates   []string        `json:"dates"`
	Weekend []bool          `json:"-"`
	Cells   [][]string      `json:"cells"`
	Off     string          `json:"off"`
	Night   map[string]bool `json:"-"`
	Shifts  []string        `json:"shifts"`
}

// NewGrid 由决策空间与排班表生成矩阵
func NewGrid(sp *ir.Space, t *ir.Table, nightCodes []string) *Grid {
	g := &Grid{
		Dates:  sp.Dates,
		Off:    sp.Shifts[sp.Off],
		Night:  make(map[string]bool, len(nightCodes)),
		Shifts: sp.Shifts,
	}
	for _, c := range nightCodes {
		g.Night[c] = true
	}
	for d := range sp.Dates {
		g.Weekend = append(g.Weekend, sp.IsWeekend(d))
	}
	for n := 0; n < sp.N(); n++ {
		g.Nurses = append(g.Nurses, sp.NurseLabel(n))
		row := make([]string, sp.D())
		for d := range row {
			row[d] = sp.Shifts[t.At(n, d)]
		}
		g.Cells = append(g.Cells, row)
	}
	return g
}

// isWeekend 未提供周末标记时按日期计算
func (g *Grid) isWeekend(d int) bool {
	if d < len(g.Weekend) {
		return g.Weekend[d]
	}
	date, err := time.Parse("2006-01-02", g.Dates[d])
	if err != nil {
		return false
	}
	wd := date.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// FairnessMetrics 公平性指标
type FairnessMetrics struct {
	AvgWorkDays  float64 `json:"avg_work_days"`
	WorkRange    int     `json:"work_range"`
	WorkGini     float64 `json:"work_gini"`
	WorkStdDev   float64 `json:"work_std_dev"`
	NightRange   int     `json:"night_range"`
	NightGini    float64 `json:"night_gini"`
	WeekendRange int     `json:"weekend_range"`
	WeekendGini  float64 `json:"weekend_gini"`

	// ShiftDistribution 各班别占上班格的百分比
	ShiftDistribution map[string]float64 `json:"shift_distribution"`
	NurseStats        []NurseStat        `json:"nurse_stats"`

	// OverallScore 综合公平性评分 (0-100)
	OverallScore float64 `json:"overall_score"`
}

// NurseStat 单个护理人员的统计
type NurseStat struct {
	Nurse       string         `json:"nurse"`
	WorkDays    int            `json:"work_days"`
	OffDays     int            `json:"off_days"`
	NightShifts int            `json:"night_shifts"`
	WeekendWork int            `json:"weekend_work"`
	ShiftCounts map[string]int `json:"shift_counts"`
	LongestRun  int            `json:"longest_run"`
	Deviation   float64        `json:"deviation"` // 与平均上班天数的偏差百分比
}

// FairnessAnalyzer 公平性分析器
type FairnessAnalyzer struct{}

// NewFairnessAnalyzer 创建公平性分析器
func NewFairnessAnalyzer() *FairnessAnalyzer {
	return &FairnessAnalyzer{}
}

// Analyze 分析排班公平性
func (f *FairnessAnalyzer) Analyze(g *Grid) *FairnessMetrics {
	if g == nil || len(g.Nurses) == 0 {
		return &FairnessMetrics{ShiftDistribution: make(map[string]float64), OverallScore: 100}
	}

	stats := f.nurseStats(g)
	work := make([]float64, len(stats))
	nights := make([]float64, len(stats))
	weekends := make([]float64, len(stats))
	for i, s := range stats {
		work[i] = float64(s.WorkDays)
		nights[i] = float64(s.NightShifts)
		weekends[i] = float64(s.WeekendWork)
	}

	avg := mean(work)
	std := math.Sqrt(variance(work, avg))
	for i := range stats {
		if avg > 0 {
			stats[i].Deviation = (work[i] - avg) / avg * 100
		}
	}
	workGini, nightGini, weekendGini := gini(work), gini(nights), gini(weekends)

	sort.SliceStable(stats, func(i, j int) bool { return stats[i].WorkDays > stats[j].WorkDays })

	return &FairnessMetrics{
		AvgWorkDays:       avg,
		WorkRange:         spread(work),
		WorkGini:          workGini,
		WorkStdDev:        std,
		NightRange:        spread(nights),
		NightGini:         nightGini,
		WeekendRange:      spread(weekends),
		WeekendGini:       weekendGini,
		ShiftDistribution: f.distribution(g),
		NurseStats:        stats,
		OverallScore:      overallScore(workGini, nightGini, weekendGini, std, avg),
	}
}

func (f *FairnessAnalyzer) nurseStats(g *Grid) []NurseStat {
	out := make([]NurseStat, len(g.Nurses))
	for n, label := range g.Nurses {
		s := NurseStat{Nurse: label, ShiftCounts: make(map[string]int)}
		run := 0
		for d, code := range g.Cells[n] {
			s.ShiftCounts[code]++
			if code == g.Off {
				s.OffDays++
				run = 0
				continue
			}
			s.WorkDays++
			run++
			if run > s.LongestRun {
				s.LongestRun = run
			}
			if g.Night[code] {
				s.NightShifts++
			}
			if g.isWeekend(d) {
				s.WeekendWork++
			}
		}
		out[n] = s
	}
	return out
}

// distribution 各上班班别占比
func (f *FairnessAnalyzer) distribution(g *Grid) map[string]float64 {
	counts := make(map[string]int)
	total := 0
	for _, row := range g.Cells {
		for _, code := range row {
			if code == g.Off {
				continue
			}
			counts[code]++
			total++
		}
	}
	out := make(map[string]float64, len(counts))
	if total == 0 {
		return out
	}
	for code, c := range counts {
		out[code] = float64(c) / float64(total) * 100
	}
	return out
}

// CompareSchedules 比较两个排班方案的公平性，正值表示第二个方案更差
func (f *FairnessAnalyzer) CompareSchedules(a, b *Grid) map[string]float64 {
	m1, m2 := f.Analyze(a), f.Analyze(b)
	return map[string]float64{
		"night_range_diff":        float64(m2.NightRange - m1.NightRange),
		"weekend_range_diff":      float64(m2.WeekendRange - m1.WeekendRange),
		"work_gini_diff":          m2.WorkGini - m1.WorkGini,
		"overall_score_diff":      m2.OverallScore - m1.OverallScore,
		"schedule1_overall_score": m1.OverallScore,
		"schedule2_overall_score": m2.OverallScore,
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func variance(values []float64, m float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		diff := v - m
		sum += diff * diff
	}
	return sum / float64(len(values))
}

// spread 极差
func spread(values []float64) int {
	if len(values) == 0 {
		return 0
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return int(hi - lo)
}

// gini 基尼系数 (0=完全公平, 1=完全不公平)
func gini(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	if sum == 0 {
		return 0
	}
	g := 0.0
	for i, v := range sorted {
		g += (2*float64(i+1) - float64(n) - 1) * v
	}
	g = g / (float64(n) * sum)
	return math.Max(0, math.Min(1, g))
}

// overallScore 综合评分：上班天数、夜班、周末的基尼系数与变异系数加权
func overallScore(workGini, nightGini, weekendGini, stdDev, avg float64) float64 {
	const (
		workWeight    = 0.4
		nightWeight   = 0.25
		weekendWeight = 0.25
		stdDevWeight  = 0.1
	)
	cvScore := 100.0
	if avg > 0 {
		cvScore = math.Max(0, 100-stdDev/avg*200)
	}
	score := workWeight*(1-workGini)*100 +
		nightWeight*(1-nightGini)*100 +
		weekendWeight*(1-weekendGini)*100 +
		stdDevWeight*cvScore
	return math.Max(0, math.Min(100, score))
}
