package stats

import (
	"fmt"
	"sort"
	"strings"
)

// Demand 某日某班的最低人数
type Demand struct {
	Date     string `json:"date"`
	Shift    string `json:"shift"`
	Required int    `json:"required"`
	Source   string `json:"source,omitempty"`
}

// CoverageMetrics 覆盖指标
type CoverageMetrics struct {
	TotalRequired int `json:"total_required"`
	TotalCovered  int `json:"total_covered"`
	// DemandSatisfaction 需求满足度 (%)
	DemandSatisfaction float64                `json:"demand_satisfaction"`
	DailyCoverage      map[string]DayCoverage `json:"daily_coverage"`
	ShiftCoverage      map[string]float64     `json:"shift_coverage"`
	Shortfalls         []Shortfall            `json:"shortfalls"`
	TotalShortfall     int                    `json:"total_shortfall"`
}

// DayCoverage 每日覆盖情况
type DayCoverage struct {
	Date         string         `json:"date"`
	Required     int            `json:"required"`
	Covered      int            `json:"covered"`
	CoverageRate float64        `json:"coverage_rate"`
	StaffCount   int            `json:"staff_count"`
	ByShift      map[string]int `json:"by_shift"`
}

// Shortfall 人手不足的日期与班别
type Shortfall struct {
	Date     string `json:"date"`
	Shift    string `json:"shift"`
	Required int    `json:"required"`
	Assigned int    `json:"assigned"`
	Shortage int    `json:"shortage"`
}

// CoverageAnalyzer 覆盖率分析器
type CoverageAnalyzer struct{}

// NewCoverageAnalyzer 创建覆盖率分析器
func NewCoverageAnalyzer() *CoverageAnalyzer {
	return &CoverageAnalyzer{}
}

// Analyze 对照需求统计覆盖。同一日期班别有多条需求时取最大值
func (c *CoverageAnalyzer) Analyze(g *Grid, demands []Demand) *CoverageMetrics {
	out := &CoverageMetrics{
		DailyCoverage: make(map[string]DayCoverage),
		ShiftCoverage: make(map[string]float64),
	}
	if g == nil {
		return out
	}

	assigned := make(map[string]map[string]int, len(g.Dates))
	for d, date := range g.Dates {
		byShift := make(map[string]int)
		staff := 0
		for n := range g.Nurses {
			code := g.Cells[n][d]
			if code == g.Off {
				continue
			}
			byShift[code]++
			staff++
		}
		assigned[date] = byShift
		out.DailyCoverage[date] = DayCoverage{Date: date, StaffCount: staff, ByShift: byShift}
	}

	need := make(map[string]int)
	for _, dm := range demands {
		if dm.Required <= 0 {
			continue
		}
		key := dm.Date + "|" + dm.Shift
		if dm.Required > need[key] {
			need[key] = dm.Required
		}
	}
	keys := make([]string, 0, len(need))
	for k := range need {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	shiftReq := make(map[string]int)
	shiftCov := make(map[string]int)
	for _, key := range keys {
		date, shift, _ := strings.Cut(key, "|")
		req := need[key]
		got := assigned[date][shift]
		covered := min(got, req)

		out.TotalRequired += req
		out.TotalCovered += covered
		shiftReq[shift] += req
		shiftCov[shift] += covered

		day := out.DailyCoverage[date]
		day.Date = date
		day.Required += req
		day.Covered += covered
		out.DailyCoverage[date] = day

		if got < req {
			out.Shortfalls = append(out.Shortfalls, Shortfall{Date: date, Shift: shift, Required: req, Assigned: got, Shortage: req - got})
			out.TotalShortfall += req - got
		}
	}

	for date, day := range out.DailyCoverage {
		if day.Required > 0 {
			day.CoverageRate = float64(day.Covered) / float64(day.Required) * 100
		} else {
			day.CoverageRate = 100
		}
		out.DailyCoverage[date] = day
	}
	for shift, req := range shiftReq {
		out.ShiftCoverage[shift] = float64(shiftCov[shift]) / float64(req) * 100
	}
	out.DemandSatisfaction = 100
	if out.TotalRequired > 0 {
		out.DemandSatisfaction = float64(out.TotalCovered) / float64(out.TotalRequired) * 100
	}
	return out
}

// GenerateCoverageReport 生成文字报告
func (c *CoverageAnalyzer) GenerateCoverageReport(m *CoverageMetrics) string {
	var b strings.Builder
	b.WriteString("=== 覆盖率报告 ===\n\n")
	fmt.Fprintf(&b, "需求人次: %d\n", m.TotalRequired)
	fmt.Fprintf(&b, "满足人次: %d\n", m.TotalCovered)
	fmt.Fprintf(&b, "需求满足度: %.1f%%\n", m.DemandSatisfaction)
	if len(m.Shortfalls) > 0 {
		fmt.Fprintf(&b, "\n人手不足 (%d 处，共缺 %d 人次):\n", len(m.Shortfalls), m.TotalShortfall)
		for _, s := range m.Shortfalls {
			fmt.Fprintf(&b, "  - %s %s: 需要 %d，已排 %d\n", s.Date, s.Shift, s.Required, s.Assigned)
		}
	}
	return b.String()
}
