package stats

// Summary 随排班版本保存的汇总指标
type Summary struct {
	Fairness  *FairnessMetrics `json:"fairness"`
	Coverage  *CoverageMetrics `json:"coverage"`
	Objective int64            `json:"objective"`
	// Breakdown 目标值按分组汇总
	Breakdown map[string]int64 `json:"breakdown,omitempty"`
}

// Summarize 计算汇总指标
func Summarize(g *Grid, demands []Demand, objective int64, breakdown map[string]int64) *Summary {
	return &Summary{
		Fairness:  NewFairnessAnalyzer().Analyze(g),
		Coverage:  NewCoverageAnalyzer().Analyze(g, demands),
		Objective: objective,
		Breakdown: breakdown,
	}
}

// Map 转为通用 JSON 结构，便于写入版本摘要
func (s *Summary) Map() map[string]interface{} {
	perNurse := make(map[string]map[string]int, len(s.Fairness.NurseStats))
	for _, ns := range s.Fairness.NurseStats {
		perNurse[ns.Nurse] = ns.ShiftCounts
	}
	return map[string]interface{}{
		"objective":        s.Objective,
		"breakdown":        s.Breakdown,
		"per_nurse":        perNurse,
		"night_range":      s.Fairness.NightRange,
		"weekend_range":    s.Fairness.WeekendRange,
		"work_range":       s.Fairness.WorkRange,
		"fairness_score":   s.Fairness.OverallScore,
		"total_shortfall":  s.Coverage.TotalShortfall,
		"shortfalls":       s.Coverage.Shortfalls,
		"demand_satisfied": s.Coverage.DemandSatisfaction,
	}
}
