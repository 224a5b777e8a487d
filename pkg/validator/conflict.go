// Package validator 在落库前校验排班结果集
package validator

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/paiban/nursesched/pkg/model"
)

// ConflictType 冲突类型
type ConflictType string

const (
	ConflictDuplicate    ConflictType = "duplicate"     // 同一格多条分配
	ConflictMissing      ConflictType = "missing"       // 缺少分配
	ConflictUnknownNurse ConflictType = "unknown_nurse" // 人员不在排班范围
	ConflictUnknownShift ConflictType = "unknown_shift" // 未知班别
	ConflictOutOfPeriod  ConflictType = "out_of_period" // 日期不在周期内
	ConflictLocked       ConflictType = "locked"        // 锁定格被改动
)

// Conflict 冲突信息
type Conflict struct {
	Type     ConflictType `json:"type"`
	Severity string       `json:"severity"` // error/warning
	NurseID  uuid.UUID    `json:"nurse_id"`
	Date     string       `json:"date"`
	Message  string       `json:"message"`
}

// DetectorConfig 检测器配置
type DetectorConfig struct {
	CheckLocks   bool // 是否核对锁定格
	RequireFull  bool // 是否要求覆盖全部 (护理人员, 日期)
	MaxConflicts int  // 最多报告的冲突数，0 表示不限
}

// DefaultDetectorConfig 返回默认配置
func DefaultDetectorConfig() *DetectorConfig {
	return &DetectorConfig{
		CheckLocks:   true,
		RequireFull:  true,
		MaxConflicts: 100,
	}
}

// ConflictDetector 冲突检测器
type ConflictDetector struct {
	config *DetectorConfig
}

// NewConflictDetector 创建冲突检测器
func NewConflictDetector(config *DetectorConfig) *ConflictDetector {
	if config == nil {
		config = DefaultDetectorConfig()
	}
	return &ConflictDetector{config: config}
}

// DetectAll 检查结果集：每个 (护理人员, 日期) 恰好一个已知班别，锁定格保持锁定值
func (d *ConflictDetector) DetectAll(assignments []model.Assignment, plan *model.Plan) []Conflict {
	var conflicts []Conflict
	add := func(c Conflict) bool {
		if c.Severity == "" {
			c.Severity = "error"
		}
		conflicts = append(conflicts, c)
		return d.config.MaxConflicts > 0 && len(conflicts) >= d.config.MaxConflicts
	}

	days, err := plan.Period.DateRange.Days()
	if err != nil {
		add(Conflict{Type: ConflictOutOfPeriod, Message: fmt.Sprintf("排班周期无效: %v", err)})
		return conflicts
	}
	nurses := make(map[uuid.UUID]bool, len(plan.Nurses))
	for _, n := range plan.Nurses {
		nurses[n.ID] = true
	}
	shifts := make(map[string]bool, len(plan.Shifts))
	for _, s := range plan.Shifts {
		shifts[s.Code] = true
	}

	grid := groupByNurse(assignments)
	for _, a := range assignments {
		switch {
		case !nurses[a.NurseID]:
			if add(Conflict{Type: ConflictUnknownNurse, NurseID: a.NurseID, Date: a.Date, Message: "人员不在排班范围内"}) {
				return conflicts
			}
		case !plan.Period.DateRange.Contains(a.Date):
			if add(Conflict{Type: ConflictOutOfPeriod, NurseID: a.NurseID, Date: a.Date, Message: fmt.Sprintf("日期 %s 不在排班周期内", a.Date)}) {
				return conflicts
			}
		case !shifts[a.ShiftCode]:
			if add(Conflict{Type: ConflictUnknownShift, NurseID: a.NurseID, Date: a.Date, Message: fmt.Sprintf("未知班别 %s", a.ShiftCode)}) {
				return conflicts
			}
		}
	}

	for _, n := range plan.Nurses {
		row := grid[n.ID]
		for _, day := range days {
			date := model.FormatDate(day)
			codes := row[date]
			switch {
			case len(codes) > 1:
				if add(Conflict{Type: ConflictDuplicate, NurseID: n.ID, Date: date, Message: fmt.Sprintf("同一天有 %d 条分配: %v", len(codes), codes)}) {
					return conflicts
				}
			case len(codes) == 0 && d.config.RequireFull:
				if add(Conflict{Type: ConflictMissing, NurseID: n.ID, Date: date, Message: "缺少当天分配"}) {
					return conflicts
				}
			}
		}
	}

	if d.config.CheckLocks {
		for _, l := range plan.Locks {
			codes := grid[l.NurseID][l.Date]
			if len(codes) == 1 && codes[0] == l.ShiftCode {
				continue
			}
			if add(Conflict{Type: ConflictLocked, NurseID: l.NurseID, Date: l.Date, Message: fmt.Sprintf("锁定为 %s，结果为 %v", l.ShiftCode, codes)}) {
				return conflicts
			}
		}
	}

	sort.SliceStable(conflicts, func(i, j int) bool {
		if conflicts[i].Date != conflicts[j].Date {
			return conflicts[i].Date < conflicts[j].Date
		}
		return conflicts[i].NurseID.String() < conflicts[j].NurseID.String()
	})
	return conflicts
}

// HasErrors 是否存在 error 级冲突
func HasErrors(conflicts []Conflict) bool {
	for _, c := range conflicts {
		if c.Severity == "error" {
			return true
		}
	}
	return false
}

// groupByNurse 按 (护理人员, 日期) 归集班别
func groupByNurse(assignments []model.Assignment) map[uuid.UUID]map[string][]string {
	result := make(map[uuid.UUID]map[string][]string)
	for _, a := range assignments {
		row, ok := result[a.NurseID]
		if !ok {
			row = make(map[string][]string)
			result[a.NurseID] = row
		}
		row[a.Date] = append(row[a.Date], a.ShiftCode)
	}
	return result
}
