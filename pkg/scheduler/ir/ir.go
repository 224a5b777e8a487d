// Package ir 定义规则编译后的中间表示
package ir

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/model"
)

// MaxShifts 单个周期支持的班别上限（域用 64 位掩码表示）
const MaxShifts = 64

// Space 决策空间：护理人员 × 日期 × 班别
type Space struct {
	NurseIDs []uuid.UUID    `json:"nurse_ids"`
	StaffNos []string       `json:"staff_nos"`
	Dates    []string       `json:"dates"`
	Weekdays []time.Weekday `json:"-"`
	Shifts   []string       `json:"shifts"`
	Off      int            `json:"off"`
	Night    int            `json:"night"`
	nurseIdx map[string]int
	dateIdx  map[string]int
	shiftIdx map[string]int
}

// NewSpace 从排班数据构建决策空间，并做前置检查
func NewSpace(plan *model.Plan, maxDays int) (*Space, error) {
	if plan == nil || plan.Period == nil {
		return nil, apperrors.Validation("缺少排班周期")
	}
	days, err := plan.Period.DateRange.Days()
	if err != nil {
		return nil, apperrors.Validation(fmt.Sprintf("日期范围无效：%v", err))
	}
	if maxDays > 0 && len(days) > maxDays {
		return nil, apperrors.Validation(fmt.Sprintf("排班周期 %d 天，超过上限 %d 天", len(days), maxDays))
	}
	if len(plan.Nurses) == 0 {
		return nil, apperrors.Validation("没有可排班的护理人员")
	}
	if len(plan.Shifts) > MaxShifts {
		return nil, apperrors.Validation(fmt.Sprintf("班别数量 %d 超过上限 %d", len(plan.Shifts), MaxShifts))
	}

	s := &Space{
		Off:      -1,
		Night:    -1,
		nurseIdx: make(map[string]int, len(plan.Nurses)*2),
		dateIdx:  make(map[string]int, len(days)),
		shiftIdx: make(map[string]int, len(plan.Shifts)),
	}
	for i, n := range plan.Nurses {
		s.NurseIDs = append(s.NurseIDs, n.ID)
		s.StaffNos = append(s.StaffNos, n.StaffNo)
		s.nurseIdx[n.ID.String()] = i
		if n.StaffNo != "" {
			s.nurseIdx[n.StaffNo] = i
		}
	}
	for i, d := range days {
		date := model.FormatDate(d)
		s.Dates = append(s.Dates, date)
		s.Weekdays = append(s.Weekdays, d.Weekday())
		s.dateIdx[date] = i
	}
	works := 0
	for i, sh := range plan.Shifts {
		if _, dup := s.shiftIdx[sh.Code]; dup {
			return nil, apperrors.Validation(fmt.Sprintf("班别代码重复：%s", sh.Code))
		}
		s.Shifts = append(s.Shifts, sh.Code)
		s.shiftIdx[sh.Code] = i
		switch {
		case sh.IsOff():
			if s.Off < 0 {
				s.Off = i
			}
		default:
			works++
			if sh.IsNight && s.Night < 0 {
				s.Night = i
			}
		}
	}
	if s.Off < 0 || works == 0 {
		return nil, apperrors.Validation("班别至少需要一个上班班别与一个休假班别")
	}
	return s, nil
}

// N 护理人员数
func (s *Space) N() int { return len(s.NurseIDs) }

// D 天数
func (s *Space) D() int { return len(s.Dates) }

// S 班别数
func (s *Space) S() int { return len(s.Shifts) }

// Cell 格索引 n*D+d
func (s *Space) Cell(n, d int) int { return n*len(s.Dates) + d }

// Var x[n,d,s] 的变量编号
func (s *Space) Var(n, d, sh int) int { return s.Cell(n, d)*len(s.Shifts) + sh }

// NurseIndex 按 ID 或工号查找
func (s *Space) NurseIndex(ref string) (int, bool) {
	i, ok := s.nurseIdx[ref]
	return i, ok
}

// DateIndex 日期索引
func (s *Space) DateIndex(date string) (int, bool) {
	i, ok := s.dateIdx[date]
	return i, ok
}

// ShiftIndex 班别索引
func (s *Space) ShiftIndex(code string) (int, bool) {
	i, ok := s.shiftIdx[code]
	return i, ok
}

// WorkShifts 全部上班班别索引
func (s *Space) WorkShifts() []int {
	out := make([]int, 0, len(s.Shifts)-1)
	for i := range s.Shifts {
		if i != s.Off {
			out = append(out, i)
		}
	}
	return out
}

// IsWeekend 是否周六或周日
func (s *Space) IsWeekend(d int) bool {
	wd := s.Weekdays[d]
	return wd == time.Saturday || wd == time.Sunday
}

// WeekendPairs 完整落在周期内的 (周六, 周日) 对
func (s *Space) WeekendPairs() [][2]int {
	var out [][2]int
	for d := 0; d+1 < len(s.Dates); d++ {
		if s.Weekdays[d] == time.Saturday {
			out = append(out, [2]int{d, d + 1})
		}
	}
	return out
}

// NurseLabel 诊断用的人员标识
func (s *Space) NurseLabel(n int) string {
	if n < 0 || n >= len(s.NurseIDs) {
		return ""
	}
	if s.StaffNos[n] != "" {
		return s.StaffNos[n]
	}
	return s.NurseIDs[n].String()
}

// Lit x[n,d,s]，Neg 为其否定
type Lit struct {
	Nurse int32 `json:"n"`
	Day   int32 `json:"d"`
	Shift int32 `json:"s"`
	Neg   bool  `json:"neg,omitempty"`
}

// X 构造正文字
func X(n, d, s int) Lit { return Lit{Nurse: int32(n), Day: int32(d), Shift: int32(s)} }

// NotX 构造否定文字
func NotX(n, d, s int) Lit { return Lit{Nurse: int32(n), Day: int32(d), Shift: int32(s), Neg: true} }

// Term Coef × AND(Lits)
type Term struct {
	Coef int   `json:"c"`
	Lits []Lit `json:"l"`
}

// T 单文字项
func T(coef int, l Lit) Term { return Term{Coef: coef, Lits: []Lit{l}} }

// And 合取项
func And(coef int, lits ...Lit) Term { return Term{Coef: coef, Lits: lits} }

// Sense 关系
type Sense int8

const (
	LE Sense = iota
	GE
	EQ
)

func (s Sense) String() string {
	switch s {
	case GE:
		return ">="
	case EQ:
		return "=="
	}
	return "<="
}

// Condition 条件约束的触发条件
type Condition struct {
	Terms []Term `json:"terms"`
	Sense Sense  `json:"sense"`
	RHS   int    `json:"rhs"`
}

// Constraint 线性关系 Σ Terms (Sense) RHS；When 非空时仅在条件成立时生效。
// Coverage 标记覆盖类约束，soft 覆盖模式下转为缺口惩罚；Nurse/Day/Shift 为诊断定位，-1 表示不适用
type Constraint struct {
	RuleID   string     `json:"rule_id,omitempty"`
	ItemID   string     `json:"item_id,omitempty"`
	Name     string     `json:"name"`
	Terms    []Term     `json:"terms"`
	Sense    Sense      `json:"sense"`
	RHS      int        `json:"rhs"`
	When     *Condition `json:"when,omitempty"`
	Coverage bool       `json:"coverage,omitempty"`
	Nurse    int32      `json:"nurse"`
	Day      int32      `json:"day"`
	Shift    int32      `json:"shift"`
	Message  string     `json:"message,omitempty"`
}

// Family 目标分组，决定目标的组装顺序
type Family string

const (
	FamilyShortage Family = "shortage"
	FamilyRule     Family = "rule"
	FamilyFairness Family = "fairness"
	FamilyChange   Family = "change"
)

// FamilyOrder 目标组装顺序
var FamilyOrder = []Family{FamilyShortage, FamilyRule, FamilyFairness, FamilyChange}

// ObjKind 目标形态
type ObjKind int8

const (
	// KindSum Σ Terms
	KindSum ObjKind = iota
	// KindRange 各组和的 max - min
	KindRange
	// KindViolation Σ 约束违反量
	KindViolation
)

// Objective 一个加权目标项，总值为 Coef × 原始值
type Objective struct {
	RuleID      string       `json:"rule_id,omitempty"`
	ItemID      string       `json:"item_id,omitempty"`
	Name        string       `json:"name"`
	Category    string       `json:"category,omitempty"`
	Family      Family       `json:"family"`
	Priority    int          `json:"priority"`
	Coef        int          `json:"coef"`
	Kind        ObjKind      `json:"kind"`
	Terms       []Term       `json:"terms,omitempty"`
	Groups      [][]Term     `json:"groups,omitempty"`
	Constraints []Constraint `json:"constraints,omitempty"`
}

// TermCount 目标包含的项数
func (o *Objective) TermCount() int {
	switch o.Kind {
	case KindRange:
		n := 0
		for _, g := range o.Groups {
			n += len(g)
		}
		return n
	case KindViolation:
		n := 0
		for _, c := range o.Constraints {
			n += len(c.Terms)
		}
		return n
	}
	return len(o.Terms)
}

// Stats 编译统计
type Stats struct {
	Variables      int `json:"variables"`
	AuxVariables   int `json:"aux_variables"`
	Constraints    int `json:"constraints"`
	ObjectiveTerms int `json:"objective_terms"`
	Objectives     int `json:"objectives"`
	Rules          int `json:"rules"`
	SkippedItems   int `json:"skipped_items"`
}

// Program 编译结果
type Program struct {
	Space       *Space       `json:"space"`
	Constraints []Constraint `json:"constraints"`
	Objectives  []Objective  `json:"objectives"`
	Stats       Stats        `json:"stats"`
	Warnings    []string     `json:"warnings,omitempty"`
	Items       []ItemReport `json:"items,omitempty"`
}

// ItemReport 单个规则条目的编译情况
type ItemReport struct {
	RuleID      string `json:"rule_id"`
	ItemID      string `json:"item_id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Targets     int    `json:"targets"`
	Constraints int    `json:"constraints"`
	Objectives  int    `json:"objectives"`
}

// Recount 重新计算统计
func (p *Program) Recount() {
	p.Stats.Variables = p.Space.N() * p.Space.D() * p.Space.S()
	p.Stats.Constraints = len(p.Constraints)
	p.Stats.Objectives = len(p.Objectives)
	p.Stats.ObjectiveTerms = 0
	for i := range p.Objectives {
		p.Stats.ObjectiveTerms += p.Objectives[i].TermCount()
	}
}
