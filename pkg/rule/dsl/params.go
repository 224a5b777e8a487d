package dsl

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// AnyWork 通配任意上班班别
const AnyWork = "*"

// Params 强类型参数，每个名称对应一个结构
type Params interface {
	Name() Name
}

// References 参数引用的主数据
type References struct {
	Shifts    []string
	JobLevels []string
	Nurses    []string
	Depts     []string
	Skills    []string
}

// Referencer 可报告引用的参数
type Referencer interface {
	References() References
}

// ShiftSet shift_code 与 shift_codes 的并集
type ShiftSet struct {
	ShiftCode  string   `yaml:"shift_code,omitempty" json:"shift_code,omitempty"`
	ShiftCodes []string `yaml:"shift_codes,omitempty" json:"shift_codes,omitempty"`
}

// Codes 返回去重后的班别代码
func (s ShiftSet) Codes() []string {
	var out []string
	seen := make(map[string]bool)
	for _, c := range append([]string{s.ShiftCode}, s.ShiftCodes...) {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// DayFilter 按日期或星期过滤
type DayFilter struct {
	Dates    []string `yaml:"dates,omitempty" json:"dates,omitempty" validate:"dive,datetime=2006-01-02"`
	Weekdays []int    `yaml:"weekdays,omitempty" json:"weekdays,omitempty" validate:"dive,min=0,max=6"`
}

// Empty 未设置过滤
func (f DayFilter) Empty() bool {
	return len(f.Dates) == 0 && len(f.Weekdays) == 0
}

// Transition 相邻两日的班别组合
type Transition struct {
	From string `yaml:"from" json:"from" validate:"required"`
	To   string `yaml:"to" json:"to" validate:"required"`
}

// LevelGroup 按职级划分的人员组
type LevelGroup struct {
	ByJobLevels []string `yaml:"by_job_levels" json:"by_job_levels" validate:"required,min=1"`
}

type OneShiftPerDay struct{}

type CoverageRequired struct {
	ShiftSet  `yaml:",inline"`
	DayFilter `yaml:",inline"`
	Required  int `yaml:"required" json:"required" validate:"min=1"`
}

type SkillCoverage struct {
	ShiftSet  `yaml:",inline"`
	DayFilter `yaml:",inline"`
	Skill     string `yaml:"skill" json:"skill" validate:"required"`
	Min       int    `yaml:"min" json:"min" validate:"min=1"`
}

type MaxConsecutiveWorkDays struct {
	MaxDays       int      `yaml:"max_days" json:"max_days" validate:"min=1"`
	IncludeShifts []string `yaml:"include_shifts,omitempty" json:"include_shifts,omitempty"`
}

type MaxConsecutiveShift struct {
	ShiftCode string `yaml:"shift_code" json:"shift_code" validate:"required"`
	MaxDays   int    `yaml:"max_days" json:"max_days" validate:"min=1"`
}

type MaxConsecutiveSameShift struct {
	ShiftCodes []string `yaml:"shift_codes" json:"shift_codes" validate:"required,min=1"`
	MaxDays    int      `yaml:"max_days" json:"max_days" validate:"min=1"`
}

type ForbidTransition struct {
	Pairs []Transition `yaml:"pairs,omitempty" json:"pairs,omitempty" validate:"dive"`
	From  string       `yaml:"from,omitempty" json:"from,omitempty"`
	To    string       `yaml:"to,omitempty" json:"to,omitempty"`
}

// AllPairs 合并 pairs 与 from/to
func (p *ForbidTransition) AllPairs() []Transition {
	out := append([]Transition(nil), p.Pairs...)
	if p.From != "" && p.To != "" {
		out = append(out, Transition{From: p.From, To: p.To})
	}
	return out
}

type RestAfterShift struct {
	ShiftCode string `yaml:"shift_code" json:"shift_code" validate:"required"`
	RestDays  int    `yaml:"rest_days" json:"rest_days" validate:"min=1"`
}

type MaxAssignmentsInWindow struct {
	ShiftCodes []string `yaml:"shift_codes" json:"shift_codes" validate:"required,min=1"`
	WindowDays int      `yaml:"window_days" json:"window_days" validate:"min=1"`
	MaxCount   int      `yaml:"max_count" json:"max_count" validate:"min=0"`
	Sliding    *bool    `yaml:"sliding,omitempty" json:"sliding,omitempty"`
}

type MaxWorkDaysInRollingWindow struct {
	WindowDays    int      `yaml:"window_days" json:"window_days" validate:"min=1"`
	MaxWorkDays   int      `yaml:"max_work_days" json:"max_work_days" validate:"min=0"`
	IncludeShifts []string `yaml:"include_shifts,omitempty" json:"include_shifts,omitempty"`
	Sliding       *bool    `yaml:"sliding,omitempty" json:"sliding,omitempty"`
}

type UnavailableDates struct {
	Dates    []string `yaml:"dates" json:"dates" validate:"required,min=1,dive,datetime=2006-01-02"`
	NurseIDs []string `yaml:"nurse_ids,omitempty" json:"nurse_ids,omitempty"`
}

type NoviceSenior struct {
	Shifts       []string   `yaml:"shifts,omitempty" json:"shifts,omitempty"`
	NoviceGroup  LevelGroup `yaml:"novice_group" json:"novice_group"`
	SeniorGroup  LevelGroup `yaml:"senior_group" json:"senior_group"`
	MinSenior    int        `yaml:"min_senior" json:"min_senior" validate:"min=1"`
	Trigger      int        `yaml:"trigger_if_novice_count_ge" json:"trigger_if_novice_count_ge" validate:"min=0"`
	DepartmentID string     `yaml:"department_id,omitempty" json:"department_id,omitempty"`
}

// TriggerCount 触发人数，缺省为 1
func (p *NoviceSenior) TriggerCount() int {
	if p.Trigger <= 0 {
		return 1
	}
	return p.Trigger
}

type MinConsecutiveOffDays struct {
	MinDays            int    `yaml:"min_days" json:"min_days" validate:"min=2"`
	AllowAtPeriodEdges *bool  `yaml:"allow_at_period_edges,omitempty" json:"allow_at_period_edges,omitempty"`
	OffCode            string `yaml:"off_code,omitempty" json:"off_code,omitempty"`
}

// AllowEdges 缺省为 true
func (p *MinConsecutiveOffDays) AllowEdges() bool {
	return p.AllowAtPeriodEdges == nil || *p.AllowAtPeriodEdges
}

type WeekendAllOrNothing struct {
	OffCode string `yaml:"off_code,omitempty" json:"off_code,omitempty"`
}

type MinFullWeekendsOff struct {
	WindowDays int    `yaml:"window_days" json:"window_days" validate:"min=7"`
	MinOff     int    `yaml:"min_full_weekends_off" json:"min_full_weekends_off" validate:"min=1"`
	Sliding    *bool  `yaml:"sliding,omitempty" json:"sliding,omitempty"`
	OffCode    string `yaml:"off_code,omitempty" json:"off_code,omitempty"`
}

type BalanceShiftCount struct {
	ShiftCodes []string `yaml:"shift_codes,omitempty" json:"shift_codes,omitempty"`
}

type BalanceWeekendShiftCount struct {
	Shifts []string `yaml:"shifts,omitempty" json:"shifts,omitempty"`
}

type PenalizeTransition struct {
	From string `yaml:"from" json:"from" validate:"required"`
	To   string `yaml:"to" json:"to" validate:"required"`
}

type PreferOffOnWeekends struct{}

type PreferShift struct {
	DayFilter `yaml:",inline"`
	ShiftCode string `yaml:"shift_code" json:"shift_code" validate:"required"`
	Mode      string `yaml:"mode,omitempty" json:"mode,omitempty" validate:"omitempty,oneof=prefer avoid"`
}

// Avoid 是否为回避模式
func (p *PreferShift) Avoid() bool {
	return p.Mode == "avoid"
}

type PenalizeSingleOffDay struct {
	Penalty int    `yaml:"penalty,omitempty" json:"penalty,omitempty" validate:"min=0"`
	OffCode string `yaml:"off_code,omitempty" json:"off_code,omitempty"`
}

// PenaltyValue 缺省为 1
func (p *PenalizeSingleOffDay) PenaltyValue() int {
	if p.Penalty <= 0 {
		return 1
	}
	return p.Penalty
}

type PenalizeConsecutiveSameShift struct {
	ShiftCodes []string `yaml:"shift_codes,omitempty" json:"shift_codes,omitempty"`
}

func (*OneShiftPerDay) Name() Name               { return NameOneShiftPerDay }
func (*CoverageRequired) Name() Name             { return NameCoverageRequired }
func (*SkillCoverage) Name() Name                { return NameSkillCoverage }
func (*MaxConsecutiveWorkDays) Name() Name       { return NameMaxConsecutiveWorkDays }
func (*MaxConsecutiveShift) Name() Name          { return NameMaxConsecutiveShift }
func (*MaxConsecutiveSameShift) Name() Name      { return NameMaxConsecutiveSameShift }
func (*ForbidTransition) Name() Name             { return NameForbidTransition }
func (*RestAfterShift) Name() Name               { return NameRestAfterShift }
func (*MaxAssignmentsInWindow) Name() Name       { return NameMaxAssignmentsInWindow }
func (*MaxWorkDaysInRollingWindow) Name() Name   { return NameMaxWorkDaysInRollingWindow }
func (*UnavailableDates) Name() Name             { return NameUnavailableDates }
func (*NoviceSenior) Name() Name                 { return NameNoviceSenior }
func (*MinConsecutiveOffDays) Name() Name        { return NameMinConsecutiveOffDays }
func (*WeekendAllOrNothing) Name() Name          { return NameWeekendAllOrNothing }
func (*MinFullWeekendsOff) Name() Name           { return NameMinFullWeekendsOff }
func (*BalanceShiftCount) Name() Name            { return NameBalanceShiftCount }
func (*BalanceWeekendShiftCount) Name() Name     { return NameBalanceWeekendShiftCount }
func (*PenalizeTransition) Name() Name           { return NamePenalizeTransition }
func (*PreferOffOnWeekends) Name() Name          { return NamePreferOffOnWeekends }
func (*PreferShift) Name() Name                  { return NamePreferShift }
func (*PenalizeSingleOffDay) Name() Name         { return NamePenalizeSingleOffDay }
func (*PenalizeConsecutiveSameShift) Name() Name { return NamePenalizeConsecutiveSameShift }

func (p *CoverageRequired) References() References { return References{Shifts: p.Codes()} }

func (p *SkillCoverage) References() References {
	return References{Shifts: p.Codes(), Skills: []string{p.Skill}}
}

func (p *MaxConsecutiveWorkDays) References() References { return References{Shifts: p.IncludeShifts} }
func (p *MaxConsecutiveShift) References() References    { return References{Shifts: []string{p.ShiftCode}} }
func (p *MaxConsecutiveSameShift) References() References {
	return References{Shifts: p.ShiftCodes}
}

func (p *ForbidTransition) References() References {
	var shifts []string
	for _, t := range p.AllPairs() {
		shifts = append(shifts, t.From, t.To)
	}
	return References{Shifts: shifts}
}

func (p *RestAfterShift) References() References { return References{Shifts: []string{p.ShiftCode}} }
func (p *MaxAssignmentsInWindow) References() References {
	return References{Shifts: p.ShiftCodes}
}
func (p *MaxWorkDaysInRollingWindow) References() References {
	return References{Shifts: p.IncludeShifts}
}
func (p *UnavailableDates) References() References { return References{Nurses: p.NurseIDs} }

func (p *NoviceSenior) References() References {
	levels := append(append([]string(nil), p.NoviceGroup.ByJobLevels...), p.SeniorGroup.ByJobLevels...)
	r := References{Shifts: p.Shifts, JobLevels: levels}
	if p.DepartmentID != "" {
		r.Depts = []string{p.DepartmentID}
	}
	return r
}

func (p *MinConsecutiveOffDays) References() References { return offRefs(p.OffCode) }
func (p *WeekendAllOrNothing) References() References   { return offRefs(p.OffCode) }
func (p *MinFullWeekendsOff) References() References    { return offRefs(p.OffCode) }
func (p *BalanceShiftCount) References() References     { return References{Shifts: p.ShiftCodes} }
func (p *BalanceWeekendShiftCount) References() References {
	return References{Shifts: p.Shifts}
}
func (p *PenalizeTransition) References() References {
	return References{Shifts: []string{p.From, p.To}}
}
func (p *PreferShift) References() References          { return References{Shifts: []string{p.ShiftCode}} }
func (p *PenalizeSingleOffDay) References() References { return offRefs(p.OffCode) }
func (p *PenalizeConsecutiveSameShift) References() References {
	return References{Shifts: p.ShiftCodes}
}

func offRefs(code string) References {
	if code == "" {
		return References{}
	}
	return References{Shifts: []string{code}}
}

// SlidingOr 读取可选的 sliding，缺省为 true
func SlidingOr(v *bool) bool {
	return v == nil || *v
}

// DecodeParams 把原始参数解码为强类型结构，同时返回未知参数名
func DecodeParams(name Name, raw map[string]interface{}) (Params, []string, error) {
	entry, ok := Lookup(Canonical(name))
	if !ok {
		return nil, nil, fmt.Errorf("未支援的名称: %s", name)
	}
	p := entry.New()
	if len(raw) > 0 {
		buf, err := yaml.Marshal(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("params 序列化失败: %w", err)
		}
		if err := yaml.Unmarshal(buf, p); err != nil {
			return nil, nil, fmt.Errorf("params 类型错误: %w", err)
		}
	}
	known := knownKeys(reflect.TypeOf(p).Elem())
	var unknown []string
	for k := range raw {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	return p, unknown, nil
}

func knownKeys(t reflect.Type) map[string]bool {
	keys := make(map[string]bool)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("yaml")
		name, opts, _ := strings.Cut(tag, ",")
		if strings.Contains(opts, "inline") && f.Type.Kind() == reflect.Struct {
			for k := range knownKeys(f.Type) {
				keys[k] = true
			}
			continue
		}
		if name != "" && name != "-" {
			keys[name] = true
		}
	}
	return keys
}

var (
	paramValidator     *validator.Validate
	paramValidatorOnce sync.Once
)

func getValidator() *validator.Validate {
	paramValidatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		paramValidator = v
	})
	return paramValidator
}

// CheckBounds 按 validate 标签检查参数边界
func CheckBounds(p Params) []string {
	err := getValidator().Struct(p)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		msg := fmt.Sprintf("params.%s 不满足 %s", field, fe.Tag())
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		out = append(out, fmt.Sprintf("%s（取得 %v）", msg, fe.Value()))
	}
	return out
}

func sortNames(names []Name) {
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
}
