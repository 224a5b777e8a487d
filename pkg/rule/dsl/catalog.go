package dsl

// Name 约束或目标名称
type Name string

const (
	// 硬约束
	NameOneShiftPerDay             Name = "one_shift_per_day"
	NameCoverageRequired           Name = "coverage_required"
	NameSkillCoverage              Name = "skill_coverage"
	NameMaxConsecutiveWorkDays     Name = "max_consecutive_work_days"
	NameMaxConsecutiveShift        Name = "max_consecutive_shift"
	NameMaxConsecutiveSameShift    Name = "max_consecutive_same_shift"
	NameForbidTransition           Name = "forbid_transition"
	NameRestAfterShift             Name = "rest_after_shift"
	NameMaxAssignmentsInWindow     Name = "max_assignments_in_window"
	NameMaxWorkDaysInRollingWindow Name = "max_work_days_in_rolling_window"
	NameUnavailableDates           Name = "unavailable_dates"
	NameNoviceSenior               Name = "if_novice_present_then_senior_present"
	NameMinConsecutiveOffDays      Name = "min_consecutive_off_days"
	NameWeekendAllOrNothing        Name = "weekend_all_or_nothing"
	NameMinFullWeekendsOff         Name = "min_full_weekends_off_in_window"

	// 目标
	NameBalanceShiftCount            Name = "balance_shift_count"
	NameBalanceWeekendShiftCount     Name = "balance_weekend_shift_count"
	NamePenalizeTransition           Name = "penalize_transition"
	NamePreferOffOnWeekends          Name = "prefer_off_on_weekends"
	NamePreferShift                  Name = "prefer_shift"
	NamePenalizeSingleOffDay         Name = "penalize_single_off_day"
	NamePenalizeConsecutiveSameShift Name = "penalize_consecutive_same_shift"
)

// Kind 条目种类
type Kind int

const (
	KindConstraint Kind = iota + 1
	KindObjective
)

// String 返回列表名
func (k Kind) String() string {
	if k == KindObjective {
		return "objectives"
	}
	return "constraints"
}

// Entry 目录条目
type Entry struct {
	Name  Name
	Kind  Kind
	Label string
	// New 返回空参数结构
	New func() Params
	// Fairness 为 max-min 区间类目标
	Fairness bool
}

var catalog = map[Name]Entry{
	NameOneShiftPerDay:             {NameOneShiftPerDay, KindConstraint, "每日一班", func() Params { return &OneShiftPerDay{} }, false},
	NameCoverageRequired:           {NameCoverageRequired, KindConstraint, "班别最低人力", func() Params { return &CoverageRequired{} }, false},
	NameSkillCoverage:              {NameSkillCoverage, KindConstraint, "技能人力配比", func() Params { return &SkillCoverage{} }, false},
	NameMaxConsecutiveWorkDays:     {NameMaxConsecutiveWorkDays, KindConstraint, "连续上班上限", func() Params { return &MaxConsecutiveWorkDays{} }, false},
	NameMaxConsecutiveShift:        {NameMaxConsecutiveShift, KindConstraint, "同班别连续上限", func() Params { return &MaxConsecutiveShift{} }, false},
	NameMaxConsecutiveSameShift:    {NameMaxConsecutiveSameShift, KindConstraint, "多班别连续上限", func() Params { return &MaxConsecutiveSameShift{} }, false},
	NameForbidTransition:           {NameForbidTransition, KindConstraint, "禁止班别衔接", func() Params { return &ForbidTransition{} }, false},
	NameRestAfterShift:             {NameRestAfterShift, KindConstraint, "班后休息", func() Params { return &RestAfterShift{} }, false},
	NameMaxAssignmentsInWindow:     {NameMaxAssignmentsInWindow, KindConstraint, "窗口内班次上限", func() Params { return &MaxAssignmentsInWindow{} }, false},
	NameMaxWorkDaysInRollingWindow: {NameMaxWorkDaysInRollingWindow, KindConstraint, "滚动窗口上班天数上限", func() Params { return &MaxWorkDaysInRollingWindow{} }, false},
	NameUnavailableDates:           {NameUnavailableDates, KindConstraint, "不可排班日期", func() Params { return &UnavailableDates{} }, false},
	NameNoviceSenior:               {NameNoviceSenior, KindConstraint, "新手在班需资深陪同", func() Params { return &NoviceSenior{} }, false},
	NameMinConsecutiveOffDays:      {NameMinConsecutiveOffDays, KindConstraint, "最少连续休假", func() Params { return &MinConsecutiveOffDays{} }, false},
	NameWeekendAllOrNothing:        {NameWeekendAllOrNothing, KindConstraint, "周末同休同上", func() Params { return &WeekendAllOrNothing{} }, false},
	NameMinFullWeekendsOff:         {NameMinFullWeekendsOff, KindConstraint, "窗口内完整周末休假", func() Params { return &MinFullWeekendsOff{} }, false},

	NameBalanceShiftCount:            {NameBalanceShiftCount, KindObjective, "班别次数均衡", func() Params { return &BalanceShiftCount{} }, true},
	NameBalanceWeekendShiftCount:     {NameBalanceWeekendShiftCount, KindObjective, "周末班次均衡", func() Params { return &BalanceWeekendShiftCount{} }, true},
	NamePenalizeTransition:           {NamePenalizeTransition, KindObjective, "避免班别衔接", func() Params { return &PenalizeTransition{} }, false},
	NamePreferOffOnWeekends:          {NamePreferOffOnWeekends, KindObjective, "周末倾向休假", func() Params { return &PreferOffOnWeekends{} }, false},
	NamePreferShift:                  {NamePreferShift, KindObjective, "班别偏好", func() Params { return &PreferShift{} }, false},
	NamePenalizeSingleOffDay:         {NamePenalizeSingleOffDay, KindObjective, "避免单日休假", func() Params { return &PenalizeSingleOffDay{} }, false},
	NamePenalizeConsecutiveSameShift: {NamePenalizeConsecutiveSameShift, KindObjective, "避免连续同班", func() Params { return &PenalizeConsecutiveSameShift{} }, false},
}

// 旧名称到新名称
var legacyNames = map[Name]Name{
	"daily_coverage":         NameCoverageRequired,
	"max_consecutive":        NameMaxConsecutiveShift,
	"rest_after_night":       NameForbidTransition,
	"prefer_off_after_night": NamePenalizeTransition,
	"weekend_off":            NamePreferOffOnWeekends,
	"night_fairness":         NameBalanceShiftCount,
	"balance_night_shifts":   NameBalanceShiftCount,
}

// FilterOnlyNames 仅用于 where 过滤的函数名，不可作为条目名称
var FilterOnlyNames = map[string]bool{
	"dept":       true,
	"job_level":  true,
	"staff_no":   true,
	"level_rank": true,
	"has_skill":  true,
	"in_group":   true,
}

// Lookup 查找目录条目
func Lookup(name Name) (Entry, bool) {
	e, ok := catalog[name]
	return e, ok
}

// IsLegacy 是否旧名称
func IsLegacy(name Name) bool {
	_, ok := legacyNames[name]
	return ok
}

// Canonical 返回规范名称
func Canonical(name Name) Name {
	if n, ok := legacyNames[name]; ok {
		return n
	}
	return name
}

// Names 返回指定种类的全部名称
func Names(kind Kind) []Name {
	out := make([]Name, 0, len(catalog))
	for n, e := range catalog {
		if e.Kind == kind {
			out = append(out, n)
		}
	}
	sortNames(out)
	return out
}

// Label 返回中文名称
func Label(name Name) string {
	if e, ok := catalog[name]; ok {
		return e.Label
	}
	return string(name)
}
