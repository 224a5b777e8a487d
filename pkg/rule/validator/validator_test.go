package validator

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/paiban/nursesched/pkg/model"
)

func hardDoc(items string) string {
	return `dsl_version: "1.0"
id: R1
name: 测试
scope: {type: GLOBAL}
category: HARD
priority: 10
enabled: true
constraints:
` + items
}

func softDoc(items string) string {
	return `dsl_version: "1.0"
id: R2
name: 测试
scope: {type: GLOBAL}
category: SOFT
priority: 10
enabled: true
objectives:
` + items
}

func TestValidate_Status(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected model.ValidationStatus
		contains string
	}{
		{
			name:     "合法硬约束",
			text:     hardDoc("  - {name: max_consecutive_work_days, params: {max_days: 6}}\n"),
			expected: model.ValidationPass,
		},
		{
			name:     "硬约束带权重",
			text:     hardDoc("  - {name: forbid_transition, weight: 20, params: {from: E, to: N}}\n"),
			expected: model.ValidationFail,
			contains: "不得设置 weight",
		},
		{
			name: "文档级权重用于硬规则",
			text: `dsl_version: "1.0"
scope: {type: GLOBAL}
category: HARD
weight: 5
priority: 1
enabled: true
constraints: [{name: weekend_all_or_nothing}]
`,
			expected: model.ValidationFail,
			contains: "HARD 规则不得设置 weight",
		},
		{
			name:     "软约束缺少权重",
			text:     softDoc("  - {name: balance_shift_count}\n"),
			expected: model.ValidationFail,
			contains: "必须提供 weight",
		},
		{
			name:     "权重超出上限",
			text:     softDoc("  - {name: balance_shift_count, weight: 100001}\n"),
			expected: model.ValidationFail,
			contains: "weight 应介于",
		},
		{
			name:     "权重为零",
			text:     softDoc("  - {name: balance_shift_count, weight: 0}\n"),
			expected: model.ValidationFail,
		},
		{
			name:     "未知名称",
			text:     hardDoc("  - {name: max_coffee_breaks}\n"),
			expected: model.ValidationFail,
			contains: "未支援的名称",
		},
		{
			name:     "仅用于过滤的名称",
			text:     hardDoc("  - {name: has_skill}\n"),
			expected: model.ValidationFail,
			contains: "仅可用于 where 过滤",
		},
		{
			name:     "目标出现在约束中",
			text:     hardDoc("  - {name: balance_shift_count}\n"),
			expected: model.ValidationFail,
			contains: "不能出现在",
		},
		{
			name:     "软规则使用约束名称",
			text:     softDoc("  - {name: forbid_transition, weight: 20, params: {from: E, to: N}}\n"),
			expected: model.ValidationPass,
		},
		{
			name:     "依赖排班的 where",
			text:     hardDoc("  - {name: max_consecutive_work_days, params: {max_days: 6}, where: \"assigned('N')\"}\n"),
			expected: model.ValidationFail,
			contains: "不允许使用 assigned",
		},
		{
			name:     "未知 where 属性",
			text:     hardDoc("  - {name: max_consecutive_work_days, params: {max_days: 6}, where: \"age > 30\"}\n"),
			expected: model.ValidationFail,
			contains: "未知属性",
		},
		{
			name:     "参数越界",
			text:     hardDoc("  - {name: max_consecutive_work_days, params: {max_days: 0}}\n"),
			expected: model.ValidationFail,
			contains: "max_days",
		},
		{
			name:     "空洞的滚动窗口",
			text:     hardDoc("  - {name: max_work_days_in_rolling_window, params: {window_days: 7, max_work_days: 7}}\n"),
			expected: model.ValidationWarn,
			contains: "约束无效",
		},
		{
			name:     "覆盖缺少班别",
			text:     hardDoc("  - {name: coverage_required, params: {required: 2}}\n"),
			expected: model.ValidationFail,
			contains: "shift_code",
		},
		{
			name:     "非法 for_each",
			text:     hardDoc("  - {name: weekend_all_or_nothing, for_each: weeks}\n"),
			expected: model.ValidationFail,
			contains: "for_each",
		},
		{
			name:     "rolling_days 迭代",
			text:     hardDoc("  - {name: weekend_all_or_nothing, for_each: rolling_days(7)}\n"),
			expected: model.ValidationPass,
		},
		{
			name:     "旧名称",
			text:     hardDoc("  - {name: daily_coverage, shift: D, min: 2}\n"),
			expected: model.ValidationWarn,
			contains: "旧名称",
		},
		{
			name:     "空规则合法",
			text:     "dsl_version: \"1.0\"\nid: R\nname: n\nscope: {type: GLOBAL}\ncategory: HARD\npriority: 0\nenabled: false\n",
			expected: model.ValidationWarn,
		},
		{
			name:     "次版本警告",
			text:     strings.Replace(hardDoc("  - {name: weekend_all_or_nothing}\n"), `"1.0"`, `"1.3"`, 1),
			expected: model.ValidationWarn,
		},
		{
			name:     "主版本不相容",
			text:     strings.Replace(hardDoc("  - {name: weekend_all_or_nothing}\n"), `"1.0"`, `"2.0"`, 1),
			expected: model.ValidationFail,
		},
		{
			name:     "缺少 priority",
			text:     "dsl_version: \"1.0\"\nscope: {type: GLOBAL}\ncategory: HARD\nenabled: true\nconstraints: [{name: weekend_all_or_nothing}]\n",
			expected: model.ValidationFail,
			contains: "priority",
		},
		{
			name:     "type 别名",
			text:     "dsl_version: \"1.0\"\nid: R\nname: n\nscope: {type: GLOBAL}\ntype: PREFERENCE\npriority: 1\nenabled: true\nobjectives: [{name: prefer_off_on_weekends, weight: 3}]\n",
			expected: model.ValidationPass,
		},
		{
			name:     "解析失败",
			text:     "{{{",
			expected: model.ValidationFail,
		},
	}

	v := New(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := v.ValidateText(tt.text)
			if r.Status != tt.expected {
				t.Fatalf("Status = %s, expected %s (issues=%v warnings=%v)", r.Status, tt.expected, r.Issues, r.Warnings)
			}
			if tt.contains == "" {
				return
			}
			all := strings.Join(append(append([]string{}, r.Issues...), r.Warnings...), "\n")
			if !strings.Contains(all, tt.contains) {
				t.Errorf("report %q does not contain %q", all, tt.contains)
			}
		})
	}
}

func TestValidate_ReferentialIntegrity(t *testing.T) {
	plan := &model.Plan{
		Shifts: []*model.ShiftCode{
			{Code: "D", Kind: model.ShiftWork},
			{Code: "N", Kind: model.ShiftWork, IsNight: true},
			{Code: model.OffCode, Kind: model.ShiftOff},
		},
		JobLevels:   []*model.JobLevel{{Code: "N0"}, {Code: "N3"}},
		Departments: []*model.Department{{BaseModel: model.BaseModel{ID: uuid.New()}, Code: "ICU"}},
		Nurses:      []*model.Nurse{{BaseModel: model.BaseModel{ID: uuid.New()}, StaffNo: "S01", Skills: []string{"CPR"}}},
	}
	v := New(NewMasterData(plan))

	tests := []struct {
		name     string
		text     string
		expected model.ValidationStatus
	}{
		{"已知班别", hardDoc("  - {name: forbid_transition, params: {from: N, to: D}}\n"), model.ValidationPass},
		{"未知班别", hardDoc("  - {name: forbid_transition, params: {from: N, to: X}}\n"), model.ValidationFail},
		{"通配上班", hardDoc("  - {name: forbid_transition, params: {from: N, to: '*'}}\n"), model.ValidationPass},
		{"未知职级", hardDoc("  - {name: if_novice_present_then_senior_present, params: {novice_group: {by_job_levels: [N9]}, senior_group: {by_job_levels: [N3]}, min_senior: 1}}\n"), model.ValidationFail},
		{"未知技能", hardDoc("  - {name: skill_coverage, params: {shift_code: D, skill: ECMO, min: 1}}\n"), model.ValidationFail},
		{
			"未知科别范围",
			strings.Replace(hardDoc("  - {name: weekend_all_or_nothing}\n"), "{type: GLOBAL}", "{type: DEPARTMENT, id: ER}", 1),
			model.ValidationFail,
		},
		{
			"已知护理人员范围",
			strings.Replace(hardDoc("  - {name: unavailable_dates, params: {dates: ['2026-03-02']}}\n"), "{type: GLOBAL}", "{type: NURSE, id: S01}", 1),
			model.ValidationPass,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := v.ValidateText(tt.text)
			if r.Status != tt.expected {
				t.Errorf("Status = %s, expected %s (issues=%v warnings=%v)", r.Status, tt.expected, r.Issues, r.Warnings)
			}
		})
	}
}
