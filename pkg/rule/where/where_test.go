package where

import (
	"errors"
	"testing"

	"github.com/paiban/nursesched/pkg/model"
)

func TestMatch(t *testing.T) {
	env := NurseEnv{
		Nurse: &model.Nurse{
			StaffNo:        "N001",
			DepartmentCode: "ICU",
			JobLevelCode:   "N2",
			Skills:         []string{"CPR"},
			Groups:         []string{"A"},
		},
		LevelRank: 2,
	}

	tests := []struct {
		name     string
		expr     string
		expected bool
	}{
		{"空表达式", "", true},
		{"科别相等", "dept == 'ICU'", true},
		{"科别函数", "dept() != 'ER'", true},
		{"职级列表", "job_level in ['N1', 'N2']", true},
		{"not in", "job_level not in ['N0']", true},
		{"技能", "has_skill('CPR') and in_group('A')", true},
		{"缺少技能", "has_skill('ECMO')", false},
		{"职级排名", "level_rank >= 2 and level_rank < 3", true},
		{"或与非", "not (dept == 'ER') or staff_no == 'X'", true},
		{"符号运算符", "dept == 'ER' || !(job_level == 'N0') && true", true},
		{"大小写不敏感", "dept == 'icu'", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Parse(tt.expr)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.expr, err)
			}
			got, err := e.Match(env)
			if err != nil {
				t.Fatalf("Match() error = %v", err)
			}
			if got != tt.expected {
				t.Errorf("Match(%q) = %v, expected %v", tt.expr, got, tt.expected)
			}
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name      string
		expr      string
		forbidden bool
		unknown   bool
	}{
		{"依赖排班的函数", "assigned('N') and dept == 'ICU'", true, false},
		{"统计上班天数", "count_work_days() > 3", true, false},
		{"班别查询", "shift_of() == 'N'", true, false},
		{"未知属性", "salary > 100", false, true},
		{"未知函数", "is_weekend()", false, true},
		{"未闭合字符串", "dept == 'ICU", false, false},
		{"参数个数错误", "has_skill()", false, false},
		{"多余记号", "dept == 'ICU' 'x'", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.expr)
			if err == nil {
				t.Fatal("应返回错误")
			}
			var fe *ForbiddenError
			var ue *UnknownError
			if errors.As(err, &fe) != tt.forbidden {
				t.Errorf("forbidden = %v, expected %v (%v)", !tt.forbidden, tt.forbidden, err)
			}
			if errors.As(err, &ue) != tt.unknown {
				t.Errorf("unknown = %v, expected %v (%v)", !tt.unknown, tt.unknown, err)
			}
		})
	}
}

func TestExpr_Refs(t *testing.T) {
	e, err := Parse("dept == 'ICU' and has_skill('CPR') and dept() == 'ICU'")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	refs := e.Refs()
	if len(refs) != 2 || refs[0] != "dept" || refs[1] != "has_skill" {
		t.Errorf("Refs() = %v", refs)
	}
}

func TestMatch_TypeError(t *testing.T) {
	e, err := Parse("dept")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if _, err := e.Match(NurseEnv{Nurse: &model.Nurse{}}); err == nil {
		t.Error("非布尔结果应报错")
	}
}
