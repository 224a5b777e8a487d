package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/paiban/nursesched/internal/repository"
	"github.com/paiban/nursesched/internal/rulelib"
	"github.com/paiban/nursesched/pkg/logger"
	"github.com/paiban/nursesched/pkg/model"
	"github.com/paiban/nursesched/pkg/rule/bundle"
)

// Fixture 种子数据文件
type Fixture struct {
	Departments []DepartmentFixture `yaml:"departments"`
	JobLevels   []JobLevelFixture   `yaml:"job_levels"`
	Skills      []SkillFixture      `yaml:"skills"`
	Shifts      []ShiftFixture      `yaml:"shifts"`
	Nurses      []NurseFixture      `yaml:"nurses"`
	Rules       []RuleFixture       `yaml:"rules"`
	Periods     []PeriodFixture     `yaml:"periods"`
}

// DepartmentFixture 科室
type DepartmentFixture struct {
	Code       string `yaml:"code"`
	Name       string `yaml:"name"`
	HospitalID string `yaml:"hospital_id"`
}

// JobLevelFixture 职级
type JobLevelFixture struct {
	Code     string `yaml:"code"`
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
}

// SkillFixture 技能
type SkillFixture struct {
	Code string `yaml:"code"`
	Name string `yaml:"name"`
}

// ShiftFixture 班别，off 为休假班
type ShiftFixture struct {
	Code  string `yaml:"code"`
	Name  string `yaml:"name"`
	Start string `yaml:"start"`
	End   string `yaml:"end"`
	Night bool   `yaml:"night"`
	Off   bool   `yaml:"off"`
}

// NurseFixture 护理人员
type NurseFixture struct {
	StaffNo    string   `yaml:"staff_no"`
	Name       string   `yaml:"name"`
	Department string   `yaml:"department"`
	JobLevel   string   `yaml:"job_level"`
	Skills     []string `yaml:"skills"`
	Groups     []string `yaml:"groups"`
}

// RuleFixture 规则及首个版本，activate 缺省为启用
type RuleFixture struct {
	Title     string `yaml:"title"`
	ScopeType string `yaml:"scope_type"`
	ScopeID   string `yaml:"scope_id"`
	Category  string `yaml:"category"`
	Priority  int    `yaml:"priority"`
	DSL       string `yaml:"dsl"`
	NLText    string `yaml:"nl_text"`
	Activate  *bool  `yaml:"activate"`
}

// PeriodFixture 排班周期，锁定格按工号引用护理人员
type PeriodFixture struct {
	Name       string          `yaml:"name"`
	Department string          `yaml:"department"`
	HospitalID string          `yaml:"hospital_id"`
	StartDate  string          `yaml:"start_date"`
	EndDate    string          `yaml:"end_date"`
	Demands    []DemandFixture `yaml:"demands"`
	Locks      []LockFixture   `yaml:"locks"`
	Bundle     *BundleFixture  `yaml:"bundle"`
}

// DemandFixture 需求行。dates 为空时展开到周期内每一天
type DemandFixture struct {
	Dates    []string `yaml:"dates"`
	Shift    string   `yaml:"shift"`
	Required int      `yaml:"required"`
	Skill    string   `yaml:"skill"`
}

// LockFixture 锁定格
type LockFixture struct {
	StaffNo string `yaml:"staff_no"`
	Date    string `yaml:"date"`
	Shift   string `yaml:"shift"`
}

// BundleFixture 装载完规则后为周期组装并启用规则包
type BundleFixture struct {
	Name       string `yaml:"name"`
	HospitalID string `yaml:"hospital_id"`
}

// Summary 装载结果
type Summary struct {
	Departments int
	Nurses      int
	Shifts      int
	Rules       int
	Periods     map[string]uuid.UUID
	Bundles     map[string]uuid.UUID
}

// ParseFixture 解析 YAML 种子文件
func ParseFixture(r io.Reader) (*Fixture, error) {
	f := &Fixture{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil {
		return nil, fmt.Errorf("解析种子文件失败: %w", err)
	}
	return f, nil
}

// Loader 把种子数据写入存储
type Loader struct {
	store     *repository.Store
	author    *rulelib.Author
	assembler *bundle.Assembler
}

// NewLoader 创建装载器
func NewLoader(store *repository.Store) *Loader {
	return &Loader{
		store:     store,
		author:    rulelib.NewAuthor(store),
		assembler: bundle.NewAssembler(store, nil),
	}
}

// Load 按依赖顺序写入主数据、规则与周期。library 非 nil 时同时写入内置规则
func (l *Loader) Load(ctx context.Context, f *Fixture, library *rulelib.Options) (*Summary, error) {
	sum := &Summary{Periods: make(map[string]uuid.UUID), Bundles: make(map[string]uuid.UUID)}

	for _, d := range f.Departments {
		dept := &model.Department{Code: d.Code, Name: d.Name, IsActive: true}
		if d.HospitalID != "" {
			id, err := uuid.Parse(d.HospitalID)
			if err != nil {
				return nil, fmt.Errorf("科室 %s 的 hospital_id 无效: %w", d.Code, err)
			}
			dept.HospitalID = &id
		}
		if err := l.store.CreateDepartment(ctx, dept); err != nil {
			return nil, fmt.Errorf("写入科室 %s: %w", d.Code, err)
		}
		sum.Departments++
	}
	for _, j := range f.JobLevels {
		if err := l.store.CreateJobLevel(ctx, &model.JobLevel{Code: j.Code, Name: j.Name, Priority: j.Priority}); err != nil {
			return nil, fmt.Errorf("写入职级 %s: %w", j.Code, err)
		}
	}
	for _, s := range f.Skills {
		if err := l.store.CreateSkill(ctx, &model.SkillCode{Code: s.Code, Name: s.Name}); err != nil {
			return nil, fmt.Errorf("写入技能 %s: %w", s.Code, err)
		}
	}
	for _, s := range f.Shifts {
		sc := &model.ShiftCode{
			Code: s.Code, Name: s.Name, StartTime: s.Start, EndTime: s.End,
			Kind: model.ShiftWork, IsNight: s.Night, IsActive: true,
		}
		if s.Off {
			sc.Kind = model.ShiftOff
		}
		if err := l.store.CreateShift(ctx, sc); err != nil {
			return nil, fmt.Errorf("写入班别 %s: %w", s.Code, err)
		}
		sum.Shifts++
	}

	staff := make(map[string]uuid.UUID, len(f.Nurses))
	for _, n := range f.Nurses {
		nurse := &model.Nurse{
			StaffNo: n.StaffNo, Name: n.Name, DepartmentCode: n.Department,
			JobLevelCode: n.JobLevel, Skills: n.Skills, Groups: n.Groups, IsActive: true,
		}
		if err := l.store.CreateNurse(ctx, nurse); err != nil {
			return nil, fmt.Errorf("写入护理人员 %s: %w", n.StaffNo, err)
		}
		staff[n.StaffNo] = nurse.ID
		sum.Nurses++
	}

	if library != nil {
		seeded, err := rulelib.Seed(ctx, l.author, *library)
		if err != nil {
			return nil, fmt.Errorf("写入内置规则: %w", err)
		}
		sum.Rules += len(seeded)
	}
	for _, r := range f.Rules {
		if err := l.loadRule(ctx, r); err != nil {
			return nil, err
		}
		sum.Rules++
	}

	for _, p := range f.Periods {
		period, err := l.loadPeriod(ctx, p, staff)
		if err != nil {
			return nil, err
		}
		sum.Periods[p.Name] = period.ID
		if p.Bundle != nil {
			b, err := l.assemble(ctx, period, *p.Bundle)
			if err != nil {
				return nil, err
			}
			sum.Bundles[p.Name] = b.ID
		}
	}

	logger.Info().
		Int("departments", sum.Departments).
		Int("nurses", sum.Nurses).
		Int("shifts", sum.Shifts).
		Int("rules", sum.Rules).
		Int("periods", len(sum.Periods)).
		Int("bundles", len(sum.Bundles)).
		Msg("种子数据已写入")
	return sum, nil
}

func (l *Loader) loadRule(ctx context.Context, r RuleFixture) error {
	rule, err := l.author.CreateRule(ctx, rulelib.RuleInput{
		Title:     r.Title,
		ScopeType: model.ScopeType(strings.ToUpper(r.ScopeType)),
		ScopeID:   r.ScopeID,
		Category:  model.Category(strings.ToUpper(r.Category)),
		Priority:  r.Priority,
	})
	if err != nil {
		return fmt.Errorf("写入规则 %s: %w", r.Title, err)
	}
	v, report, err := l.author.AddVersion(ctx, rule.ID, r.DSL, r.NLText)
	if err != nil {
		return fmt.Errorf("写入规则版本 %s: %w", r.Title, err)
	}
	if r.Activate != nil && !*r.Activate {
		return nil
	}
	if !report.OK() {
		return fmt.Errorf("规则 %s 校验未通过: %s", r.Title, strings.Join(report.Issues, "; "))
	}
	if _, err := l.author.Activate(ctx, rule.ID, v.ID); err != nil {
		return fmt.Errorf("启用规则 %s: %w", r.Title, err)
	}
	return nil
}

func (l *Loader) loadPeriod(ctx context.Context, p PeriodFixture, staff map[string]uuid.UUID) (*model.SchedulePeriod, error) {
	dr := model.DateRange{StartDate: p.StartDate, EndDate: p.EndDate}
	days, err := dr.Days()
	if err != nil {
		return nil, fmt.Errorf("周期 %s 日期无效: %w", p.Name, err)
	}
	period := &model.SchedulePeriod{Name: p.Name, DepartmentCode: p.Department, DateRange: dr}
	if p.HospitalID != "" {
		id, err := uuid.Parse(p.HospitalID)
		if err != nil {
			return nil, fmt.Errorf("周期 %s 的 hospital_id 无效: %w", p.Name, err)
		}
		period.HospitalID = &id
	}
	if err := l.store.CreatePeriod(ctx, period); err != nil {
		return nil, fmt.Errorf("写入周期 %s: %w", p.Name, err)
	}
	var demands []model.Demand
	for _, d := range p.Demands {
		dates := d.Dates
		if len(dates) == 0 {
			for _, day := range days {
				dates = append(dates, model.FormatDate(day))
			}
		}
		for _, date := range dates {
			demands = append(demands, model.Demand{Date: date, ShiftCode: d.Shift, Required: d.Required, SkillCode: d.Skill})
		}
	}
	if len(demands) > 0 {
		if err := l.store.ReplaceDemands(ctx, period.ID, demands); err != nil {
			return nil, fmt.Errorf("写入周期 %s 的需求: %w", p.Name, err)
		}
	}

	locks := make([]model.Lock, 0, len(p.Locks))
	for _, lk := range p.Locks {
		id, ok := staff[lk.StaffNo]
		if !ok {
			return nil, fmt.Errorf("周期 %s 的锁定格引用未知工号 %s", p.Name, lk.StaffNo)
		}
		locks = append(locks, model.Lock{NurseID: id, Date: lk.Date, ShiftCode: lk.Shift})
	}
	if len(locks) > 0 {
		if err := l.store.ReplaceLocks(ctx, period.ID, locks); err != nil {
			return nil, fmt.Errorf("写入周期 %s 的锁定格: %w", p.Name, err)
		}
	}
	return period, nil
}

func (l *Loader) assemble(ctx context.Context, period *model.SchedulePeriod, bf BundleFixture) (*model.RuleBundle, error) {
	res, err := l.assembler.Assemble(ctx, period, bundle.Selection{Name: bf.Name, HospitalID: bf.HospitalID})
	if err != nil {
		return nil, fmt.Errorf("组装周期 %s 的规则包: %w", period.Name, err)
	}
	if err := l.store.CreateBundle(ctx, res.Bundle); err != nil {
		return nil, err
	}
	if _, err := l.store.ActivateBundle(ctx, res.Bundle.ID); err != nil {
		return nil, fmt.Errorf("启用周期 %s 的规则包: %w", period.Name, err)
	}
	return res.Bundle, nil
}
