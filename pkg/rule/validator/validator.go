// Package validator 规则 DSL 校验：结构、名称、参照完整性、参数边界、可编译性与 where 限制
package validator

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/paiban/nursesched/pkg/model"
	"github.com/paiban/nursesched/pkg/rule/dsl"
	"github.com/paiban/nursesched/pkg/rule/where"
)

// Report 校验报告
type Report struct {
	Status   model.ValidationStatus `json:"status"`
	Issues   []string               `json:"issues"`
	Warnings []string               `json:"warnings"`
	// 规范化后的文档，解析失败时为 nil
	Document *dsl.Document `json:"-"`
}

// OK 是否可用于求解
func (r *Report) OK() bool {
	return r.Status == model.ValidationPass || r.Status == model.ValidationWarn
}

// ToMap 转为可存储的结构
func (r *Report) ToMap() model.JSONMap {
	return model.JSONMap{
		"status":   string(r.Status),
		"issues":   nonNil(r.Issues),
		"warnings": nonNil(r.Warnings),
	}
}

func (r *Report) fail(format string, args ...interface{}) {
	r.Issues = append(r.Issues, fmt.Sprintf(format, args...))
}

func (r *Report) warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *Report) finish() *Report {
	switch {
	case len(r.Issues) > 0:
		r.Status = model.ValidationFail
	case len(r.Warnings) > 0:
		r.Status = model.ValidationWarn
	default:
		r.Status = model.ValidationPass
	}
	r.Issues = nonNil(r.Issues)
	r.Warnings = nonNil(r.Warnings)
	return r
}

// MasterData 参照完整性检查所需的主数据，nil 集合表示不检查
type MasterData struct {
	Shifts    map[string]bool
	JobLevels map[string]bool
	Nurses    map[string]bool
	Depts     map[string]bool
	Skills    map[string]bool
	Hospitals map[string]bool
}

// NewMasterData 从排班数据构建
func NewMasterData(plan *model.Plan) *MasterData {
	md := &MasterData{
		Shifts:    make(map[string]bool),
		JobLevels: make(map[string]bool),
		Nurses:    make(map[string]bool),
		Depts:     make(map[string]bool),
		Skills:    make(map[string]bool),
	}
	for _, s := range plan.Shifts {
		md.Shifts[s.Code] = true
	}
	for _, l := range plan.JobLevels {
		md.JobLevels[l.Code] = true
	}
	for _, d := range plan.Departments {
		md.Depts[d.Code] = true
		md.Depts[d.ID.String()] = true
	}
	for _, n := range plan.Nurses {
		md.Nurses[n.ID.String()] = true
		md.Nurses[n.StaffNo] = true
		for _, sk := range n.Skills {
			md.Skills[sk] = true
		}
	}
	return md
}

// Validator DSL 校验器
type Validator struct {
	master *MasterData
}

// New 创建校验器，master 为 nil 时跳过参照完整性检查
func New(master *MasterData) *Validator {
	return &Validator{master: master}
}

// ValidateText 解析并校验 DSL 文本
func (v *Validator) ValidateText(text string) *Report {
	doc, err := dsl.Parse(text)
	if err != nil {
		r := &Report{}
		r.fail("%v", err)
		return r.finish()
	}
	return v.Validate(doc)
}

// Validate 按顺序执行各项检查，仅结构错误会提前返回
func (v *Validator) Validate(doc *dsl.Document) *Report {
	r := &Report{Document: doc}
	for _, w := range dsl.Normalize(doc) {
		r.warn("%s", w)
	}

	if !v.checkStructure(doc, r) {
		return r.finish()
	}

	category := doc.EffectiveCategory()
	kind := dsl.KindConstraint
	if category != model.CategoryHard {
		kind = dsl.KindObjective
	}
	for i, it := range doc.Items() {
		path := fmt.Sprintf("%s[%d]", kind, i)
		v.checkItem(doc, it, kind, path, r)
	}
	v.checkScopeRef(doc, r)
	return r.finish()
}

func (v *Validator) checkStructure(doc *dsl.Document, r *Report) bool {
	ok := true
	switch {
	case doc.DSLVersion == "":
		r.fail("缺少 dsl_version")
		ok = false
	case !strings.HasPrefix(doc.DSLVersion, dsl.SupportedMajor):
		r.fail("dsl_version 不相容：%s", doc.DSLVersion)
		ok = false
	case doc.DSLVersion != dsl.DefaultVersion:
		r.warn("dsl_version %s 尚未验证相容性，建议使用 %s", doc.DSLVersion, dsl.DefaultVersion)
	}

	if doc.ID == "" {
		r.warn("缺少 id")
	}
	if doc.Name == "" {
		r.warn("缺少 name")
	}

	if doc.Scope == nil {
		r.fail("缺少 scope")
		ok = false
	} else if st := doc.ScopeType(); !st.Valid() {
		r.fail("scope.type 不支援：%s", doc.Scope.Type)
		ok = false
	} else if st != model.ScopeGlobal && doc.Scope.ID == "" {
		r.fail("scope.type=%s 时必须提供 scope.id", st)
	}

	category := doc.EffectiveCategory()
	if category == "" {
		r.fail("缺少 category")
		return false
	}
	if !category.Valid() {
		r.fail("category 不支援：%s", category)
		return false
	}

	if doc.Priority == nil {
		r.fail("priority 必填")
	} else if *doc.Priority < 0 {
		r.fail("priority 必须为非负整数")
	}
	if doc.Enabled == nil {
		r.fail("enabled 必填")
	}

	if category == model.CategoryHard {
		if doc.Weight != nil {
			r.fail("HARD 规则不得设置 weight")
		}
		if len(doc.Objectives) > 0 {
			r.warn("HARD 规则仍提供 objectives，已忽略")
		}
		if len(doc.Constraints) == 0 {
			r.warn("HARD 规则不含任何 constraints，不影响求解")
		}
		for i, it := range doc.Constraints {
			if it.Weight != nil {
				r.fail("constraints[%d] 为 HARD 条目，不得设置 weight", i)
			}
		}
	} else {
		if len(doc.Constraints) > 0 {
			r.warn("%s 规则仍提供 constraints，已忽略", category)
		}
		if len(doc.Objectives) == 0 {
			r.warn("%s 规则不含任何 objectives，不影响求解", category)
		}
		for i, it := range doc.Objectives {
			w, has := doc.ItemWeight(it)
			switch {
			case !has:
				r.fail("objectives[%d] 必须提供 weight", i)
			case w <= dsl.WeightMin || w > dsl.WeightMax:
				r.fail("objectives[%d] weight 应介于 (%d, %d]，取得 %v", i, dsl.WeightMin, dsl.WeightMax, w)
			}
		}
	}
	return ok
}

var rollingDays = regexp.MustCompile(`^rolling_days\(\s*\d+\s*\)$`)

func (v *Validator) checkItem(doc *dsl.Document, it dsl.Item, kind dsl.Kind, path string, r *Report) {
	name := it.Name
	if name == "" {
		r.fail("%s 缺少 name", path)
		return
	}
	if dsl.FilterOnlyNames[string(name)] {
		r.fail("%s 的 %s 仅可用于 where 过滤，不可作为约束或目标", path, name)
		return
	}
	entry, ok := dsl.Lookup(name)
	if !ok {
		r.fail("%s 未支援的名称：%s", path, name)
		return
	}
	// 约束名称可在软规则中作为违反量惩罚使用
	if entry.Kind != kind && !(entry.Kind == dsl.KindConstraint && kind == dsl.KindObjective) {
		r.fail("%s 的 %s 属于 %s，不能出现在 %s 中", path, name, entry.Kind, kind)
		return
	}

	if fe := strings.ToLower(strings.TrimSpace(it.ForEach)); fe != "" {
		switch {
		case fe == "nurses", fe == "days", fe == "shifts", rollingDays.MatchString(fe):
		default:
			r.fail("%s.for_each 未支援的 iterator：%s", path, it.ForEach)
		}
	}
	if len(it.Extra) > 0 {
		r.warn("%s 含有未知字段：%s", path, strings.Join(sortedKeys(it.Extra), ","))
	}

	params, unknown, err := dsl.DecodeParams(name, it.Params)
	if err != nil {
		r.fail("%s %v", path, err)
		return
	}
	if len(unknown) > 0 {
		r.warn("%s.params 含有未知参数：%s", path, strings.Join(unknown, ","))
	}

	if ref, ok := params.(dsl.Referencer); ok {
		v.checkRefs(ref.References(), path, r)
	}
	for _, msg := range dsl.CheckBounds(params) {
		r.fail("%s %s", path, msg)
	}
	checkLogic(doc, params, path, r)
	checkWhere(it.Where, path, r)
}

func (v *Validator) checkRefs(refs dsl.References, path string, r *Report) {
	if v.master == nil {
		return
	}
	check := func(set map[string]bool, values []string, what string) {
		if set == nil {
			return
		}
		for _, val := range values {
			if val == "" || val == dsl.AnyWork {
				continue
			}
			if !set[val] {
				r.fail("%s 参照未知%s：%s", path, what, val)
			}
		}
	}
	check(v.master.Shifts, refs.Shifts, "班别")
	check(v.master.JobLevels, refs.JobLevels, "职级")
	check(v.master.Nurses, refs.Nurses, "护理人员")
	check(v.master.Depts, refs.Depts, "科别")
	check(v.master.Skills, refs.Skills, "技能")
}

func (v *Validator) checkScopeRef(doc *dsl.Document, r *Report) {
	if v.master == nil || doc.Scope == nil || doc.Scope.ID == "" {
		return
	}
	id := doc.Scope.ID
	switch doc.ScopeType() {
	case model.ScopeDepartment:
		if v.master.Depts != nil && !v.master.Depts[id] {
			r.fail("scope.id=%s 的科别不存在", id)
		}
	case model.ScopeNurse:
		if v.master.Nurses != nil && !v.master.Nurses[id] {
			r.fail("scope.id=%s 的护理人员不存在", id)
		}
	case model.ScopeHospital:
		if v.master.Hospitals != nil && !v.master.Hospitals[id] {
			r.fail("scope.id=%s 的医院不存在", id)
		}
	}
}

// checkLogic 参数间的逻辑检查，合法但可疑的取值给出警告
func checkLogic(doc *dsl.Document, params dsl.Params, path string, r *Report) {
	switch p := params.(type) {
	case *dsl.CoverageRequired:
		if len(p.Codes()) == 0 {
			r.fail("%s 必须指定 shift_code 或 shift_codes", path)
		}
	case *dsl.SkillCoverage:
		if len(p.Codes()) == 0 {
			r.fail("%s 必须指定 shift_code 或 shift_codes", path)
		}
	case *dsl.ForbidTransition:
		pairs := p.AllPairs()
		if len(pairs) == 0 {
			r.fail("%s 必须指定 pairs 或 from/to", path)
		}
		for _, t := range pairs {
			if t.From == dsl.AnyWork {
				r.fail("%s 的 from 不可为 *", path)
			}
		}
	case *dsl.PenalizeTransition:
		if p.From == dsl.AnyWork {
			r.fail("%s 的 from 不可为 *", path)
		}
	case *dsl.MaxWorkDaysInRollingWindow:
		if p.MaxWorkDays >= p.WindowDays {
			r.warn("%s 的 max_work_days=%d 不小于 window_days=%d，约束无效", path, p.MaxWorkDays, p.WindowDays)
		}
	case *dsl.MaxAssignmentsInWindow:
		if p.MaxCount >= p.WindowDays {
			r.warn("%s 的 max_count=%d 不小于 window_days=%d，约束无效", path, p.MaxCount, p.WindowDays)
		}
	case *dsl.MinFullWeekendsOff:
		if p.WindowDays >= 7 && p.MinOff > p.WindowDays/7+1 {
			r.fail("%s 的 min_full_weekends_off=%d 超过 %d 天内的周末数", path, p.MinOff, p.WindowDays)
		}
	case *dsl.RestAfterShift:
		if p.RestDays > 7 {
			r.warn("%s 的 rest_days=%d 偏大", path, p.RestDays)
		}
	case *dsl.MaxConsecutiveWorkDays:
		if p.MaxDays > 31 {
			r.warn("%s 的 max_days=%d 超过一个月，约束可能无效", path, p.MaxDays)
		}
	case *dsl.NoviceSenior:
		senior := make(map[string]bool)
		for _, l := range p.SeniorGroup.ByJobLevels {
			senior[l] = true
		}
		for _, l := range p.NoviceGroup.ByJobLevels {
			if senior[l] {
				r.warn("%s 的职级 %s 同时属于新手与资深", path, l)
			}
		}
	case *dsl.UnavailableDates:
		if len(p.NurseIDs) == 0 && doc.ScopeType() != model.ScopeNurse {
			r.warn("%s 未指定 nurse_ids，将作用于 where 选中的全部护理人员", path)
		}
	}
}

func checkWhere(expr, path string, r *Report) {
	if strings.TrimSpace(expr) == "" {
		return
	}
	_, err := where.Parse(expr)
	if err == nil {
		return
	}
	var fe *where.ForbiddenError
	var ue *where.UnknownError
	switch {
	case errors.As(err, &fe):
		r.fail("%s.where %v", path, fe)
	case errors.As(err, &ue):
		r.fail("%s.where %v", path, ue)
	default:
		r.fail("%s.where 语法错误：%v", path, err)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
