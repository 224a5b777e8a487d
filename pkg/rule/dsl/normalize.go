package dsl

import (
	"fmt"

	"github.com/paiban/nursesched/pkg/model"
)

// 旧格式允许写在条目上的参数
var legacyParamKeys = []string{"shift", "shift_code", "shift_codes", "min", "max", "max_days", "required", "off_code", "night_code"}

// defaultNightCode 旧规则未指定夜班代码时使用
const defaultNightCode = "N"

// Normalize 把旧名称与旧参数改写为规范形式，返回警告
func Normalize(doc *Document) []string {
	var warnings []string
	var moved []Item

	constraints := doc.Constraints[:0:0]
	for i, it := range doc.Constraints {
		if !IsLegacy(it.Name) {
			constraints = append(constraints, it)
			continue
		}
		n, w := normalizeItem(it, fmt.Sprintf("constraints[%d]", i))
		warnings = append(warnings, w)
		if e, ok := Lookup(n.Name); ok && e.Kind == KindObjective {
			moved = append(moved, n)
			continue
		}
		constraints = append(constraints, n)
	}
	doc.Constraints = constraints

	for i, it := range doc.Objectives {
		if IsLegacy(it.Name) {
			n, w := normalizeItem(it, fmt.Sprintf("objectives[%d]", i))
			doc.Objectives[i] = n
			warnings = append(warnings, w)
		}
	}
	if len(moved) > 0 {
		doc.Objectives = append(doc.Objectives, moved...)
		if doc.EffectiveCategory() == model.CategoryHard {
			warnings = append(warnings, "旧格式的偏好条目出现在 HARD 规则中，已移入 objectives 并忽略")
		}
	}
	return warnings
}

func normalizeItem(it Item, path string) (Item, string) {
	params := make(map[string]interface{}, len(it.Params))
	for k, v := range it.Params {
		params[k] = v
	}
	for _, k := range legacyParamKeys {
		if v, ok := it.Extra[k]; ok {
			if _, exists := params[k]; !exists {
				params[k] = v
			}
		}
	}
	if w, ok := it.Extra["weight"]; ok && it.Weight == nil {
		if f, ok := toFloat(w); ok {
			it.Weight = &f
		}
	}

	old := it.Name
	it.Name = Canonical(old)
	it.Extra = nil

	switch old {
	case "daily_coverage":
		rename(params, "shift", "shift_code")
		rename(params, "min", "required")
	case "max_consecutive":
		rename(params, "shift", "shift_code")
		rename(params, "max", "max_days")
		if _, ok := params["shift_code"]; !ok {
			it.Name = NameMaxConsecutiveWorkDays
		}
	case "rest_after_night", "prefer_off_after_night":
		night := defaultNightCode
		for _, k := range []string{"night_code", "shift_code", "shift"} {
			if s, ok := params[k].(string); ok && s != "" {
				night = s
			}
		}
		params = map[string]interface{}{"from": night, "to": AnyWork}
		if old == "rest_after_night" {
			params = map[string]interface{}{
				"pairs": []interface{}{map[string]interface{}{"from": night, "to": AnyWork}},
			}
		}
	case "weekend_off":
		params = map[string]interface{}{}
	case "night_fairness", "balance_night_shifts":
		if codes, ok := params["shift_codes"]; ok {
			params = map[string]interface{}{"shift_codes": codes}
		} else {
			params = map[string]interface{}{}
		}
	}
	it.Params = params
	return it, fmt.Sprintf("%s 使用旧名称 %s，已改写为 %s", path, old, it.Name)
}

func rename(m map[string]interface{}, from, to string) {
	v, ok := m[from]
	if !ok {
		return
	}
	delete(m, from)
	if _, exists := m[to]; !exists {
		m[to] = v
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
