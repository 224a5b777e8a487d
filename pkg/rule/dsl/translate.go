package dsl

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/paiban/nursesched/pkg/model"
)

// ToNaturalLanguage 生成确定性的中文摘要
func ToNaturalLanguage(doc *Document) string {
	var b strings.Builder
	category := doc.EffectiveCategory()
	if category == "" {
		category = model.CategoryHard
	}
	scope := doc.ScopeType()
	if scope == "" {
		scope = model.ScopeGlobal
	}
	fmt.Fprintf(&b, "%s / %s", category, scope)
	if id := doc.ScopeID(); id != "" {
		fmt.Fprintf(&b, " (%s)", id)
	}

	for _, it := range doc.Items() {
		b.WriteString("\n")
		b.WriteString(Label(Canonical(it.Name)))
		b.WriteString("（params=")
		b.WriteString(formatParams(it.Params))
		b.WriteString("）")
		if w, ok := doc.ItemWeight(it); ok && category != model.CategoryHard {
			b.WriteString("，weight=")
			b.WriteString(strconv.FormatFloat(w, 'f', -1, 64))
		}
		if it.Where != "" {
			fmt.Fprintf(&b, "，适用：%s", it.Where)
		}
	}
	return b.String()
}

// ExplainText 解析后翻译，解析失败时返回提示
func ExplainText(text string) string {
	doc, err := Parse(text)
	if err != nil {
		return "无法解析 DSL（请确认格式为 YAML 或 JSON）"
	}
	Normalize(doc)
	return ToNaturalLanguage(doc)
}

func formatParams(params map[string]interface{}) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+formatValue(params[k]))
	}
	return strings.Join(parts, ",")
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case []interface{}:
		items := make([]string, 0, len(x))
		for _, e := range x {
			items = append(items, formatValue(e))
		}
		return "[" + strings.Join(items, " ") + "]"
	case map[string]interface{}:
		return "{" + formatParams(x) + "}"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
