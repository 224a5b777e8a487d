package rulelib

import (
	"context"
	"fmt"

	"github.com/paiban/nursesched/pkg/model"
	"github.com/paiban/nursesched/pkg/rule/dsl"
)

// Definition 内置规则
type Definition struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Layer       model.Layer    `json:"layer"`
	Category    model.Category `json:"category"`
	Priority    int            `json:"priority"`
	Description string         `json:"description"`
	Tags        []string       `json:"tags"`
	items       func(o Options) []dsl.Item
}

// Options 规则库使用的班别代码与医院
type Options struct {
	NightCode  string
	DayCode    string
	HospitalID string
}

// DefaultOptions 默认 N 为夜班、D 为白班
func DefaultOptions() Options {
	return Options{NightCode: "N", DayCode: "D"}
}

// Library 内置规则定义
func Library() []Definition {
	return []Definition{
		// 劳动法规
		{
			ID:          "R_LAW_001",
			Title:       "连续上班上限",
			Layer:       model.LayerLaw,
			Category:    model.CategoryHard,
			Priority:    100,
			Description: "任意连续 7 天内至少休息 1 天，连续上班不得超过 6 天。",
			Tags:        []string{"law", "rest"},
			items: func(Options) []dsl.Item {
				return []dsl.Item{{
					ID:      "C1",
					Name:    dsl.NameMaxConsecutiveWorkDays,
					Params:  map[string]interface{}{"max_days": 6},
					ForEach: "nurses",
					Message: "连续上班不得超过 6 天",
				}}
			},
		},
		{
			ID:          "R_LAW_002",
			Title:       "夜班后不得接白班",
			Layer:       model.LayerLaw,
			Category:    model.CategoryHard,
			Priority:    100,
			Description: "夜班次日不得安排白班，保证两班之间的休息时间。",
			Tags:        []string{"law", "transition"},
			items: func(o Options) []dsl.Item {
				return []dsl.Item{{
					ID:   "C1",
					Name: dsl.NameForbidTransition,
					Params: map[string]interface{}{
						"pairs": []interface{}{map[string]interface{}{"from": o.NightCode, "to": o.DayCode}},
					},
					Message: "夜班次日不得上白班",
				}}
			},
		},
		{
			ID:          "R_LAW_003",
			Title:       "夜班后休息",
			Layer:       model.LayerLaw,
			Category:    model.CategoryHard,
			Priority:    90,
			Description: "夜班后次日必须休息。",
			Tags:        []string{"law", "night"},
			items: func(o Options) []dsl.Item {
				return []dsl.Item{{
					ID:      "C1",
					Name:    dsl.NameRestAfterShift,
					Params:  map[string]interface{}{"shift_code": o.NightCode, "rest_days": 1},
					Message: "夜班后需休息 1 天",
				}}
			},
		},
		// 医院政策
		{
			ID:          "R_HOSP_001",
			Title:       "周末整休",
			Layer:       model.LayerHospital,
			Category:    model.CategoryHard,
			Priority:    50,
			Description: "周六与周日要么都休息，要么都上班。",
			Tags:        []string{"hospital", "weekend"},
			items: func(Options) []dsl.Item {
				return []dsl.Item{{ID: "C1", Name: dsl.NameWeekendAllOrNothing, Message: "周末两天需同休或同上"}}
			},
		},
		{
			ID:          "R_HOSP_002",
			Title:       "连续休息至少两天",
			Layer:       model.LayerHospital,
			Category:    model.CategoryHard,
			Priority:    50,
			Description: "休息日成段安排，每段至少 2 天，周期首尾不受限。",
			Tags:        []string{"hospital", "rest"},
			items: func(Options) []dsl.Item {
				return []dsl.Item{{
					ID:      "C1",
					Name:    dsl.NameMinConsecutiveOffDays,
					Params:  map[string]interface{}{"min_days": 2, "allow_at_period_edges": true},
					Message: "休息至少连续 2 天",
				}}
			},
		},
	}
}

// Document 生成规则的 DSL 文档
func (d Definition) Document(o Options) *dsl.Document {
	priority := d.Priority
	enabled := true
	scope := &dsl.Scope{Type: model.ScopeGlobal}
	if d.Layer == model.LayerHospital {
		scope = &dsl.Scope{Type: model.ScopeHospital, ID: o.HospitalID}
	}
	doc := &dsl.Document{
		DSLVersion: dsl.DefaultVersion,
		ID:         d.ID,
		Name:       d.Title,
		Scope:      scope,
		Category:   d.Category,
		Priority:   &priority,
		Enabled:    &enabled,
		Tags:       d.Tags,
		Notes:      d.Description,
	}
	if d.Category == model.CategoryHard {
		doc.Constraints = d.items(o)
	} else {
		doc.Objectives = d.items(o)
	}
	return doc
}

// Text 生成 YAML 文本
func (d Definition) Text(o Options) (string, error) {
	return dsl.Marshal(d.Document(o))
}

// Seeded 已写入的内置规则
type Seeded struct {
	Definition Definition
	Rule       *model.Rule
	Version    *model.RuleVersion
}

// Seed 写入内置规则并启用首个版本。未提供医院时跳过医院规则
func Seed(ctx context.Context, a *Author, o Options) ([]Seeded, error) {
	def := DefaultOptions()
	if o.NightCode == "" {
		o.NightCode = def.NightCode
	}
	if o.DayCode == "" {
		o.DayCode = def.DayCode
	}

	var out []Seeded
	for _, d := range Library() {
		if d.Layer == model.LayerHospital && o.HospitalID == "" {
			continue
		}
		text, err := d.Text(o)
		if err != nil {
			return out, err
		}
		in := RuleInput{Title: d.Title, ScopeType: model.ScopeGlobal, Category: d.Category, Priority: d.Priority}
		if d.Layer == model.LayerHospital {
			in.ScopeType = model.ScopeHospital
			in.ScopeID = o.HospitalID
		}
		rule, err := a.CreateRule(ctx, in)
		if err != nil {
			return out, err
		}
		v, report, err := a.AddVersion(ctx, rule.ID, text, d.Description)
		if err != nil {
			return out, err
		}
		if !report.OK() {
			return out, fmt.Errorf("内置规则 %s 校验失败: %v", d.ID, report.Issues)
		}
		if rule, err = a.Activate(ctx, rule.ID, v.ID); err != nil {
			return out, err
		}
		out = append(out, Seeded{Definition: d, Rule: rule, Version: v})
	}
	return out, nil
}
