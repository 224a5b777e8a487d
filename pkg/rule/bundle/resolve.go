package bundle

import (
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/model"
	"github.com/paiban/nursesched/pkg/rule/dsl"
)

// Entry 待解析覆盖关系的条目
type Entry struct {
	Item model.BundleItem
	Doc  *dsl.Document
}

// Override 软条目被更高层同类条目覆盖。只覆盖两者共同作用的护理人员
type Override struct {
	Key            string
	Winner         model.BundleItem
	WinnerItem     string
	Overridden     model.BundleItem
	OverriddenItem string
}

// Exclusion 冻结到被覆盖条目上的让位记录
func (o Override) Exclusion() model.ItemExclusion {
	return model.ItemExclusion{
		Item:            o.OverriddenItem,
		WinnerVersionID: o.Winner.RuleVersionID,
		WinnerItem:      o.WinnerItem,
	}
}

// ToMap 转为报告结构
func (o Override) ToMap() model.JSONMap {
	return model.JSONMap{
		"key":                   o.Key,
		"winner_rule_id":        o.Winner.RuleID.String(),
		"winner_layer":          string(o.Winner.Layer),
		"winner_item":           o.WinnerItem,
		"overridden_rule_id":    o.Overridden.RuleID.String(),
		"overridden_layer":      string(o.Overridden.Layer),
		"overridden_version_id": o.Overridden.RuleVersionID.String(),
		"overridden_item":       o.OverriddenItem,
	}
}

// Looseness 覆盖方向
type Looseness int

const (
	Tighter Looseness = iota - 1
	Same
	Looser
)

// family 一类硬约束的语义键与收紧比较
type family struct {
	key func(p dsl.Params) string
	// compare 判断 over 相对 base 的方向
	compare func(base, over dsl.Params) Looseness
}

var families = map[dsl.Name]family{
	dsl.NameCoverageRequired: {
		key: func(p dsl.Params) string {
			c := p.(*dsl.CoverageRequired)
			return join(c.Codes()) + "|" + dayKey(c.DayFilter)
		},
		compare: func(b, o dsl.Params) Looseness {
			return minimum(b.(*dsl.CoverageRequired).Required, o.(*dsl.CoverageRequired).Required)
		},
	},
	dsl.NameSkillCoverage: {
		key: func(p dsl.Params) string {
			c := p.(*dsl.SkillCoverage)
			return join(c.Codes()) + "|" + c.Skill + "|" + dayKey(c.DayFilter)
		},
		compare: func(b, o dsl.Params) Looseness {
			return minimum(b.(*dsl.SkillCoverage).Min, o.(*dsl.SkillCoverage).Min)
		},
	},
	dsl.NameMaxConsecutiveWorkDays: {
		key: func(p dsl.Params) string { return join(p.(*dsl.MaxConsecutiveWorkDays).IncludeShifts) },
		compare: func(b, o dsl.Params) Looseness {
			return maximum(b.(*dsl.MaxConsecutiveWorkDays).MaxDays, o.(*dsl.MaxConsecutiveWorkDays).MaxDays)
		},
	},
	dsl.NameMaxConsecutiveShift: {
		key: func(p dsl.Params) string { return p.(*dsl.MaxConsecutiveShift).ShiftCode },
		compare: func(b, o dsl.Params) Looseness {
			return maximum(b.(*dsl.MaxConsecutiveShift).MaxDays, o.(*dsl.MaxConsecutiveShift).MaxDays)
		},
	},
	dsl.NameMaxConsecutiveSameShift: {
		key: func(p dsl.Params) string { return join(p.(*dsl.MaxConsecutiveSameShift).ShiftCodes) },
		compare: func(b, o dsl.Params) Looseness {
			return maximum(b.(*dsl.MaxConsecutiveSameShift).MaxDays, o.(*dsl.MaxConsecutiveSameShift).MaxDays)
		},
	},
	dsl.NameMaxAssignmentsInWindow: {
		key: func(p dsl.Params) string {
			c := p.(*dsl.MaxAssignmentsInWindow)
			return fmt.Sprintf("%s|%d|%v", join(c.ShiftCodes), c.WindowDays, dsl.SlidingOr(c.Sliding))
		},
		compare: func(b, o dsl.Params) Looseness {
			return maximum(b.(*dsl.MaxAssignmentsInWindow).MaxCount, o.(*dsl.MaxAssignmentsInWindow).MaxCount)
		},
	},
	dsl.NameMaxWorkDaysInRollingWindow: {
		key: func(p dsl.Params) string {
			c := p.(*dsl.MaxWorkDaysInRollingWindow)
			return fmt.Sprintf("%s|%d|%v", join(c.IncludeShifts), c.WindowDays, dsl.SlidingOr(c.Sliding))
		},
		compare: func(b, o dsl.Params) Looseness {
			return maximum(b.(*dsl.MaxWorkDaysInRollingWindow).MaxWorkDays, o.(*dsl.MaxWorkDaysInRollingWindow).MaxWorkDays)
		},
	},
	dsl.NameMinConsecutiveOffDays: {
		key: func(p dsl.Params) string { return p.(*dsl.MinConsecutiveOffDays).OffCode },
		compare: func(b, o dsl.Params) Looseness {
			return minimum(b.(*dsl.MinConsecutiveOffDays).MinDays, o.(*dsl.MinConsecutiveOffDays).MinDays)
		},
	},
	dsl.NameMinFullWeekendsOff: {
		key: func(p dsl.Params) string {
			c := p.(*dsl.MinFullWeekendsOff)
			return fmt.Sprintf("%d|%v|%s", c.WindowDays, dsl.SlidingOr(c.Sliding), c.OffCode)
		},
		compare: func(b, o dsl.Params) Looseness {
			return minimum(b.(*dsl.MinFullWeekendsOff).MinOff, o.(*dsl.MinFullWeekendsOff).MinOff)
		},
	},
	dsl.NameForbidTransition: {
		key: func(p dsl.Params) string {
			from := make(map[string]bool)
			for _, t := range p.(*dsl.ForbidTransition).AllPairs() {
				from[t.From] = true
			}
			return join(keysOf(from))
		},
		compare: func(b, o dsl.Params) Looseness {
			base := pairSet(b.(*dsl.ForbidTransition).AllPairs())
			over := pairSet(o.(*dsl.ForbidTransition).AllPairs())
			return superset(base, over)
		},
	},
	dsl.NameRestAfterShift: {
		key: func(p dsl.Params) string { return p.(*dsl.RestAfterShift).ShiftCode },
		compare: func(b, o dsl.Params) Looseness {
			return minimum(b.(*dsl.RestAfterShift).RestDays, o.(*dsl.RestAfterShift).RestDays)
		},
	},
	dsl.NameUnavailableDates: {
		key: func(p dsl.Params) string { return join(p.(*dsl.UnavailableDates).NurseIDs) },
		compare: func(b, o dsl.Params) Looseness {
			return superset(stringSet(b.(*dsl.UnavailableDates).Dates), stringSet(o.(*dsl.UnavailableDates).Dates))
		},
	},
	dsl.NameNoviceSenior: {
		key: func(p dsl.Params) string {
			c := p.(*dsl.NoviceSenior)
			return join(c.Shifts) + "|" + join(c.NoviceGroup.ByJobLevels) + "|" + join(c.SeniorGroup.ByJobLevels) + "|" + c.DepartmentID
		},
		compare: func(b, o dsl.Params) Looseness {
			bp, op := b.(*dsl.NoviceSenior), o.(*dsl.NoviceSenior)
			senior := minimum(bp.MinSenior, op.MinSenior)
			trigger := maximum(bp.TriggerCount(), op.TriggerCount())
			if senior == Looser || trigger == Looser {
				return Looser
			}
			if senior == Tighter || trigger == Tighter {
				return Tighter
			}
			return Same
		},
	},
}

// minimum 下限类，数值越大越严格
func minimum(base, over int) Looseness {
	switch {
	case over < base:
		return Looser
	case over > base:
		return Tighter
	}
	return Same
}

// maximum 上限类，数值越小越严格
func maximum(base, over int) Looseness {
	return minimum(over, base)
}

// superset 集合类，超集更严格
func superset(base, over map[string]bool) Looseness {
	for k := range base {
		if !over[k] {
			return Looser
		}
	}
	if len(over) > len(base) {
		return Tighter
	}
	return Same
}

type hardItem struct {
	entry  Entry
	params dsl.Params
	scope  dsl.Scope
	where  string
	key    string
}

type softItem struct {
	entry Entry
	scope dsl.Scope
	key   string
	item  string
}

// Resolve 检查跨层硬约束只能收紧，并找出被覆盖的软条目
func Resolve(entries []Entry) ([]Override, error) {
	var hards []hardItem
	softs := make(map[string][]softItem)

	for _, e := range entries {
		if e.Doc == nil || !e.Item.EnabledAtTime {
			continue
		}
		scope := dsl.Scope{Type: e.Doc.ScopeType(), ID: e.Doc.ScopeID()}
		for idx, it := range e.Doc.Items() {
			params, _, err := dsl.DecodeParams(it.Name, it.Params)
			if err != nil {
				continue
			}
			if e.Doc.EffectiveCategory() == model.CategoryHard {
				fam, ok := families[params.Name()]
				if !ok {
					continue
				}
				hards = append(hards, hardItem{
					entry:  e,
					params: params,
					scope:  scope,
					where:  strings.TrimSpace(it.Where),
					key:    string(params.Name()) + "|" + fam.key(params),
				})
				continue
			}
			key := softKey(it, params)
			softs[key] = append(softs[key], softItem{entry: e, scope: scope, key: key, item: dsl.ItemKey(it, idx)})
		}
	}

	for i := range hards {
		for j := range hards {
			lo, hi := hards[i], hards[j]
			if lo.key != hi.key || lo.entry.Item.Layer.Precedence() >= hi.entry.Item.Layer.Precedence() {
				continue
			}
			if lo.where != hi.where || !overlaps(lo.scope, hi.scope) {
				continue
			}
			if families[lo.params.Name()].compare(lo.params, hi.params) == Looser {
				return nil, apperrors.RuleConflictHard(
					fmt.Sprintf("%s 层的 %s 放宽了 %s 层的同类硬约束", hi.entry.Item.Layer, lo.params.Name(), lo.entry.Item.Layer),
					lo.entry.Item.RuleID.String(), hi.entry.Item.RuleID.String(),
				).WithField("key", lo.key)
			}
		}
	}

	keys := make([]string, 0, len(softs))
	for k := range softs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var overrides []Override
	for _, k := range keys {
		group := softs[k]
		if len(group) < 2 {
			continue
		}
		winner := group[0]
		for _, s := range group[1:] {
			if authoritative(s, winner) {
				winner = s
			}
		}
		for _, s := range group {
			if s.entry.Item.RuleVersionID == winner.entry.Item.RuleVersionID {
				continue
			}
			if s.entry.Item.Layer == winner.entry.Item.Layer || !overlaps(s.scope, winner.scope) {
				continue
			}
			overrides = append(overrides, Override{
				Key:            k,
				Winner:         winner.entry.Item,
				WinnerItem:     winner.item,
				Overridden:     s.entry.Item,
				OverriddenItem: s.item,
			})
		}
	}
	return overrides, nil
}

// authoritative a 是否比 b 更权威：层级更高，其次范围更窄，再次优先级更高
func authoritative(a, b softItem) bool {
	la, lb := a.entry.Item.Layer.Precedence(), b.entry.Item.Layer.Precedence()
	if la != lb {
		return la > lb
	}
	if a.scope.Type.Rank() != b.scope.Type.Rank() {
		return a.scope.Type.Rank() > b.scope.Type.Rank()
	}
	return a.entry.Item.PriorityAtTime > b.entry.Item.PriorityAtTime
}

func softKey(it dsl.Item, p dsl.Params) string {
	switch c := p.(type) {
	case *dsl.BalanceShiftCount:
		return string(c.Name()) + "|" + join(c.ShiftCodes)
	case *dsl.BalanceWeekendShiftCount:
		return string(c.Name()) + "|" + join(c.Shifts)
	case *dsl.PenalizeTransition:
		return string(c.Name()) + "|" + c.From + ">" + c.To
	case *dsl.PreferShift:
		return string(c.Name()) + "|" + c.ShiftCode + "|" + c.Mode + "|" + dayKey(c.DayFilter) + "|" + it.Where
	case *dsl.PenalizeConsecutiveSameShift:
		return string(c.Name()) + "|" + join(c.ShiftCodes)
	}
	return string(p.Name()) + "|" + strings.TrimSpace(it.Where)
}

// overlaps 两个范围可能作用于同一批护理人员
func overlaps(a, b dsl.Scope) bool {
	if a.Type == model.ScopeGlobal || b.Type == model.ScopeGlobal {
		return true
	}
	if a.Type == b.Type {
		return a.ID == b.ID
	}
	return true
}

func join(items []string) string {
	cp := append([]string(nil), items...)
	sort.Strings(cp)
	return strings.Join(cp, ",")
}

func dayKey(f dsl.DayFilter) string {
	days := make([]string, 0, len(f.Weekdays))
	for _, d := range f.Weekdays {
		days = append(days, fmt.Sprint(d))
	}
	return join(f.Dates) + "/" + join(days)
}

func pairSet(pairs []dsl.Transition) map[string]bool {
	out := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		out[p.From+">"+p.To] = true
	}
	return out
}

func stringSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, s := range items {
		out[s] = true
	}
	return out
}

func keysOf(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
