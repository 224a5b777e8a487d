package where

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paiban/nursesched/pkg/model"
)

type valueKind int

const (
	kindNull valueKind = iota
	kindString
	kindNumber
	kindBool
	kindList
)

// Value 表达式值
type Value struct {
	kind valueKind
	s    string
	n    float64
	b    bool
	list []Value
}

func String(s string) Value  { return Value{kind: kindString, s: s} }
func Number(n float64) Value { return Value{kind: kindNumber, n: n} }
func Bool(b bool) Value      { return Value{kind: kindBool, b: b} }

func (v Value) String() string {
	switch v.kind {
	case kindString:
		return v.s
	case kindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case kindBool:
		return strconv.FormatBool(v.b)
	case kindList:
		parts := make([]string, len(v.list))
		for i, e := range v.list {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ",") + "]"
	}
	return "null"
}

func (v Value) equal(o Value) bool {
	if v.kind == kindNumber && o.kind == kindString {
		if n, err := strconv.ParseFloat(o.s, 64); err == nil {
			return v.n == n
		}
	}
	if v.kind == kindString && o.kind == kindNumber {
		return o.equal(v)
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case kindString:
		return strings.EqualFold(v.s, o.s)
	case kindNumber:
		return v.n == o.n
	case kindBool:
		return v.b == o.b
	}
	return false
}

// Env 求值环境，只暴露静态主数据
type Env interface {
	Attr(name string) Value
	Call(name string, args []Value) Value
}

// NurseEnv 基于护理人员主数据的求值环境
type NurseEnv struct {
	Nurse *model.Nurse
	// LevelRank 职级优先级
	LevelRank int
}

// Attr 读取属性
func (e NurseEnv) Attr(name string) Value {
	switch name {
	case "dept":
		return String(e.Nurse.DepartmentCode)
	case "job_level":
		return String(e.Nurse.JobLevelCode)
	case "staff_no":
		return String(e.Nurse.StaffNo)
	case "level_rank":
		return Number(float64(e.LevelRank))
	}
	return Value{}
}

// Call 调用查找函数
func (e NurseEnv) Call(name string, args []Value) Value {
	switch name {
	case "dept", "job_level":
		return e.Attr(name)
	case "has_skill":
		return Bool(e.Nurse.HasSkill(args[0].String()))
	case "in_group":
		return Bool(e.Nurse.InGroup(args[0].String()))
	}
	return Value{}
}

// Match 求值为布尔；nil 表达式匹配全部
func (e *Expr) Match(env Env) (bool, error) {
	if e == nil {
		return true, nil
	}
	v, err := e.root.eval(env)
	if err != nil {
		return false, err
	}
	if v.kind != kindBool {
		return false, fmt.Errorf("表达式结果不是布尔值: %s", v)
	}
	return v.b, nil
}

type node interface {
	eval(env Env) (Value, error)
}

type literalNode struct{ v Value }

func (n *literalNode) eval(Env) (Value, error) { return n.v, nil }

type attrNode struct{ name string }

func (n *attrNode) eval(env Env) (Value, error) { return env.Attr(n.name), nil }

type callNode struct {
	name string
	args []node
}

func (n *callNode) eval(env Env) (Value, error) {
	args := make([]Value, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(env)
		if err != nil {
			return Value{}, err
		}
		args[i] = v
	}
	return env.Call(n.name, args), nil
}

type listNode struct{ items []node }

func (n *listNode) eval(env Env) (Value, error) {
	out := Value{kind: kindList, list: make([]Value, len(n.items))}
	for i, it := range n.items {
		v, err := it.eval(env)
		if err != nil {
			return Value{}, err
		}
		out.list[i] = v
	}
	return out, nil
}

type notNode struct{ inner node }

func (n *notNode) eval(env Env) (Value, error) {
	v, err := n.inner.eval(env)
	if err != nil {
		return Value{}, err
	}
	if v.kind != kindBool {
		return Value{}, fmt.Errorf("not 的操作数不是布尔值: %s", v)
	}
	return Bool(!v.b), nil
}

type logicNode struct {
	and         bool
	left, right node
}

func (n *logicNode) eval(env Env) (Value, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return Value{}, err
	}
	if l.kind != kindBool {
		return Value{}, fmt.Errorf("逻辑运算的操作数不是布尔值: %s", l)
	}
	if n.and && !l.b {
		return Bool(false), nil
	}
	if !n.and && l.b {
		return Bool(true), nil
	}
	r, err := n.right.eval(env)
	if err != nil {
		return Value{}, err
	}
	if r.kind != kindBool {
		return Value{}, fmt.Errorf("逻辑运算的操作数不是布尔值: %s", r)
	}
	return r, nil
}

type compareNode struct {
	op          string
	left, right node
}

func (n *compareNode) eval(env Env) (Value, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return Value{}, err
	}
	r, err := n.right.eval(env)
	if err != nil {
		return Value{}, err
	}
	switch n.op {
	case "==":
		return Bool(l.equal(r)), nil
	case "!=":
		return Bool(!l.equal(r)), nil
	}

	var cmp int
	switch {
	case l.kind == kindNumber && r.kind == kindNumber:
		cmp = compareFloat(l.n, r.n)
	case l.kind == kindString && r.kind == kindString:
		cmp = strings.Compare(l.s, r.s)
	default:
		return Value{}, fmt.Errorf("无法比较 %s 与 %s", l, r)
	}
	switch n.op {
	case "<":
		return Bool(cmp < 0), nil
	case "<=":
		return Bool(cmp <= 0), nil
	case ">":
		return Bool(cmp > 0), nil
	default:
		return Bool(cmp >= 0), nil
	}
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

type inNode struct{ left, right node }

func (n *inNode) eval(env Env) (Value, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return Value{}, err
	}
	r, err := n.right.eval(env)
	if err != nil {
		return Value{}, err
	}
	if r.kind != kindList {
		return Value{}, fmt.Errorf("in 的右侧必须为列表: %s", r)
	}
	for _, e := range r.list {
		if l.equal(e) {
			return Bool(true), nil
		}
	}
	return Bool(false), nil
}
