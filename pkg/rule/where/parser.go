package where

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SyntaxError 语法错误
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("位置 %d: %s", e.Pos, e.Msg)
}

// Attributes 允许引用的护理人员属性
var Attributes = map[string]bool{
	"dept":       true,
	"job_level":  true,
	"staff_no":   true,
	"level_rank": true,
}

// Functions 允许调用的查找函数及参数个数
var Functions = map[string]int{
	"dept":      0,
	"job_level": 0,
	"has_skill": 1,
	"in_group":  1,
}

// Forbidden 依赖排班结果的函数
var Forbidden = map[string]bool{
	"assigned":        true,
	"assigned_any":    true,
	"count_assigned":  true,
	"count_work_days": true,
	"shift_of":        true,
}

// Expr 已解析的表达式
type Expr struct {
	src  string
	root node
	// 引用过的属性与函数
	refs map[string]bool
}

// String 返回原始文本
func (e *Expr) String() string { return e.src }

// Refs 返回引用的标识符（已排序）
func (e *Expr) Refs() []string {
	out := make([]string, 0, len(e.refs))
	for k := range e.refs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ForbiddenError 引用了依赖排班结果的函数
type ForbiddenError struct {
	Name string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("不允许使用 %s（依赖排班结果，无法在求解前求值）", e.Name)
}

// UnknownError 未知属性或函数
type UnknownError struct {
	Name string
	Func bool
}

func (e *UnknownError) Error() string {
	if e.Func {
		return fmt.Sprintf("未知函数 %s", e.Name)
	}
	return fmt.Sprintf("未知属性 %s", e.Name)
}

// Parse 解析表达式；空表达式返回 nil
func Parse(src string) (*Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, refs: make(map[string]bool)}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("多余的 %s", t)}
	}
	return &Expr{src: src, root: root, refs: p.refs}, nil
}

type parser struct {
	toks []token
	pos  int
	refs map[string]bool
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) isWord(word string) bool {
	t := p.peek()
	return t.kind == tokIdent && strings.EqualFold(t.text, word)
}

func (p *parser) isOp(op string) bool {
	t := p.peek()
	return t.kind == tokOp && t.text == op
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("期望 %s，得到 %s", what, t)}
	}
	return t, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isWord("or") || p.isOp("||") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicNode{and: false, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isWord("and") || p.isOp("&&") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &logicNode{and: true, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.isWord("not") || p.isOp("!") {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == tokOp {
		switch t.text {
		case "==", "!=", "<", "<=", ">", ">=":
			p.next()
			right, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			return &compareNode{op: t.text, left: left, right: right}, nil
		}
	}
	if p.isWord("in") {
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &inNode{left: left, right: right}, nil
	}
	if p.isWord("not") && p.pos+1 < len(p.toks) {
		nt := p.toks[p.pos+1]
		if nt.kind == tokIdent && strings.EqualFold(nt.text, "in") {
			p.next()
			p.next()
			right, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			return &notNode{inner: &inNode{left: left, right: right}}, nil
		}
	}
	return left, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return &literalNode{v: String(t.text)}, nil
	case tokNumber:
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, &SyntaxError{Pos: t.pos, Msg: "数字格式错误"}
		}
		return &literalNode{v: Number(n)}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokLBracket:
		var items []node
		for p.peek().kind != tokRBracket {
			item, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			items = append(items, item)
			if p.peek().kind == tokComma {
				p.next()
				continue
			}
			if p.peek().kind != tokRBracket {
				return nil, &SyntaxError{Pos: p.peek().pos, Msg: "列表缺少 ]"}
			}
		}
		p.next()
		return &listNode{items: items}, nil
	case tokIdent:
		return p.parseIdent(t)
	}
	return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("意外的 %s", t)}
}

func (p *parser) parseIdent(t token) (node, error) {
	name := strings.ToLower(t.text)
	switch name {
	case "true":
		return &literalNode{v: Bool(true)}, nil
	case "false":
		return &literalNode{v: Bool(false)}, nil
	}

	if p.peek().kind != tokLParen {
		if Forbidden[name] {
			return nil, &ForbiddenError{Name: name}
		}
		if !Attributes[name] {
			return nil, &UnknownError{Name: t.text}
		}
		p.refs[name] = true
		return &attrNode{name: name}, nil
	}

	if Forbidden[name] {
		return nil, &ForbiddenError{Name: name}
	}
	arity, ok := Functions[name]
	if !ok {
		return nil, &UnknownError{Name: t.text, Func: true}
	}
	p.next()
	var args []node
	for p.peek().kind != tokRParen {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.peek().kind == tokComma {
			p.next()
			continue
		}
		if p.peek().kind != tokRParen {
			return nil, &SyntaxError{Pos: p.peek().pos, Msg: "函数调用缺少 )"}
		}
	}
	p.next()
	if len(args) != arity {
		return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("%s 需要 %d 个参数，得到 %d", name, arity, len(args))}
	}
	p.refs[name] = true
	return &callNode{name: name, args: args}, nil
}
