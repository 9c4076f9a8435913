// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package filter evaluates test case filter expressions such as
//
//	FullyQualifiedName~Calculator&(TestCategory=Unit|Priority=1)
//
// An expression is made of conditions "<property><op><value>" where op is one
// of = (equals), != (does not equal), ~ (contains) and !~ (does not contain).
// Conditions are combined with & (and), | (or) and parentheses; & binds
// tighter than |. A bare value without an operator is shorthand for
// "FullyQualifiedName~<value>". Special characters in values are escaped with
// a backslash. All comparisons are case-insensitive.
package filter

import (
	"strings"

	"go.chromium.org/hostrun/errors"
)

// Property names understood by Properties. Any other name is looked up among
// a test's traits.
const (
	PropFullyQualifiedName = "FullyQualifiedName"
	PropName               = "Name"
	PropDisplayName        = "DisplayName"
	PropClassName          = "ClassName"
)

// Filter is a parsed filter expression. It is safe for concurrent use.
type Filter struct {
	src  string
	root node
}

// Parse parses a filter expression.
func Parse(expr string) (*Filter, error) {
	p := &parser{src: expr}
	toks, err := p.tokenize()
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, errors.New("empty filter expression")
	}
	p.toks = toks
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, errors.Errorf("filter %q: unexpected %q", expr, p.toks[p.pos].text)
	}
	return &Filter{src: expr, root: root}, nil
}

// String returns the expression f was parsed from.
func (f *Filter) String() string { return f.src }

// Match reports whether a test with properties props satisfies f. Property
// names in props are matched case-insensitively; a property may have several
// values (e.g. several TestCategory traits).
func (f *Filter) Match(props map[string][]string) bool {
	norm := make(map[string][]string, len(props))
	for k, vs := range props {
		lk := strings.ToLower(k)
		norm[lk] = append(norm[lk], vs...)
	}
	return f.root.eval(norm)
}

type op int

const (
	opEqual op = iota
	opNotEqual
	opContains
	opNotContains
)

type node interface {
	eval(props map[string][]string) bool
}

type andNode struct{ x, y node }

func (n andNode) eval(p map[string][]string) bool { return n.x.eval(p) && n.y.eval(p) }

type orNode struct{ x, y node }

func (n orNode) eval(p map[string][]string) bool { return n.x.eval(p) || n.y.eval(p) }

type condition struct {
	prop  string // lower case
	op    op
	value string // lower case
}

func (c condition) eval(p map[string][]string) bool {
	vs := p[c.prop]
	match := func(v string) bool {
		v = strings.ToLower(v)
		if c.op == opEqual || c.op == opNotEqual {
			return v == c.value
		}
		return strings.Contains(v, c.value)
	}
	found := false
	for _, v := range vs {
		if match(v) {
			found = true
			break
		}
	}
	if c.op == opNotEqual || c.op == opNotContains {
		return !found
	}
	return found
}

type tokenKind int

const (
	tokAnd tokenKind = iota
	tokOr
	tokLParen
	tokRParen
	tokOp
	tokText
)

type token struct {
	kind tokenKind
	text string
	op   op
}

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) tokenize() ([]token, error) {
	var toks []token
	var text strings.Builder
	flush := func() {
		if s := strings.TrimSpace(text.String()); s != "" {
			toks = append(toks, token{kind: tokText, text: s})
		}
		text.Reset()
	}
	s := p.src
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			if i+1 >= len(s) {
				return nil, errors.Errorf("filter %q: dangling escape at end", p.src)
			}
			i++
			text.WriteByte(s[i])
		case '&':
			flush()
			toks = append(toks, token{kind: tokAnd, text: "&"})
		case '|':
			flush()
			toks = append(toks, token{kind: tokOr, text: "|"})
		case '(':
			flush()
			toks = append(toks, token{kind: tokLParen, text: "("})
		case ')':
			flush()
			toks = append(toks, token{kind: tokRParen, text: ")"})
		case '=':
			flush()
			toks = append(toks, token{kind: tokOp, text: "=", op: opEqual})
		case '~':
			flush()
			toks = append(toks, token{kind: tokOp, text: "~", op: opContains})
		case '!':
			if i+1 < len(s) && (s[i+1] == '=' || s[i+1] == '~') {
				flush()
				t := token{kind: tokOp, text: s[i : i+2], op: opNotEqual}
				if s[i+1] == '~' {
					t.op = opNotContains
				}
				toks = append(toks, t)
				i++
				continue
			}
			return nil, errors.Errorf("filter %q: '!' must be followed by '=' or '~'", p.src)
		default:
			text.WriteByte(c)
		}
	}
	flush()
	return toks, nil
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) parseOr() (node, error) {
	x, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOr {
			return x, nil
		}
		p.pos++
		y, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		x = orNode{x, y}
	}
}

func (p *parser) parseAnd() (node, error) {
	x, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokAnd {
			return x, nil
		}
		p.pos++
		y, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		x = andNode{x, y}
	}
}

func (p *parser) parseTerm() (node, error) {
	t, ok := p.peek()
	if !ok {
		return nil, errors.Errorf("filter %q: unexpected end of expression", p.src)
	}
	switch t.kind {
	case tokLParen:
		p.pos++
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if t, ok := p.peek(); !ok || t.kind != tokRParen {
			return nil, errors.Errorf("filter %q: missing ')'", p.src)
		}
		p.pos++
		return x, nil
	case tokText:
		p.pos++
		o, ok := p.peek()
		if !ok || o.kind != tokOp {
			return condition{prop: strings.ToLower(PropFullyQualifiedName), op: opContains, value: strings.ToLower(t.text)}, nil
		}
		p.pos++
		v, ok := p.peek()
		if !ok || v.kind != tokText {
			return nil, errors.Errorf("filter %q: missing value after %s%s", p.src, t.text, o.text)
		}
		p.pos++
		return condition{prop: strings.ToLower(t.text), op: o.op, value: strings.ToLower(v.text)}, nil
	}
	return nil, errors.Errorf("filter %q: unexpected %q", p.src, t.text)
}
