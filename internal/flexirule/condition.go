package flexirule

import (
	"fmt"
	"strconv"
	"strings"
)

// Condition grammar:
//
//	expr := term (("and"|"or") term)*
//	term := identifier op (identifier | number)
//	op   := > | < | >= | <= | = | !=
//
// "and" and "or" have EQUAL precedence and are reduced strictly left to
// right: "a or b and c" means "(a or b) and c". Conditions are parsed once
// at strategy load into an AST; evaluation is a pure recursive walk against
// a resolver, with no dynamic code execution.
//
// Identifiers resolve in order: OHLCV fields (open, high, low, close,
// volume) -> indicator names -> market_params (substituted to their
// evaluated numeric) -> pattern flags and the literals true/false. A term
// referencing an undefined identifier evaluates to false.

// Resolver supplies identifier values during evaluation. ok=false means the
// identifier is undefined in the current context.
type Resolver interface {
	Resolve(name string) (float64, bool)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(name string) (float64, bool)

func (f ResolverFunc) Resolve(name string) (float64, bool) { return f(name) }

// Expr is a parsed condition node.
type Expr interface {
	Eval(r Resolver) bool
}

type andExpr struct{ lhs, rhs Expr }

func (e *andExpr) Eval(r Resolver) bool { return e.lhs.Eval(r) && e.rhs.Eval(r) }

type orExpr struct{ lhs, rhs Expr }

func (e *orExpr) Eval(r Resolver) bool { return e.lhs.Eval(r) || e.rhs.Eval(r) }

type operand struct {
	ident string  // identifier name, "" for literals
	lit   float64 // literal value when ident == ""
}

func (o operand) value(r Resolver) (float64, bool) {
	if o.ident == "" {
		return o.lit, true
	}
	return r.Resolve(o.ident)
}

type cmpExpr struct {
	lhs operand
	op  string
	rhs operand
}

func (e *cmpExpr) Eval(r Resolver) bool {
	lv, ok := e.lhs.value(r)
	if !ok {
		return false
	}
	rv, ok := e.rhs.value(r)
	if !ok {
		return false
	}
	return compare(e.op, lv, rv)
}

func compare(op string, lv, rv float64) bool {
	switch op {
	case ">":
		return lv > rv
	case "<":
		return lv < rv
	case ">=":
		return lv >= rv
	case "<=":
		return lv <= rv
	case "=":
		return lv == rv
	case "!=":
		return lv != rv
	}
	return false
}

// cmpArithExpr is a comparison whose sides are arithmetic expressions. Used
// by pattern criteria, which compare derived quantities like
// "volume > avg_volume_20 * 1.5".
type cmpArithExpr struct {
	lhs Arith
	op  string
	rhs Arith
}

func (e *cmpArithExpr) Eval(r Resolver) bool {
	lv, ok := e.lhs.Eval(r)
	if !ok {
		return false
	}
	rv, ok := e.rhs.Eval(r)
	if !ok {
		return false
	}
	return compare(e.op, lv, rv)
}

// ParseCondition parses a condition string into an AST. A malformed
// condition is an error so the strategy file can be rejected at load.
func ParseCondition(s string) (Expr, error) {
	toks, err := lex(s)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	expr, err := p.parseExpr()
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", s, err)
	}
	if !p.eof() {
		return nil, fmt.Errorf("condition %q: unexpected token %q", s, p.peek().text)
	}
	return expr, nil
}

// ParseCriteria parses a pattern criteria string. Same and/or folding as
// ParseCondition, but each side of a comparison may be a full arithmetic
// expression.
func ParseCriteria(s string) (Expr, error) {
	toks, err := lex(s)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	expr, err := p.parseCriteriaExpr()
	if err != nil {
		return nil, fmt.Errorf("criteria %q: %w", s, err)
	}
	if !p.eof() {
		return nil, fmt.Errorf("criteria %q: unexpected token %q", s, p.peek().text)
	}
	return expr, nil
}

func (p *parser) parseCriteriaExpr() (Expr, error) {
	expr, err := p.parseCriteriaTerm()
	if err != nil {
		return nil, err
	}
	for !p.eof() && p.peek().kind == tokBoolOp {
		op := p.next().text
		rhs, err := p.parseCriteriaTerm()
		if err != nil {
			return nil, err
		}
		if op == "and" {
			expr = &andExpr{lhs: expr, rhs: rhs}
		} else {
			expr = &orExpr{lhs: expr, rhs: rhs}
		}
	}
	return expr, nil
}

func (p *parser) parseCriteriaTerm() (Expr, error) {
	lhs, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	if p.eof() || p.peek().kind != tokOp {
		return nil, fmt.Errorf("expected comparison operator")
	}
	op := p.next().text
	rhs, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	return &cmpArithExpr{lhs: lhs, op: op, rhs: rhs}, nil
}

type tokKind int

const (
	tokIdent tokKind = iota
	tokNumber
	tokOp      // comparison operator
	tokBoolOp  // and / or
	tokArithOp // + - * / (market_params expressions only)
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
	num  float64
}

func lex(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "("})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")"})
			i++
		case c == '>' || c == '<':
			op := string(c)
			if i+1 < len(s) && s[i+1] == '=' {
				op += "="
				i++
			}
			toks = append(toks, token{kind: tokOp, text: op})
			i++
		case c == '=':
			toks = append(toks, token{kind: tokOp, text: "="})
			i++
		case c == '!':
			if i+1 >= len(s) || s[i+1] != '=' {
				return nil, fmt.Errorf("unexpected %q at offset %d", c, i)
			}
			toks = append(toks, token{kind: tokOp, text: "!="})
			i += 2
		case c == '+' || c == '-' || c == '*' || c == '/':
			toks = append(toks, token{kind: tokArithOp, text: string(c)})
			i++
		case c >= '0' && c <= '9' || c == '.':
			j := i
			for j < len(s) && (s[j] >= '0' && s[j] <= '9' || s[j] == '.') {
				j++
			}
			n, err := strconv.ParseFloat(s[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", s[i:j])
			}
			toks = append(toks, token{kind: tokNumber, text: s[i:j], num: n})
			i = j
		case isIdentStart(c):
			j := i
			for j < len(s) && isIdentPart(s[j]) {
				j++
			}
			word := s[i:j]
			switch strings.ToLower(word) {
			case "and", "or":
				toks = append(toks, token{kind: tokBoolOp, text: strings.ToLower(word)})
			default:
				toks = append(toks, token{kind: tokIdent, text: word})
			}
			i = j
		default:
			return nil, fmt.Errorf("unexpected %q at offset %d", c, i)
		}
	}
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) eof() bool   { return p.pos >= len(p.toks) }
func (p *parser) peek() token { return p.toks[p.pos] }
func (p *parser) next() token { t := p.toks[p.pos]; p.pos++; return t }

// parseExpr folds terms left to right with equal and/or precedence.
func (p *parser) parseExpr() (Expr, error) {
	expr, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for !p.eof() && p.peek().kind == tokBoolOp {
		op := p.next().text
		rhs, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		if op == "and" {
			expr = &andExpr{lhs: expr, rhs: rhs}
		} else {
			expr = &orExpr{lhs: expr, rhs: rhs}
		}
	}
	return expr, nil
}

func (p *parser) parseTerm() (Expr, error) {
	lhs, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if p.eof() || p.peek().kind != tokOp {
		return nil, fmt.Errorf("expected comparison operator")
	}
	op := p.next().text
	rhs, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return &cmpExpr{lhs: lhs, op: op, rhs: rhs}, nil
}

func (p *parser) parseOperand() (operand, error) {
	if p.eof() {
		return operand{}, fmt.Errorf("unexpected end of condition")
	}
	t := p.next()
	switch t.kind {
	case tokNumber:
		return operand{lit: t.num}, nil
	case tokIdent:
		// true/false literals are used for pattern flags
		switch strings.ToLower(t.text) {
		case "true":
			return operand{lit: 1}, nil
		case "false":
			return operand{lit: 0}, nil
		}
		return operand{ident: t.text}, nil
	default:
		return operand{}, fmt.Errorf("expected identifier or number, got %q", t.text)
	}
}
