package flexirule

import "fmt"

// Arith is a parsed market_params expression: the four arithmetic operators,
// numeric literals, parentheses, and snapshot identifiers. No function
// calls. Evaluated against the current snapshot each time a condition that
// references the param is checked.
type Arith interface {
	Eval(r Resolver) (float64, bool)
}

type arithLit float64

func (a arithLit) Eval(Resolver) (float64, bool) { return float64(a), true }

type arithVar string

func (a arithVar) Eval(r Resolver) (float64, bool) { return r.Resolve(string(a)) }

type arithBin struct {
	op       byte
	lhs, rhs Arith
}

func (a *arithBin) Eval(r Resolver) (float64, bool) {
	lv, ok := a.lhs.Eval(r)
	if !ok {
		return 0, false
	}
	rv, ok := a.rhs.Eval(r)
	if !ok {
		return 0, false
	}
	switch a.op {
	case '+':
		return lv + rv, true
	case '-':
		return lv - rv, true
	case '*':
		return lv * rv, true
	case '/':
		if rv == 0 {
			return 0, false
		}
		return lv / rv, true
	}
	return 0, false
}

// ParseArith parses an arithmetic expression with the usual precedence
// (* / over + -, left-associative).
func ParseArith(s string) (Arith, error) {
	toks, err := lex(s)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	expr, err := p.parseSum()
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", s, err)
	}
	if !p.eof() {
		return nil, fmt.Errorf("expression %q: unexpected token %q", s, p.peek().text)
	}
	return expr, nil
}

func (p *parser) parseSum() (Arith, error) {
	lhs, err := p.parseProduct()
	if err != nil {
		return nil, err
	}
	for !p.eof() && p.peek().kind == tokArithOp && (p.peek().text == "+" || p.peek().text == "-") {
		op := p.next().text[0]
		rhs, err := p.parseProduct()
		if err != nil {
			return nil, err
		}
		lhs = &arithBin{op: op, lhs: lhs, rhs: rhs}
	}
	return lhs, nil
}

func (p *parser) parseProduct() (Arith, error) {
	lhs, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	for !p.eof() && p.peek().kind == tokArithOp && (p.peek().text == "*" || p.peek().text == "/") {
		op := p.next().text[0]
		rhs, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		lhs = &arithBin{op: op, lhs: lhs, rhs: rhs}
	}
	return lhs, nil
}

func (p *parser) parseAtom() (Arith, error) {
	if p.eof() {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	t := p.next()
	switch t.kind {
	case tokNumber:
		return arithLit(t.num), nil
	case tokIdent:
		return arithVar(t.text), nil
	case tokLParen:
		inner, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		if p.eof() || p.peek().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.next()
		return inner, nil
	default:
		return nil, fmt.Errorf("expected number, identifier or parenthesis, got %q", t.text)
	}
}
