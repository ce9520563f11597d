package query

import (
	"fmt"
	"strconv"
	"strings"
)

// SyntaxError reports a malformed query. Pos is the byte offset of the
// offending token in the query text.
type SyntaxError struct {
	Pos   int
	Token string
	Msg   string
}

func (e *SyntaxError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("syntax error at position %d: %s", e.Pos, e.Msg)
	}
	return fmt.Sprintf("syntax error at position %d near %q: %s", e.Pos, e.Token, e.Msg)
}

type parser struct {
	tokens []token
	i      int
}

// Parse parses a query. Keywords are case-insensitive.
func Parse(input string) (*Query, error) {
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	return p.parseQuery()
}

func (p *parser) peek() token {
	return p.tokens[p.i]
}

func (p *parser) next() token {
	t := p.tokens[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) error {
	text := t.text
	if t.kind == tokEOF {
		text = ""
	}
	return &SyntaxError{Pos: t.pos, Token: text, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		if kind == tokRParen && t.kind == tokEOF {
			return t, p.errorf(t, "unbalanced parentheses: expected ')'")
		}
		return t, p.errorf(t, "expected %s, found %s", what, t.describe())
	}
	return t, nil
}

func (p *parser) expectKeyword(keyword string) error {
	t := p.next()
	if t.is(keyword) {
		return nil
	}
	if t.kind == tokIdent {
		return p.errorf(t, "unknown keyword %q, expected %s", t.text, keyword)
	}
	return p.errorf(t, "expected %s, found %s", keyword, t.describe())
}

func (p *parser) parseQuery() (*Query, error) {
	q := &Query{Limit: -1}

	if err := p.expectKeyword("MATCH"); err != nil {
		return nil, err
	}
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	b, err := p.expect(tokIdent, "binding name")
	if err != nil {
		return nil, err
	}
	if isKeyword(b.text) {
		return nil, p.errorf(b, "keyword %q cannot be used as a binding", b.text)
	}
	q.Binding = b.text
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}

	if p.peek().is("WHERE") {
		p.next()
		where, err := p.parseOr(q.Binding)
		if err != nil {
			return nil, err
		}
		q.Where = where
	}

	if err := p.expectKeyword("RETURN"); err != nil {
		return nil, err
	}
	for {
		proj, err := p.parseProjection(q.Binding)
		if err != nil {
			return nil, err
		}
		q.Projections = append(q.Projections, proj)
		if p.peek().kind != tokComma {
			break
		}
		p.next()
	}

	if p.peek().is("LIMIT") {
		p.next()
		t := p.next()
		if t.kind != tokNumber {
			return nil, p.errorf(t, "LIMIT expects a non-negative integer")
		}
		n, err := strconv.Atoi(t.text)
		if err != nil || n < 0 {
			return nil, p.errorf(t, "LIMIT expects a non-negative integer")
		}
		q.Limit = n
	}

	if t := p.peek(); t.kind != tokEOF {
		if t.kind == tokRParen {
			return nil, p.errorf(t, "unbalanced parentheses: unexpected ')'")
		}
		if t.kind == tokIdent {
			return nil, p.errorf(t, "unknown keyword %q", t.text)
		}
		return nil, p.errorf(t, "unexpected %s after query", t.describe())
	}
	return q, nil
}

func (p *parser) parseOr(binding string) (Expr, error) {
	left, err := p.parseAnd(binding)
	if err != nil {
		return nil, err
	}
	for p.peek().is("OR") {
		p.next()
		right, err := p.parseAnd(binding)
		if err != nil {
			return nil, err
		}
		left = &Or{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd(binding string) (Expr, error) {
	left, err := p.parsePrimary(binding)
	if err != nil {
		return nil, err
	}
	for p.peek().is("AND") {
		p.next()
		right, err := p.parsePrimary(binding)
		if err != nil {
			return nil, err
		}
		left = &And{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parsePrimary(binding string) (Expr, error) {
	if p.peek().kind == tokLParen {
		open := p.next()
		e, err := p.parseOr(binding)
		if err != nil {
			return nil, err
		}
		if t := p.peek(); t.kind != tokRParen {
			if t.kind == tokEOF {
				return nil, p.errorf(open, "unbalanced parentheses: '(' is never closed")
			}
			return nil, p.errorf(t, "expected ')', found %s", t.describe())
		}
		p.next()
		return e, nil
	}

	attr, err := p.parseAttributeRef(binding)
	if err != nil {
		return nil, err
	}

	opTok := p.next()
	var op Op
	switch {
	case opTok.kind == tokOp:
		op = Op(opTok.text)
	case opTok.is("CONTAINS"):
		op = OpContains
	case opTok.kind == tokIdent:
		return nil, p.errorf(opTok, "unknown keyword %q, expected comparison operator", opTok.text)
	default:
		return nil, p.errorf(opTok, "expected comparison operator, found %s", opTok.describe())
	}

	litTok := p.next()
	var lit Literal
	switch litTok.kind {
	case tokString:
		lit = Literal{Text: litTok.text}
	case tokNumber:
		lit, err = numberLiteral(litTok.text)
		if err != nil {
			return nil, p.errorf(litTok, "invalid number")
		}
	default:
		return nil, p.errorf(litTok, "expected quoted string or number, found %s", litTok.describe())
	}

	return &Comparison{Binding: binding, Attribute: attr, Op: op, Value: lit}, nil
}

// parseAttributeRef reads binding.attribute and returns the attribute
func (p *parser) parseAttributeRef(binding string) (string, error) {
	b, err := p.expect(tokIdent, "binding")
	if err != nil {
		return "", err
	}
	if b.text != binding {
		if isKeyword(b.text) {
			return "", p.errorf(b, "unexpected keyword %q", strings.ToUpper(b.text))
		}
		return "", p.errorf(b, "unknown binding %q", b.text)
	}
	if _, err := p.expect(tokDot, "'.'"); err != nil {
		return "", err
	}
	a, err := p.expect(tokIdent, "attribute name")
	if err != nil {
		return "", err
	}
	return a.text, nil
}

func (p *parser) parseProjection(binding string) (Projection, error) {
	b, err := p.expect(tokIdent, "projection")
	if err != nil {
		return Projection{}, err
	}
	if b.text != binding {
		if isKeyword(b.text) {
			return Projection{}, p.errorf(b, "unexpected keyword %q, expected projection", strings.ToUpper(b.text))
		}
		return Projection{}, p.errorf(b, "unknown binding %q", b.text)
	}
	if p.peek().kind != tokDot {
		return Projection{Binding: binding}, nil
	}
	p.next()
	a, err := p.expect(tokIdent, "attribute name")
	if err != nil {
		return Projection{}, err
	}
	return Projection{Binding: binding, Attribute: a.text}, nil
}
