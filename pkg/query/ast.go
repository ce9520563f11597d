package query

import (
	"fmt"
	"strconv"
	"strings"
)

// Query is a parsed MATCH ... RETURN statement
type Query struct {
	Binding     string
	Where       Expr // nil when there is no WHERE clause
	Projections []Projection
	Limit       int // -1 when there is no LIMIT clause
}

// String renders the query in canonical form
func (q *Query) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "MATCH (%s)", q.Binding)
	if q.Where != nil {
		sb.WriteString(" WHERE ")
		sb.WriteString(q.Where.String())
	}
	sb.WriteString(" RETURN ")
	for i, p := range q.Projections {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.Column())
	}
	if q.Limit >= 0 {
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
	}
	return sb.String()
}

// Columns returns the result column names in projection order
func (q *Query) Columns() []string {
	cols := make([]string, len(q.Projections))
	for i, p := range q.Projections {
		cols[i] = p.Column()
	}
	return cols
}

// Projection is either the whole bound node or one of its attributes
type Projection struct {
	Binding   string
	Attribute string // Empty for the whole node
}

// Column is the name of the projection in results, e.g. "n" or "n.name"
func (p Projection) Column() string {
	if p.Attribute == "" {
		return p.Binding
	}
	return p.Binding + "." + p.Attribute
}

// Op is a comparison operator
type Op string

const (
	OpEq       Op = "="
	OpNe       Op = "!="
	OpLt       Op = "<"
	OpGt       Op = ">"
	OpLe       Op = "<="
	OpGe       Op = ">="
	OpContains Op = "CONTAINS"
)

// Literal is a quoted string or a bare number from the query text
type Literal struct {
	Text     string
	Number   float64
	IsNumber bool
}

func (l Literal) String() string {
	if l.IsNumber {
		return l.Text
	}
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(l.Text) + "'"
}

func numberLiteral(text string) (Literal, error) {
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return Literal{}, err
	}
	return Literal{Text: text, Number: f, IsNumber: true}, nil
}

// Expr is a node of the WHERE expression tree
type Expr interface {
	String() string
	exprNode()
}

// And is a conjunction; binds tighter than Or
type And struct {
	Left, Right Expr
}

// Or is a disjunction
type Or struct {
	Left, Right Expr
}

// Comparison tests one attribute of the bound node against a literal
type Comparison struct {
	Binding   string
	Attribute string
	Op        Op
	Value     Literal
}

func (*And) exprNode()        {}
func (*Or) exprNode()         {}
func (*Comparison) exprNode() {}

func (e *And) String() string {
	return "(" + e.Left.String() + " AND " + e.Right.String() + ")"
}

func (e *Or) String() string {
	return "(" + e.Left.String() + " OR " + e.Right.String() + ")"
}

func (e *Comparison) String() string {
	return fmt.Sprintf("%s.%s %s %s", e.Binding, e.Attribute, e.Op, e.Value)
}
