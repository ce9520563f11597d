package query

import (
	"strconv"
	"strings"
	"time"

	"github.com/ritzau/mindmap/pkg/model"
)

// Resolve looks up an attribute on a node: properties first, then the
// intrinsic fields, then metadata. The bool is false when the node has no
// such attribute.
func Resolve(n *model.Node, attr string) (model.Value, bool) {
	if v, ok := n.Properties.Get(attr); ok {
		return v, true
	}
	switch attr {
	case "id":
		return model.String(n.ID), true
	case "type":
		return model.String(string(n.Type)), true
	case "name":
		return model.String(n.Name), true
	case "path":
		if n.Path == "" {
			break
		}
		return model.String(n.Path), true
	case "confidence":
		return model.Number(n.Confidence), true
	case "lastUpdated":
		return model.Time(n.LastUpdated), true
	}
	return n.Metadata.Get(attr)
}

// Match evaluates a WHERE expression against a node. A nil expression matches.
func Match(e Expr, n *model.Node) bool {
	switch e := e.(type) {
	case nil:
		return true
	case *And:
		return Match(e.Left, n) && Match(e.Right, n)
	case *Or:
		return Match(e.Left, n) || Match(e.Right, n)
	case *Comparison:
		v, ok := Resolve(n, e.Attribute)
		if !ok {
			return false
		}
		return compare(v, e.Op, e.Value)
	}
	return false
}

func compare(v model.Value, op Op, lit Literal) bool {
	if op == OpContains {
		return strings.Contains(strings.ToLower(v.String()), strings.ToLower(lit.Text))
	}

	if t, ok := v.Time(); ok {
		if lit.IsNumber {
			return ordered(cmpFloat(float64(t.Unix()), lit.Number), op)
		}
		if lt, err := time.Parse(time.RFC3339Nano, lit.Text); err == nil {
			return ordered(t.Compare(lt), op)
		}
		return ordered(strings.Compare(v.String(), lit.Text), op)
	}

	if f, ok := numeric(v); ok {
		if lit.IsNumber {
			return ordered(cmpFloat(f, lit.Number), op)
		}
		if lf, err := strconv.ParseFloat(lit.Text, 64); err == nil {
			return ordered(cmpFloat(f, lf), op)
		}
	}

	return ordered(strings.Compare(v.String(), lit.Text), op)
}

// numeric reads numbers and numeric-looking strings; bools and times are not numeric
func numeric(v model.Value) (float64, bool) {
	if f, ok := v.Num(); ok {
		return f, true
	}
	if s, ok := v.Str(); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func ordered(c int, op Op) bool {
	switch op {
	case OpEq:
		return c == 0
	case OpNe:
		return c != 0
	case OpLt:
		return c < 0
	case OpGt:
		return c > 0
	case OpLe:
		return c <= 0
	case OpGe:
		return c >= 0
	}
	return false
}

// project extracts one projection from a node. Missing attributes project as nil.
func project(n *model.Node, p Projection) any {
	if p.Attribute == "" {
		return n.Clone()
	}
	v, ok := Resolve(n, p.Attribute)
	if !ok {
		return nil
	}
	return v.Any()
}
