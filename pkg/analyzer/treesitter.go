//go:build cgo

package analyzer

import (
	"context"
	"fmt"
	"os"
	"sort"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/ritzau/mindmap/pkg/logging"
	"github.com/ritzau/mindmap/pkg/model"
)

// variableConfidence is what tree-sitter extraction is trusted with
const variableConfidence = 0.7

// TreeSitter extracts variable declarations with tree-sitter grammars
type TreeSitter struct {
	// MaxFileSize skips larger files; zero means no limit
	MaxFileSize int64
}

// NewTreeSitter creates a materializer skipping files above 1 MiB
func NewTreeSitter() *TreeSitter {
	return &TreeSitter{MaxFileSize: 1 << 20}
}

// Materialize reads the scope file under req.Root and returns its variables
// plus a contains edge from the scope to each. Unsupported languages yield
// an empty batch.
func (ts *TreeSitter) Materialize(ctx context.Context, req Request) (*model.Batch, error) {
	lang, ok := LanguageFromPath(req.Scope)
	if !ok {
		logging.DebugContext(ctx, "no grammar for scope", "scope", req.Scope)
		return &model.Batch{}, nil
	}

	file := req.File()
	info, err := os.Stat(file)
	if err != nil {
		return nil, fmt.Errorf("materialize %s: %w", req.Scope, err)
	}
	if ts.MaxFileSize > 0 && info.Size() > ts.MaxFileSize {
		logging.WarnContext(ctx, "scope too large to analyze", "scope", req.Scope, "bytes", info.Size())
		return &model.Batch{}, nil
	}
	source, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("materialize %s: %w", req.Scope, err)
	}
	return ts.MaterializeSource(ctx, req, source, lang)
}

// MaterializeSource analyzes source directly
func (ts *TreeSitter) MaterializeSource(ctx context.Context, req Request, source []byte, lang Language) (*model.Batch, error) {
	tsLang, err := grammar(lang)
	if err != nil {
		return nil, err
	}

	// A parser is not safe for concurrent use, so each call gets its own
	parser := sitter.NewParser()
	parser.SetLanguage(tsLang)
	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", req.Scope, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		logging.DebugContext(ctx, "source contains syntax errors", "scope", req.Scope)
	}

	var decls []declaration
	switch lang {
	case LangGo:
		decls = goVariables(root, source)
	case LangPython:
		decls = pythonVariables(root, source)
	default:
		decls = jsVariables(root, source)
	}

	uses := identifierCounts(root, source)
	batch := &model.Batch{}
	seen := make(map[string]*model.Node)
	for _, d := range decls {
		if !req.Matches(d.name) {
			continue
		}
		id := VariableID(req.Scope, d.name)
		if n, ok := seen[id]; ok {
			// Same name declared twice in one file: merge the flags
			if d.global {
				n.Properties["global"] = model.Bool(true)
			}
			if d.exported {
				n.Properties["exported"] = model.Bool(true)
			}
			continue
		}
		n := &model.Node{
			ID:   id,
			Type: model.NodeVariable,
			Name: d.name,
			Path: req.Scope,
			Properties: model.Attributes{
				"language": model.String(string(lang)),
				"exported": model.Bool(d.exported),
				"global":   model.Bool(d.global),
				"unused":   model.Bool(uses[d.name] <= 1),
				"line":     model.Int(d.line),
			},
			Confidence: variableConfidence,
		}
		seen[id] = n
		batch.Nodes = append(batch.Nodes, n)
		batch.Edges = append(batch.Edges, &model.Edge{
			Source: req.Scope,
			Target: id,
			Type:   model.EdgeContains,
			Weight: 1,
			Metadata: model.Attributes{
				"line": model.Int(d.line),
			},
		})
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(batch.Nodes, func(i, j int) bool { return batch.Nodes[i].ID < batch.Nodes[j].ID })
	sort.SliceStable(batch.Edges, func(i, j int) bool { return batch.Edges[i].Target < batch.Edges[j].Target })
	return batch, nil
}

func grammar(lang Language) (*sitter.Language, error) {
	switch lang {
	case LangGo:
		return golang.GetLanguage(), nil
	case LangPython:
		return python.GetLanguage(), nil
	case LangJavaScript:
		return javascript.GetLanguage(), nil
	case LangTypeScript:
		return typescript.GetLanguage(), nil
	case LangTSX:
		return tsx.GetLanguage(), nil
	}
	return nil, fmt.Errorf("unsupported language: %s", lang)
}

type declaration struct {
	name     string
	line     int
	global   bool
	exported bool
}

func text(n *sitter.Node, source []byte) string {
	return string(source[n.StartByte():n.EndByte()])
}

func line(n *sitter.Node) int {
	return int(n.StartPoint().Row) + 1
}

// findNodes collects every node of one of the given types, depth first
func findNodes(root *sitter.Node, types ...string) []*sitter.Node {
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []*sitter.Node
	var walk func(*sitter.Node)
	walk = func(n *sitter.Node) {
		if n == nil {
			return
		}
		if want[n.Type()] {
			out = append(out, n)
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(root)
	return out
}

// hasAncestor reports whether one of n's ancestors has one of the types,
// stopping at the first ancestor of a stop type
func hasAncestor(n *sitter.Node, types []string, stop []string) bool {
	for p := n.Parent(); p != nil; p = p.Parent() {
		for _, t := range types {
			if p.Type() == t {
				return true
			}
		}
		for _, t := range stop {
			if p.Type() == t {
				return false
			}
		}
	}
	return false
}

var goFunctions = []string{"function_declaration", "method_declaration", "func_literal"}

func goVariables(root *sitter.Node, source []byte) []declaration {
	var out []declaration
	for _, spec := range findNodes(root, "var_spec") {
		global := !hasAncestor(spec, goFunctions, nil)
		for i := 0; i < int(spec.NamedChildCount()); i++ {
			c := spec.NamedChild(i)
			if c.Type() != "identifier" {
				continue
			}
			name := text(c, source)
			if name == "_" {
				continue
			}
			out = append(out, declaration{
				name:     name,
				line:     line(c),
				global:   global,
				exported: global && name[0] >= 'A' && name[0] <= 'Z',
			})
		}
	}
	for _, decl := range findNodes(root, "short_var_declaration") {
		left := decl.ChildByFieldName("left")
		if left == nil {
			continue
		}
		for i := 0; i < int(left.NamedChildCount()); i++ {
			c := left.NamedChild(i)
			if c.Type() != "identifier" || text(c, source) == "_" {
				continue
			}
			out = append(out, declaration{name: text(c, source), line: line(c)})
		}
	}
	return out
}

var pythonScopes = []string{"function_definition", "class_definition", "lambda"}

func pythonVariables(root *sitter.Node, source []byte) []declaration {
	var out []declaration
	for _, a := range findNodes(root, "assignment", "augmented_assignment") {
		left := a.ChildByFieldName("left")
		if left == nil {
			continue
		}
		global := !hasAncestor(a, pythonScopes, nil)
		targets := []*sitter.Node{left}
		if left.Type() == "pattern_list" || left.Type() == "tuple_pattern" {
			targets = targets[:0]
			for i := 0; i < int(left.NamedChildCount()); i++ {
				targets = append(targets, left.NamedChild(i))
			}
		}
		for _, t := range targets {
			if t.Type() != "identifier" {
				continue
			}
			name := text(t, source)
			out = append(out, declaration{
				name:     name,
				line:     line(t),
				global:   global,
				exported: global && name[0] != '_',
			})
		}
	}
	return out
}

var jsFunctions = []string{
	"function_declaration", "function_expression", "function", "arrow_function",
	"method_definition", "generator_function_declaration", "class_body",
}

func jsVariables(root *sitter.Node, source []byte) []declaration {
	var out []declaration
	for _, d := range findNodes(root, "variable_declarator") {
		name := d.ChildByFieldName("name")
		if name == nil || name.Type() != "identifier" {
			continue
		}
		out = append(out, declaration{
			name:     text(name, source),
			line:     line(name),
			global:   !hasAncestor(d, jsFunctions, nil),
			exported: hasAncestor(d, []string{"export_statement"}, jsFunctions),
		})
	}
	return out
}

// identifierCounts counts identifier occurrences by name. A declared name
// seen only once is never referenced.
func identifierCounts(root *sitter.Node, source []byte) map[string]int {
	counts := make(map[string]int)
	for _, n := range findNodes(root, "identifier", "shorthand_property_identifier") {
		counts[text(n, source)]++
	}
	return counts
}
