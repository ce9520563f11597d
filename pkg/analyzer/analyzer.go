// Package analyzer re-derives sub-file entities (variables) from source text
// on demand. The store never calls into it; the reclamation manager does, when
// a caller asks to expand a compressed scope.
package analyzer

import (
	"context"
	"errors"
	"path"
	"path/filepath"
	"strings"

	"github.com/ritzau/mindmap/pkg/model"
)

// ErrNoCgo is returned when the binary was built without cgo, which the
// tree-sitter grammars need
var ErrNoCgo = errors.New("tree-sitter analysis requires cgo")

// Request names the scope (a project-relative file path) to analyze and a
// glob over entity names. An empty pattern matches everything.
type Request struct {
	Root    string
	Scope   string
	Pattern string
}

// Matches reports whether name satisfies the request pattern
func (r Request) Matches(name string) bool {
	if r.Pattern == "" || r.Pattern == "*" {
		return true
	}
	ok, err := path.Match(r.Pattern, name)
	return err == nil && ok
}

// File returns the absolute path of the scope
func (r Request) File() string {
	return filepath.Join(r.Root, filepath.FromSlash(r.Scope))
}

// Materializer produces the nodes and edges of one scope without touching
// the store. The caller decides whether to upsert the result.
type Materializer interface {
	Materialize(ctx context.Context, req Request) (*model.Batch, error)
}

// MaterializerFunc adapts a function to the Materializer interface
type MaterializerFunc func(ctx context.Context, req Request) (*model.Batch, error)

func (f MaterializerFunc) Materialize(ctx context.Context, req Request) (*model.Batch, error) {
	return f(ctx, req)
}

// VariableID is the stable id of a variable declared in scope
func VariableID(scope, name string) string {
	return scope + "::variable::" + name
}

// Language identifies a supported source language
type Language string

const (
	LangGo         Language = "go"
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
	LangTSX        Language = "tsx"
)

// LanguageFromPath maps a file extension to a supported language
func LanguageFromPath(p string) (Language, bool) {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".go":
		return LangGo, true
	case ".py", ".pyi":
		return LangPython, true
	case ".js", ".jsx", ".mjs", ".cjs":
		return LangJavaScript, true
	case ".ts", ".mts", ".cts":
		return LangTypeScript, true
	case ".tsx":
		return LangTSX, true
	}
	return "", false
}
