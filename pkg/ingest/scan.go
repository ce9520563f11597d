package ingest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/ritzau/mindmap/pkg/analyzer"
	"github.com/ritzau/mindmap/pkg/logging"
	"github.com/ritzau/mindmap/pkg/model"
)

// RootID is the node id of the project root directory
const RootID = "."

// alwaysIgnored are skipped even without a .gitignore
var alwaysIgnored = []string{".git/", "node_modules/", ".mindmap/", "vendor/"}

// Ignorer decides which project paths are outside the graph
type Ignorer struct {
	rules *ignore.GitIgnore
}

// LoadIgnorer compiles the root .gitignore plus the built-in rules
func LoadIgnorer(root string, extra ...string) *Ignorer {
	lines := append(append([]string{}, alwaysIgnored...), extra...)
	data, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	switch {
	case err == nil:
		lines = append(lines, strings.Split(string(data), "\n")...)
	case !errors.Is(err, fs.ErrNotExist):
		logging.Warn("could not read .gitignore", "root", root, "error", err)
	}
	return &Ignorer{rules: ignore.CompileIgnoreLines(lines...)}
}

// Ignored reports whether the slash-separated relative path is ignored.
// Directories are matched with a trailing slash.
func (ig *Ignorer) Ignored(rel string, dir bool) bool {
	if ig == nil || rel == RootID || rel == "" {
		return false
	}
	if dir && !strings.HasSuffix(rel, "/") {
		rel += "/"
	}
	return ig.rules.MatchesPath(rel)
}

// ScanSource walks a project directory and produces directory and file
// nodes joined by contains edges. With an Analyzer, source files also
// contribute their variables.
type ScanSource struct {
	Root     string
	Ignore   *Ignorer
	Analyzer analyzer.Materializer

	// Paths limits the scan to these relative files and directory trees;
	// their parent directories are still emitted. Empty scans everything.
	Paths []string
}

func (s *ScanSource) Name() string { return "scan" }

func (s *ScanSource) Read(ctx context.Context) (*model.Batch, error) {
	root, err := filepath.Abs(s.Root)
	if err != nil {
		return nil, err
	}
	ig := s.Ignore
	if ig == nil {
		ig = LoadIgnorer(root)
	}

	sc := &scan{root: root, dirs: make(map[string]bool), batch: &model.Batch{}}
	sc.dir(RootID)

	if len(s.Paths) == 0 {
		if err := sc.walk(ctx, root, ig, s.Analyzer); err != nil {
			return nil, err
		}
		return sc.batch, nil
	}

	for _, rel := range s.Paths {
		rel = path.Clean(filepath.ToSlash(rel))
		abs := filepath.Join(root, filepath.FromSlash(rel))
		info, err := os.Stat(abs)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		if ig.Ignored(rel, info.IsDir()) {
			continue
		}
		if info.IsDir() {
			sc.dir(rel)
			err = sc.walk(ctx, abs, ig, s.Analyzer)
		} else {
			err = sc.file(ctx, rel, info, s.Analyzer)
		}
		if err != nil {
			return nil, err
		}
	}
	return sc.batch, nil
}

type scan struct {
	root  string
	dirs  map[string]bool
	batch *model.Batch
}

// walk scans the tree below dir
func (sc *scan) walk(ctx context.Context, dir string, ig *Ignorer, a analyzer.Materializer) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			logging.Debug("skipping unreadable path", "path", p, "error", err)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(sc.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == RootID {
			return nil
		}
		if d.IsDir() {
			if ig.Ignored(rel, true) {
				return filepath.SkipDir
			}
			sc.dir(rel)
			return nil
		}
		if !d.Type().IsRegular() || ig.Ignored(rel, false) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		return sc.file(ctx, rel, info, a)
	})
}

// dir emits a directory node and its chain of parents
func (sc *scan) dir(rel string) {
	if sc.dirs[rel] {
		return
	}
	sc.dirs[rel] = true
	name := path.Base(rel)
	if rel == RootID {
		name = filepath.Base(sc.root)
	}
	sc.batch.Nodes = append(sc.batch.Nodes, &model.Node{
		ID:         rel,
		Type:       model.NodeDirectory,
		Name:       name,
		Path:       rel,
		Confidence: 1,
	})
	if rel == RootID {
		return
	}
	parent := path.Dir(rel)
	sc.dir(parent)
	sc.contains(parent, rel)
}

func (sc *scan) file(ctx context.Context, rel string, info fs.FileInfo, a analyzer.Materializer) error {
	parent := path.Dir(rel)
	sc.dir(parent)

	props := model.Attributes{"size": model.Int(int(info.Size()))}
	lang, supported := analyzer.LanguageFromPath(rel)
	if supported {
		props["language"] = model.String(string(lang))
	}
	sc.batch.Nodes = append(sc.batch.Nodes, &model.Node{
		ID:         rel,
		Type:       model.NodeFile,
		Name:       path.Base(rel),
		Path:       rel,
		Properties: props,
		Confidence: 1,
	})
	sc.contains(parent, rel)

	if a == nil || !supported {
		return nil
	}
	vars, err := a.Materialize(ctx, analyzer.Request{Root: sc.root, Scope: rel})
	if err != nil {
		if errors.Is(err, analyzer.ErrNoCgo) {
			return nil
		}
		// One bad file should not fail the scan
		logging.Warn("analyzer failed", "file", rel, "error", err)
		return ctx.Err()
	}
	sc.batch.Nodes = append(sc.batch.Nodes, vars.Nodes...)
	sc.batch.Edges = append(sc.batch.Edges, vars.Edges...)
	return nil
}

func (sc *scan) contains(parent, child string) {
	sc.batch.Edges = append(sc.batch.Edges, &model.Edge{
		Source: parent,
		Target: child,
		Type:   model.EdgeContains,
		Weight: 1,
	})
}

// FileIDs lists the file and directory node ids a scan of root would
// produce, sorted. Used to find nodes whose files are gone.
func FileIDs(b *model.Batch) []string {
	var ids []string
	for _, n := range b.Nodes {
		if n.Type == model.NodeFile || n.Type == model.NodeDirectory {
			ids = append(ids, n.ID)
		}
	}
	sort.Strings(ids)
	return ids
}
