package watcher

import "path"

// ChangeAnalysis describes what a debounced event requires of the graph
type ChangeAnalysis struct {
	// NeedFullScan is set when the ignore rules changed; every path may
	// have moved in or out of the graph
	NeedFullScan bool
	// Rescan lists written paths to re-scan
	Rescan []string
	// Removed lists deleted paths whose nodes must go
	Removed []string
}

// Empty reports whether the analysis requires no work
func (a *ChangeAnalysis) Empty() bool {
	return !a.NeedFullScan && len(a.Rescan) == 0 && len(a.Removed) == 0
}

// AnalyzeChanges determines what to do about one change event
func AnalyzeChanges(event ChangeEvent) *ChangeAnalysis {
	analysis := &ChangeAnalysis{}
	for _, p := range event.Paths {
		if path.Base(p) == ".gitignore" {
			analysis.NeedFullScan = true
		}
	}

	switch event.Type {
	case ChangeTypeWritten:
		analysis.Rescan = event.Paths
	case ChangeTypeRemoved:
		analysis.Removed = event.Paths
	}
	return analysis
}
