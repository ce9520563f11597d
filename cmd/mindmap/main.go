// Command mindmap keeps a persistent, queryable graph of a project and
// serves structured queries, relevance search and memory maintenance.
package main

import (
	"github.com/ritzau/mindmap/pkg/logging"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		logging.Fatal("command failed", "error", err)
	}
}
