package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ritzau/mindmap/pkg/logging"
	"github.com/ritzau/mindmap/pkg/pubsub"
	"github.com/ritzau/mindmap/pkg/reclaim"
	"github.com/ritzau/mindmap/pkg/web"
)

const (
	watchQuiet   = 300 * time.Millisecond
	watchMaxWait = 3 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the graph over HTTP, optionally watching the project",
	Long: `Starts the HTTP API (query, search, batch upserts, maintenance, reload,
snapshots, SSE events and /metrics). With --watch the project tree is scanned
and kept in step with file changes. With --interval, prune and compress run
periodically and the snapshot is saved after each run that changed the graph.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.Int("port", 8080, "Port for the HTTP server")
	f.Bool("watch", false, "Scan the project and follow file changes")
	f.Bool("analyze", true, "Extract variables with tree-sitter while scanning")
	f.Duration("interval", 0, "Run prune and compress this often (0 disables)")
	f.Bool("autosave", true, "Save the snapshot after scheduled maintenance and on shutdown")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	publisher := pubsub.NewSSEPublisher()
	pubsub.DefaultTopics(publisher)

	a, err := openApp(publisher)
	if err != nil {
		return err
	}

	server := web.NewServer(web.Options{
		Store:        a.store,
		Engine:       a.engine,
		Pipeline:     a.pipeline,
		Manager:      a.manager,
		Runner:       a.runner,
		Publisher:    publisher,
		SnapshotPath: snapshotPath(a.root),
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.ListenAndServe(ctx, cfg.Port)
	})

	if cfg.Watch {
		rec := a.reconciler()
		g.Go(func() error {
			out, err := rec.Sync(ctx)
			if err != nil {
				return err
			}
			logging.Info("initial scan complete", "scanned", out.Scanned, "removed", out.Removed)
			return rec.Watch(ctx, watchQuiet, watchMaxWait)
		})
	}

	var autosave string
	if cfg.Maintenance.Autosave {
		autosave = snapshotPath(a.root)
		if err := os.MkdirAll(filepath.Dir(autosave), 0o755); err != nil {
			return err
		}
	}
	sched := reclaim.NewScheduler(a.manager, cfg.Maintenance.Interval, autosave)
	sched.OnResult = func(res *reclaim.MaintenanceResult, err error) {
		web.AnnounceMaintenance(a.store, publisher, res, err)
	}
	g.Go(func() error {
		return sched.Run(ctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if cfg.Maintenance.Autosave {
		if serr := a.save(); serr != nil {
			logging.Error("final snapshot failed", "error", serr)
			if err == nil {
				err = serr
			}
		}
	}
	return err
}
