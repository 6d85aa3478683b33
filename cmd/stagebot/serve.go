package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stupiduntilnot/stagebot/internal/config"
	"github.com/stupiduntilnot/stagebot/internal/db"
	"github.com/stupiduntilnot/stagebot/internal/platform"
)

func newServeCmd(c *cli) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect the enabled platforms and process messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(c.configPath, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx, watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "reload when the config file changes")
	return cmd
}

// serve runs the scheduler and every adapter until ctx ends. An adapter
// that fails is logged and audited; the others keep running.
func (a *app) serve(ctx context.Context, watch bool) error {
	adapters := a.platforms.All()
	if len(adapters) == 0 {
		return errNoAdapters
	}

	processID := a.record(0, db.EventProcessStarted, map[string]any{
		"pid":       os.Getpid(),
		"platforms": platformNames(adapters),
		"stages":    a.scheduler.Snapshot().StageNames(),
	})
	a.logger.Info("stagebot running",
		zap.Strings("platforms", platformNames(adapters)),
		zap.String("provider", a.Config().LLM.Provider),
	)

	if watch {
		if _, err := os.Stat(a.configPath); err == nil {
			w := config.NewWatcher(a.configPath, 0, func() {
				a.logger.Info("config file changed, reloading")
				_ = a.Reload(ctx)
			}, a.logger)
			if err := w.Start(ctx); err != nil {
				a.logger.Warn("config watcher disabled", zap.Error(err))
			} else {
				defer w.Stop()
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	for _, ad := range adapters {
		g.Go(func() error {
			a.record(processID, db.EventAdapterStarted, map[string]any{"platform": ad.Name()})
			err := ad.Run(gctx, a.scheduler.Commit)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("adapter stopped", zap.String("platform", ad.Name()), zap.Error(err))
				a.record(processID, db.EventAdapterFailed, map[string]any{
					"platform": ad.Name(),
					"error":    err.Error(),
				})
			}
			return nil
		})
	}

	started := time.Now()
	err := g.Wait()
	a.record(processID, db.EventProcessStopped, map[string]any{
		"uptime_seconds": int64(time.Since(started).Seconds()),
	})
	a.logger.Info("stagebot stopped")
	return err
}

func (a *app) record(parent int64, eventType string, payload map[string]any) int64 {
	id, err := a.audit.Record(parent, eventType, payload)
	if err != nil {
		a.logger.Warn("audit write failed", zap.String("event_type", eventType), zap.Error(err))
	}
	return id
}

func platformNames(adapters []platform.Adapter) []string {
	names := make([]string, 0, len(adapters))
	for _, ad := range adapters {
		names = append(names, ad.Name())
	}
	return names
}
