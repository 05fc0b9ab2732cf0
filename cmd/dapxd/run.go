package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/grandir66/dapx-backandrepl/internal/ifaces"
	"github.com/grandir66/dapx-backandrepl/internal/invcache"
	"github.com/grandir66/dapx-backandrepl/internal/inventory"
	"github.com/grandir66/dapx-backandrepl/internal/logger"
	"github.com/grandir66/dapx-backandrepl/internal/notify"
	"github.com/grandir66/dapx-backandrepl/internal/scheduler"
	"github.com/grandir66/dapx-backandrepl/internal/sshexec"
	"github.com/grandir66/dapx-backandrepl/internal/store"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler and block until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			level := logger.LevelInfo
			if cfg.Debug {
				level = logger.LevelDebug
			}
			log, err := logger.NewForStateDir(level, cfg.StateDir, true)
			if err != nil {
				return err
			}
			defer log.Close()

			if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
				return err
			}

			st, err := store.Open(cfg.DBPath(), log)
			if err != nil {
				return err
			}
			defer st.Close()

			invCache, err := invcache.Open(cfg.InventoryCacheDir(), log)
			if err != nil {
				return err
			}
			defer invCache.Close()

			exec := sshexec.New()
			notifier := notify.NewDispatcher(notify.NoOpTrigger{})
			sched := scheduler.New(st, exec, log, notifier, time.Duration(cfg.SchedulerTickSeconds)*time.Second)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info("dapxd starting, state_dir=%s", cfg.StateDir)
			warmInventoryCache(ctx, st, exec, invCache, log)
			err = sched.Run(ctx)
			if err != nil && err != context.Canceled {
				return err
			}
			log.Info("dapxd shutting down")
			return nil
		},
	}
}

// warmInventoryCache populates invCache with one guest-list probe per
// active node before the scheduler's first tick, so the first scheduled
// job to consult inventory in its run window sees a warm cache instead of
// paying a cold probe on the critical path. Probe failures are logged and
// otherwise ignored -- a cold cache is still correct, just slower.
func warmInventoryCache(ctx context.Context, st *store.Store, exec *sshexec.Executor, invCache ifaces.Cache, log ifaces.Logger) {
	nodes, err := st.ListNodes(ctx, true)
	if err != nil {
		log.Error("warm inventory cache: list nodes: %v", err)
		return
	}

	inv := inventory.New(exec, invCache)
	for _, n := range nodes {
		if _, err := inv.ListGuests(ctx, n); err != nil {
			log.Debug("warm inventory cache: %s: %v", n.Name, err)
		}
	}
}
