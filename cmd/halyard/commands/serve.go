package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/halyardhq/halyard/broadcast"
	"github.com/halyardhq/halyard/config"
	"github.com/halyardhq/halyard/dispatch"
	"github.com/halyardhq/halyard/logger"
	"github.com/halyardhq/halyard/relay"
	"github.com/halyardhq/halyard/secret"
	"github.com/halyardhq/halyard/store"
	"github.com/halyardhq/halyard/wire"
)

// ServeCmd runs the dispatch daemon in the foreground.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch daemon",
	Long: `Run the dispatch daemon in foreground mode.

The daemon will:
- Recover jobs orphaned by a previous crash
- Start the worker pool that drives queued executions
- Start the recurrence ticker for cron-scheduled tasks
- Watch halyard.toml and reconnect on configuration changes
- Run until interrupted (Ctrl+C), draining in-flight executions`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		decryptor, err := secret.FromKey(cfg.Remote.CredentialKey)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		pool := wire.NewPool(wire.OptionsFromConfig(cfg.Remote))
		registry := relay.NewRegistry(relay.Deps{
			Pool:      pool,
			Servers:   store.NewServerStore(database),
			Agents:    store.NewAgentStore(database),
			Decryptor: decryptor,
			Remote:    cfg.Remote,
		})
		defer registry.Close()

		events := broadcast.NewHub()
		scheduler := dispatch.NewScheduler(ctx, database, dispatch.NewRegistryResolver(registry), events, cfg.Scheduler)
		if err := scheduler.Start(); err != nil {
			return err
		}

		watcher := startConfigWatcher(cmd, registry)
		if watcher != nil {
			defer watcher.Stop()
		}

		fmt.Println("halyard daemon started")
		fmt.Printf("  Database: %s\n", cfg.Database.Path)
		fmt.Printf("  Workers: %d\n", scheduler.Pool().Workers())
		fmt.Printf("  Poll interval: %v\n", cfg.Scheduler.PollInterval())
		fmt.Printf("  Ticker interval: %v\n", cfg.Scheduler.TickerInterval())
		fmt.Println("\nPress Ctrl+C for graceful shutdown")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Println("\nShutting down...")
		scheduler.Shutdown()
		cancel()
		logger.Sync()

		fmt.Println("halyard daemon stopped")
		return nil
	},
}

// startConfigWatcher hot-reloads halyard.toml. Connection-affecting changes
// evict cached facades so the next execution reconnects with fresh settings.
// Returns nil when no config file is in use.
func startConfigWatcher(cmd *cobra.Command, registry *relay.Registry) *config.Watcher {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.GetViper().ConfigFileUsed()
	}
	if path == "" {
		return nil
	}

	watcher, err := config.NewWatcher(path)
	if err != nil {
		logger.Named("serve").Warnw("Config watcher unavailable", "path", path, "error", err.Error())
		return nil
	}
	watcher.OnReload(func(cfg *config.Config) error {
		logger.Named("serve").Infow("Configuration reloaded, resetting cached connections")
		registry.Close()
		return nil
	})
	watcher.Start()
	return watcher
}
