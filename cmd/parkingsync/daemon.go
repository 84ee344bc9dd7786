package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tarun080/parkingfinder/internal/config"
	"github.com/tarun080/parkingfinder/internal/daemon"
	"github.com/tarun080/parkingfinder/internal/dashboard"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync daemon (foreground process)",
	Long: `Run the sync daemon until interrupted.

The daemon will:
  1. Run a startup cycle, then sync every sync.interval
  2. Back off exponentially after failures, up to sync.backoff_max
  3. Check the remote store and sync as soon as it is reachable again
  4. Follow the remote change feed and sync when other devices report
  5. Reload sync intervals when the config file changes

With --dashboard a live dashboard is served on dashboard.addr, and
'parkingsync status' shows the scheduler state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		background, _ := cmd.Flags().GetBool("background")
		return runDaemon(cmd.Context(), withDashboard, background)
	},
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Run the sync daemon with the live WebSocket dashboard",
	Long: `Run the sync daemon and serve a dashboard on dashboard.addr.

WebSocket messages include:
- sync_cycle: a sync cycle finished (counts, phase durations, error)
- stats: cache counts and scheduler state
- sync_requested: a manual sync was queued from the dashboard

Endpoints:
  GET  /api/status   daemon status as JSON
  POST /api/sync     queue a manual sync (429 when requested too often)
  GET  /ws           live feed
  GET  /health       health check`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context(), true, false)
	},
}

func runDaemon(parent context.Context, withDashboard, background bool) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	dcfg := daemonConfig(cfg)
	d, err := daemon.NewWithConfig(a.store, a.engine, a.client, dcfg)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if background {
		d.Scheduler().SetForeground(false)
	}

	if withDashboard {
		srv, err := dashboard.NewServer(d, &dashboard.Config{
			Addr:   cfg.Dashboard.Addr,
			Logger: logOut.Logger("dashboard"),
		})
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		defer srv.Stop()
		a.engine.AddSink(srv)
		fmt.Printf("Dashboard: http://%s/\n", srv.Addr())
	}

	fmt.Printf("%s Starting sync daemon...\n", stdoutPrinter().accent.Render("→"))
	fmt.Printf("   Cache: %s\n", cfg.Store.Path)
	fmt.Printf("   Remote: %s\n", cfg.Remote.URL)
	if dcfg.ConfigPath != "" {
		fmt.Printf("   Config: %s (watched)\n", dcfg.ConfigPath)
	}
	fmt.Printf("\nPress Ctrl+C to stop\n\n")

	return d.Start(ctx)
}

// daemonConfig maps the file configuration onto the daemon's.
func daemonConfig(c *config.Config) *daemon.Config {
	dcfg := daemon.DefaultConfig()
	dcfg.Logger = logOut.Logger("daemon")
	dcfg.CheckInterval = c.Sync.CheckInterval
	dcfg.Follow = c.Sync.Follow

	sc := dcfg.Scheduler
	sc.Interval = c.Sync.Interval
	sc.BackgroundInterval = c.Sync.BackgroundInterval
	sc.BackoffBase = c.Sync.BackoffBase
	sc.BackoffMax = c.Sync.BackoffMax
	sc.Jitter = c.Sync.Jitter
	sc.ManualMinSpacing = c.Sync.ManualMinSpacing
	sc.Logger = logOut.Logger("scheduler")

	if path := c.Path(); path != "" {
		dcfg.ConfigPath = path
		dcfg.Reload = reloadIntervals
	}
	return dcfg
}

// reloadIntervals rereads the config file for the hot-reloadable
// settings. Invalid files keep the running settings.
func reloadIntervals(path string) (daemon.Intervals, error) {
	c, err := config.Load(path)
	if err != nil {
		return daemon.Intervals{}, err
	}
	return daemon.Intervals{
		Interval:   c.Sync.Interval,
		Background: c.Sync.BackgroundInterval,
	}, nil
}

// signalContext is cancelled on interrupt or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Serve the live dashboard on dashboard.addr")
	daemonCmd.Flags().Bool("background", false, "Start with the background sync interval")
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(dashboardCmd)
}
