package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tarun080/parkingfinder/internal/daemon"
	"github.com/tarun080/parkingfinder/internal/syncengine"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle against the remote store",
	Long: `Run a single sync cycle in the foreground:
  1. Pull spots changed since the stored cursor
  2. Push queued local edits, oldest first
  3. Verify every edited spot has exactly one queued entry

With --full the cursor is forgotten and the whole remote store is pulled
again. Use --format json to print the cycle event instead of a summary.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")
		format, _ := cmd.Flags().GetString("format")
		if err := validFormat(format); err != nil {
			return err
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		var sum syncengine.Summary
		if full {
			sum, err = a.engine.Resync(ctx, syncengine.TriggerManual)
			if err != nil {
				return err
			}
		} else {
			sum = a.engine.RunCycle(ctx, syncengine.TriggerManual)
		}

		if format != formatText {
			if err := encode(cmd.OutOrStdout(), format, sum.Event()); err != nil {
				return err
			}
		} else {
			stdoutPrinter().Summary(sum)
		}
		if !sum.OK() && !sum.Coalesced {
			return fmt.Errorf("sync cycle %s failed", sum.CycleID)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show cache and sync status",
	Long: `Display the local cache status:
  - Cache file location and spot counts
  - Pending local edits and spots known to be stale
  - Last successful pull and push
  - Scheduler state, when a daemon with a dashboard is running`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if err := validFormat(format); err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		st := cacheStatus{Path: cfg.Store.Path, Remote: cfg.Remote.URL, LastFix: a.tracker.Current()}
		if st.Counts, err = a.store.Counts(ctx); err != nil {
			return err
		}
		if st.State, err = a.store.SyncState(ctx); err != nil {
			return err
		}
		if ds, ok := daemonStatus(ctx, cfg.Dashboard.Addr); ok {
			st.Schedule = &ds.Scheduler
		}

		if format != formatText {
			return encode(cmd.OutOrStdout(), format, st)
		}
		stdoutPrinter().Status(time.Now(), st)
		return nil
	},
}

// daemonStatus asks a running daemon's dashboard for its status.
func daemonStatus(ctx context.Context, addr string) (daemon.Status, bool) {
	var st daemon.Status
	if addr == "" {
		return st, false
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/api/status", nil)
	if err != nil {
		return st, false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, false
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: unreadable daemon status: %v\n", err)
		return st, false
	}
	return st, true
}

func init() {
	syncCmd.Flags().Bool("full", false, "Forget the pull cursor and refetch everything")
	syncCmd.Flags().String("format", formatText, "Output format: text, json or yaml")
	statusCmd.Flags().String("format", formatText, "Output format: text, json or yaml")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}
