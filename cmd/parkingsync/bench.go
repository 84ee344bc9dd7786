package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tarun080/parkingfinder/internal/loadtest"
	"github.com/tarun080/parkingfinder/internal/spot"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "advanced",
	Short:   "Measure nearby-query latency on a generated cache",
	Long: `Create a temporary cache with generated spots and measure nearby-query
latency with concurrent readers. With --verify a writer keeps reporting
statuses while readers check that every result set stays within the
radius and in distance order.

Examples:
  parkingsync bench
  parkingsync bench --spots 20000 --readers 50 --radius 1000
  parkingsync bench --verify 5s`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		spots, _ := cmd.Flags().GetInt("spots")
		readers, _ := cmd.Flags().GetInt("readers")
		queries, _ := cmd.Flags().GetInt("queries")
		radius, _ := cmd.Flags().GetFloat64("radius")
		dirty, _ := cmd.Flags().GetFloat64("dirty")
		verify, _ := cmd.Flags().GetDuration("verify")

		if spots <= 0 || readers <= 0 || queries <= 0 {
			return fmt.Errorf("--spots, --readers and --queries must be positive")
		}
		if dirty < 0 || dirty > 1 {
			return fmt.Errorf("--dirty must be between 0.0 and 1.0")
		}

		dir, err := os.MkdirTemp("", "parkingsync-bench-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)

		p := stdoutPrinter()
		center := spot.Location{Lat: 52.52, Lon: 13.405}
		start := time.Now()
		tc, err := loadtest.CreateTestCache(filepath.Join(dir, "cache.db"), center, 5000, spots, dirty)
		if err != nil {
			return err
		}
		defer tc.Close()
		fmt.Fprintf(p.w, "Cache with %d spots created in %v\n\n", spots, time.Since(start).Round(time.Millisecond))

		stats, err := tc.RunConcurrentQueries(readers, queries, radius)
		if err != nil {
			return err
		}
		stats.PrintStats(p.w)

		if verify > 0 {
			fmt.Fprintf(p.w, "\nVerifying consistency under concurrent writes for %v...\n", verify)
			if err := tc.VerifyConsistency(readers, radius, verify); err != nil {
				fmt.Fprintf(p.w, "%s %v\n", p.fail.Render("✗"), err)
				return fmt.Errorf("consistency check failed")
			}
			fmt.Fprintf(p.w, "%s No inconsistent results\n", p.pass.Render("✓"))
		}
		return nil
	},
}

func init() {
	benchCmd.Flags().Int("spots", 5000, "Number of spots in the cache")
	benchCmd.Flags().Int("readers", 20, "Number of concurrent readers")
	benchCmd.Flags().Int("queries", 50, "Queries per reader")
	benchCmd.Flags().Float64("radius", 1000, "Query radius in meters")
	benchCmd.Flags().Float64("dirty", 0.1, "Share of spots with a pending local edit (0.0-1.0)")
	benchCmd.Flags().Duration("verify", 0, "Also run the concurrent write check for this long")
	rootCmd.AddCommand(benchCmd)
}
