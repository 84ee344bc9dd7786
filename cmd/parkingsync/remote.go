package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/tarun080/parkingfinder/internal/clock"
	"github.com/tarun080/parkingfinder/internal/remotestore"
	"github.com/tarun080/parkingfinder/internal/seed"
	"github.com/tarun080/parkingfinder/internal/spot"
)

var remoteCmd = &cobra.Command{
	Use:     "remote",
	GroupID: "advanced",
	Short:   "Run and manage a remote spot store",
	Long: `Commands for the authoritative remote store that devices sync with.

The store lives in server.dsn: a SQLite file path, or a postgres:// URL
for PostgreSQL.`,
}

var remoteServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the remote store HTTP API",
	Long: `Serve the remote store on server.addr.

Endpoints:
  GET  /api/v1/spots/changes?cursor=&limit=   changed spots since a cursor
  GET  /api/v1/spots/{id}                      one spot
  POST /api/v1/spots/{id}/push                 versioned status report
  GET  /api/v1/changes/ws                      WebSocket change feed
  GET  /health                                 health check

When server.token is set, API routes require it as a bearer token.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		store, err := openRemoteStore()
		if err != nil {
			return err
		}
		defer store.Close()

		srv, err := remotestore.NewServer(store, &remotestore.Config{
			Addr:   cfg.Server.Addr,
			Token:  cfg.Server.Token,
			Logger: logOut.Logger("remote"),
		})
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			return err
		}

		fmt.Printf("Remote store listening on http://%s\n", srv.Addr())
		fmt.Printf("Change feed: ws://%s/api/v1/changes/ws\n", srv.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down remote store...")
		return srv.Stop()
	},
}

var remoteSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load spots into the remote store",
	Long: `Load spots into the remote store from a JSONL file (one spot per line)
or generate random spots around a point.

Examples:
  parkingsync remote seed --file spots.jsonl
  parkingsync remote seed --generate 500 --lat 52.52 --lon 13.405 --radius 3000`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		n, _ := cmd.Flags().GetInt("generate")
		if (file == "") == (n <= 0) {
			return fmt.Errorf("exactly one of --file and --generate is required")
		}

		var spots []*spot.Spot
		if file != "" {
			var err error
			if spots, err = seed.ReadJSONL(file); err != nil {
				return err
			}
		} else {
			lat, _ := cmd.Flags().GetFloat64("lat")
			lon, _ := cmd.Flags().GetFloat64("lon")
			radius, _ := cmd.Flags().GetFloat64("radius")
			seedValue, _ := cmd.Flags().GetInt64("seed")
			center := spot.Location{Lat: lat, Lon: lon}
			if err := center.Validate(); err != nil {
				return err
			}
			spots = seed.Generate(rand.New(rand.NewSource(seedValue)), center, radius, n, time.Now())
		}

		ctx := cmd.Context()
		store, err := openRemoteStore()
		if err != nil {
			return err
		}
		defer store.Close()

		res, err := seed.Import(ctx, store, spots)
		if err != nil {
			return err
		}
		p := stdoutPrinter()
		fmt.Fprintf(p.w, "%s Imported %d spots\n", p.pass.Render("✓"), res.Imported)
		for _, e := range res.Errors {
			fmt.Fprintf(p.w, "   %s %s\n", p.warn.Render("skipped"), e)
		}
		return nil
	},
}

var remoteExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write every spot in the remote store to a JSONL file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openRemoteStore()
		if err != nil {
			return err
		}
		defer store.Close()

		spots, err := store.All(ctx)
		if err != nil {
			return err
		}
		if err := seed.WriteJSONL(args[0], spots); err != nil {
			return err
		}
		fmt.Printf("Exported %d spots to %s\n", len(spots), args[0])
		return nil
	},
}

func openRemoteStore() (*remotestore.Store, error) {
	store, err := remotestore.Open(cfg.Server.DSN, clock.Real())
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize remote schema: %w", err)
	}
	return store, nil
}

func init() {
	remoteSeedCmd.Flags().String("file", "", "JSONL file with one spot per line")
	remoteSeedCmd.Flags().Int("generate", 0, "Generate this many random spots")
	remoteSeedCmd.Flags().Float64("lat", 52.52, "Latitude of the generated area")
	remoteSeedCmd.Flags().Float64("lon", 13.405, "Longitude of the generated area")
	remoteSeedCmd.Flags().Float64("radius", 2000, "Radius of the generated area in meters")
	remoteSeedCmd.Flags().Int64("seed", 1, "Random seed for generated spots")

	remoteCmd.AddCommand(remoteServeCmd)
	remoteCmd.AddCommand(remoteSeedCmd)
	remoteCmd.AddCommand(remoteExportCmd)
	rootCmd.AddCommand(remoteCmd)
}
