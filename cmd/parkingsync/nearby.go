package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tarun080/parkingfinder/internal/localstore"
	"github.com/tarun080/parkingfinder/internal/location"
	"github.com/tarun080/parkingfinder/internal/query"
	"github.com/tarun080/parkingfinder/internal/spot"
)

var nearbyCmd = &cobra.Command{
	Use:     "nearby",
	GroupID: "spots",
	Short:   "List cached spots near a point",
	Long: `List spots from the local cache within a radius, nearest first. The
network is never used; spots that may be out of date are flagged stale
and spots with unpushed local edits are flagged pending.

Without --lat/--lon the last fix recorded with 'parkingsync locate' is
used. The radius defaults to query.default_radius_m and is capped at 15 km.

Examples:
  parkingsync nearby --lat 52.52 --lon 13.405
  parkingsync nearby --radius 800 --status free --ev
  parkingsync nearby --format json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if err := validFormat(format); err != nil {
			return err
		}
		radius, _ := cmd.Flags().GetFloat64("radius")
		if radius <= 0 {
			radius = cfg.Query.DefaultRadius
		}
		radius = query.ClampRadius(radius)

		f, err := nearbyFilter(cmd)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		var center spot.Location
		var results []query.Result
		if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
			center.Lat, _ = cmd.Flags().GetFloat64("lat")
			center.Lon, _ = cmd.Flags().GetFloat64("lon")
			results, err = a.query.Nearby(ctx, center, radius, f)
		} else {
			results, err = a.query.NearMe(ctx, radius, f)
			if errors.Is(err, query.ErrNoFix) {
				return fmt.Errorf("no location fix yet; pass --lat/--lon or run 'parkingsync locate'")
			}
			if fix := a.tracker.Current(); fix != nil {
				center = fix.Location
			}
		}
		if err != nil {
			return err
		}

		if format != formatText {
			return encode(cmd.OutOrStdout(), format, results)
		}
		stdoutPrinter().Nearby(center, radius, results)
		return nil
	},
}

func nearbyFilter(cmd *cobra.Command) (localstore.Filter, error) {
	var f localstore.Filter
	statuses, _ := cmd.Flags().GetStringSlice("status")
	for _, s := range statuses {
		st, err := spot.ParseStatus(s)
		if err != nil {
			return f, err
		}
		f.Statuses = append(f.Statuses, st)
	}
	kind, _ := cmd.Flags().GetString("kind")
	f.Kind = strings.TrimSpace(kind)
	f.AccessibleOnly, _ = cmd.Flags().GetBool("accessible")
	f.EVChargingOnly, _ = cmd.Flags().GetBool("ev")
	f.Limit, _ = cmd.Flags().GetInt("limit")
	if f.Limit < 0 {
		return f, fmt.Errorf("--limit must not be negative")
	}
	return f, nil
}

var locateCmd = &cobra.Command{
	Use:     "locate",
	GroupID: "spots",
	Short:   "Record the device's current location fix",
	Long: `Record a location fix for 'parkingsync nearby' without --lat/--lon.

Fixes less accurate than location.max_accuracy_m are rejected. A fix within
location.min_displacement_m of the current one is ignored unless the
current fix is more than a minute old.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		lat, _ := cmd.Flags().GetFloat64("lat")
		lon, _ := cmd.Flags().GetFloat64("lon")
		accuracy, _ := cmd.Flags().GetFloat64("accuracy")
		if !cmd.Flags().Changed("lat") || !cmd.Flags().Changed("lon") {
			return fmt.Errorf("--lat and --lon are required")
		}

		ctx := cmd.Context()
		a, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		sample := spot.Sample{
			Location:       spot.Location{Lat: lat, Lon: lon},
			AccuracyMeters: accuracy,
			Timestamp:      time.Now(),
		}
		accepted, err := a.tracker.Accept(ctx, sample)
		if errors.Is(err, location.ErrInaccurate) {
			return fmt.Errorf("fix rejected: accuracy %.0f m is worse than %.0f m", accuracy, cfg.Location.MaxAccuracy)
		}
		if err != nil {
			return err
		}

		p := stdoutPrinter()
		if accepted {
			fmt.Fprintf(p.w, "%s Location set to %s (±%.0f m)\n", p.pass.Render("✓"), sample.Location, accuracy)
		} else {
			fmt.Fprintf(p.w, "%s Location unchanged; fix is too close to the current one\n", p.muted.Render("·"))
		}
		return nil
	},
}

func init() {
	nearbyCmd.Flags().Float64("lat", 0, "Latitude of the search center")
	nearbyCmd.Flags().Float64("lon", 0, "Longitude of the search center")
	nearbyCmd.Flags().Float64P("radius", "r", 0, "Search radius in meters (default: query.default_radius_m)")
	nearbyCmd.Flags().StringSlice("status", nil, "Only spots in these states (repeatable)")
	nearbyCmd.Flags().String("kind", "", "Only spots of this kind")
	nearbyCmd.Flags().Bool("accessible", false, "Only accessible spots")
	nearbyCmd.Flags().Bool("ev", false, "Only spots with an EV charger")
	nearbyCmd.Flags().IntP("limit", "n", 0, "Show at most this many spots")
	nearbyCmd.Flags().String("format", formatText, "Output format: text, json or yaml")

	locateCmd.Flags().Float64("lat", 0, "Latitude")
	locateCmd.Flags().Float64("lon", 0, "Longitude")
	locateCmd.Flags().Float64("accuracy", 10, "Accuracy radius in meters")

	rootCmd.AddCommand(nearbyCmd)
	rootCmd.AddCommand(locateCmd)
}
