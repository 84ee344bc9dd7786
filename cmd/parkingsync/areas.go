package main

import (
	"github.com/spf13/cobra"

	"github.com/tarun080/parkingfinder/internal/spot"
)

var areasCmd = &cobra.Command{
	Use:     "areas",
	GroupID: "spots",
	Short:   "Show free spot counts per parking area",
	Long: `Summarize the local cache per parking area: how many spots are free,
occupied or pending upload. Spots without an area id are not counted.

With --lat/--lon, or a fix recorded by 'parkingsync locate', only areas
whose center lies within the radius are listed, nearest first. Otherwise
every cached area is listed by id.

Examples:
  parkingsync areas
  parkingsync areas --lat 52.52 --lon 13.405 --radius 2000
  parkingsync areas --format yaml`,
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

		ctx := cmd.Context()
		a, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		var center *spot.Location
		if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
			lat, _ := cmd.Flags().GetFloat64("lat")
			lon, _ := cmd.Flags().GetFloat64("lon")
			center = &spot.Location{Lat: lat, Lon: lon}
		} else if fix := a.tracker.Current(); fix != nil {
			center = &fix.Location
		}

		areas, err := a.query.Areas(ctx, center, radius)
		if err != nil {
			return err
		}
		if format != formatText {
			return encode(cmd.OutOrStdout(), format, areas)
		}
		stdoutPrinter().Areas(areas)
		return nil
	},
}

func init() {
	areasCmd.Flags().Float64("lat", 0, "Latitude of the search center")
	areasCmd.Flags().Float64("lon", 0, "Longitude of the search center")
	areasCmd.Flags().Float64P("radius", "r", 0, "Search radius in meters (default: query.default_radius_m)")
	areasCmd.Flags().String("format", formatText, "Output format: text, json or yaml")

	rootCmd.AddCommand(areasCmd)
}
