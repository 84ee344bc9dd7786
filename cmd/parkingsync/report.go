package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/tarun080/parkingfinder/internal/spot"
	"github.com/tarun080/parkingfinder/internal/syncengine"
)

var reportCmd = &cobra.Command{
	Use:     "report [spot-id] [status]",
	GroupID: "spots",
	Short:   "Report the status of a cached spot",
	Long: `Record a status report for a spot in the local cache. The report is
visible to nearby queries immediately and pushed on the next sync.

Status is one of free, occupied, unknown or disabled. --at accepts an
RFC 3339 time or a phrase such as "5 minutes ago"; the default is now.

Examples:
  parkingsync report 6f1c... occupied
  parkingsync report 6f1c... free --at "10 minutes ago"
  parkingsync report -i`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		interactive, _ := cmd.Flags().GetBool("interactive")
		atText, _ := cmd.Flags().GetString("at")
		by, _ := cmd.Flags().GetString("by")

		var id, statusText string
		if len(args) > 0 {
			id = args[0]
		}
		if len(args) > 1 {
			statusText = args[1]
		}
		if interactive {
			if err := statusForm(&id, &statusText, &atText).Run(); err != nil {
				return err
			}
		}
		if id == "" || statusText == "" {
			return fmt.Errorf("spot id and status are required (or use -i)")
		}

		status, err := spot.ParseStatus(statusText)
		if err != nil {
			return err
		}
		at, err := parseAt(atText, time.Now())
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		sp, err := a.engine.ReportStatus(ctx, id, status, a.reporter(by), at)
		if err != nil {
			return err
		}
		stdoutPrinter().Spot("Reported", sp)
		return nil
	},
}

var reportNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Add a spot that is not in the cache yet",
	Long: `Create a spot on this device. It gets a fresh id and is created on the
remote store by the next sync; if the remote store refuses it the local
spot is removed again.

Examples:
  parkingsync report new --lat 52.5201 --lon 13.4049 --label B12 --kind ev --ev
  parkingsync report new -i`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		interactive, _ := cmd.Flags().GetBool("interactive")
		atText, _ := cmd.Flags().GetString("at")
		by, _ := cmd.Flags().GetString("by")
		lat, _ := cmd.Flags().GetFloat64("lat")
		lon, _ := cmd.Flags().GetFloat64("lon")
		statusText, _ := cmd.Flags().GetString("status")

		ns := syncengine.NewSpot{Location: spot.Location{Lat: lat, Lon: lon}}
		ns.AreaID, _ = cmd.Flags().GetString("area")
		ns.Label, _ = cmd.Flags().GetString("label")
		ns.Kind, _ = cmd.Flags().GetString("kind")
		ns.Accessible, _ = cmd.Flags().GetBool("accessible")
		ns.EVCharging, _ = cmd.Flags().GetBool("ev")

		if interactive {
			if err := newSpotForm(&ns, &statusText).Run(); err != nil {
				return err
			}
		} else if !cmd.Flags().Changed("lat") || !cmd.Flags().Changed("lon") {
			return fmt.Errorf("--lat and --lon are required (or use -i)")
		}

		var err error
		if ns.Status, err = spot.ParseStatus(statusText); err != nil {
			return err
		}
		if ns.ReportedAt, err = parseAt(atText, time.Now()); err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		ns.ReportedBy = a.reporter(by)
		sp, err := a.engine.ReportNewSpot(ctx, ns)
		if err != nil {
			return err
		}
		stdoutPrinter().Spot("Created", sp)
		return nil
	},
}

// parseAt reads a report time. Empty means the zero time, which the
// engine replaces with now.
func parseAt(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return checkNotFuture(t, now)
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", text)
	}
	return checkNotFuture(r.Time, now)
}

func checkNotFuture(t, now time.Time) (time.Time, error) {
	if t.After(now) {
		return time.Time{}, fmt.Errorf("report time %s is in the future", t.Format(time.RFC3339))
	}
	return t, nil
}

func statusOptions() []huh.Option[string] {
	return huh.NewOptions(
		string(spot.StatusFree),
		string(spot.StatusOccupied),
		string(spot.StatusUnknown),
		string(spot.StatusDisabled),
	)
}

func statusForm(id, status, at *string) *huh.Form {
	if *status == "" {
		*status = string(spot.StatusFree)
	}
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Spot ID").
				Value(id).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("spot id is required")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Status").
				Options(statusOptions()...).
				Value(status),
			huh.NewInput().
				Title("When").
				Placeholder("now").
				Value(at).
				Validate(func(s string) error {
					_, err := parseAt(s, time.Now())
					return err
				}),
		),
	)
}

func newSpotForm(ns *syncengine.NewSpot, status *string) *huh.Form {
	lat := strconv.FormatFloat(ns.Location.Lat, 'f', -1, 64)
	lon := strconv.FormatFloat(ns.Location.Lon, 'f', -1, 64)
	if *status == "" {
		*status = string(spot.StatusFree)
	}

	coord := func(dst *float64, limit float64) func(string) error {
		return func(s string) error {
			v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return fmt.Errorf("not a number")
			}
			if v < -limit || v > limit {
				return fmt.Errorf("must be within ±%.0f", limit)
			}
			*dst = v
			return nil
		}
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Latitude").Value(&lat).Validate(coord(&ns.Location.Lat, 90)),
			huh.NewInput().Title("Longitude").Value(&lon).Validate(coord(&ns.Location.Lon, 180)),
			huh.NewSelect[string]().Title("Status").Options(statusOptions()...).Value(status),
		),
		huh.NewGroup(
			huh.NewInput().Title("Label").Placeholder("B12").Value(&ns.Label),
			huh.NewSelect[string]().
				Title("Kind").
				Options(huh.NewOptions("standard", "compact", "motorcycle", "ev")...).
				Value(&ns.Kind),
			huh.NewConfirm().Title("Accessible?").Value(&ns.Accessible),
			huh.NewConfirm().Title("EV charging?").Value(&ns.EVCharging),
		),
	)
}

func init() {
	for _, c := range []*cobra.Command{reportCmd, reportNewCmd} {
		c.Flags().BoolP("interactive", "i", false, "Fill in the report with a form")
		c.Flags().String("at", "", `When the status was observed (RFC 3339 or e.g. "5 minutes ago")`)
		c.Flags().String("by", "", "Reporter id (default: device.reporter)")
	}
	reportNewCmd.Flags().Float64("lat", 0, "Latitude")
	reportNewCmd.Flags().Float64("lon", 0, "Longitude")
	reportNewCmd.Flags().String("status", string(spot.StatusFree), "Initial status")
	reportNewCmd.Flags().String("area", "", "Parking area id")
	reportNewCmd.Flags().String("label", "", "Spot number or label")
	reportNewCmd.Flags().String("kind", "standard", "Spot kind: standard, compact, motorcycle or ev")
	reportNewCmd.Flags().Bool("accessible", false, "Spot is accessible")
	reportNewCmd.Flags().Bool("ev", false, "Spot has an EV charger")

	reportCmd.AddCommand(reportNewCmd)
	rootCmd.AddCommand(reportCmd)
}
