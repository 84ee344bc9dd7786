package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/tarun080/parkingfinder/internal/daemon"
	"github.com/tarun080/parkingfinder/internal/localstore"
	"github.com/tarun080/parkingfinder/internal/query"
	"github.com/tarun080/parkingfinder/internal/spot"
	"github.com/tarun080/parkingfinder/internal/syncengine"
)

// Output formats accepted by --format.
const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func validFormat(f string) error {
	switch f {
	case formatText, formatJSON, formatYAML:
		return nil
	}
	return fmt.Errorf("invalid format %q (want text, json or yaml)", f)
}

// printer renders command output. Styles degrade to plain text when
// color is off.
type printer struct {
	w io.Writer

	accent  lipgloss.Style
	pass    lipgloss.Style
	warn    lipgloss.Style
	fail    lipgloss.Style
	muted   lipgloss.Style
	heading lipgloss.Style
	status  map[spot.Status]lipgloss.Style
}

func newPrinter(w io.Writer, color bool) *printer {
	r := lipgloss.NewRenderer(w)
	if color {
		r.SetColorProfile(termenv.ANSI256)
	} else {
		r.SetColorProfile(termenv.Ascii)
	}
	p := &printer{
		w:       w,
		accent:  r.NewStyle().Foreground(lipgloss.Color("39")),
		pass:    r.NewStyle().Foreground(lipgloss.Color("42")),
		warn:    r.NewStyle().Foreground(lipgloss.Color("214")),
		fail:    r.NewStyle().Foreground(lipgloss.Color("196")),
		muted:   r.NewStyle().Foreground(lipgloss.Color("245")),
		heading: r.NewStyle().Bold(true),
	}
	p.status = map[spot.Status]lipgloss.Style{
		spot.StatusFree:     p.pass,
		spot.StatusOccupied: p.fail,
		spot.StatusDisabled: p.warn,
		spot.StatusUnknown:  p.muted,
	}
	return p
}

// stdoutPrinter colors output only for a terminal that allows it.
func stdoutPrinter() *printer {
	color := !noColor &&
		term.IsTerminal(int(os.Stdout.Fd())) &&
		!termenv.EnvNoColor()
	return newPrinter(os.Stdout, color)
}

// encode writes v as JSON or YAML.
func encode(w io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unsupported format %q", format)
}

func formatDistance(m float64) string {
	if m < 1000 {
		return fmt.Sprintf("%.0f m", m)
	}
	return fmt.Sprintf("%.1f km", m/1000)
}

func formatAge(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}

// Nearby renders nearby query results as a table.
func (p *printer) Nearby(center spot.Location, radius float64, results []query.Result) {
	if len(results) == 0 {
		fmt.Fprintf(p.w, "No spots within %s of %s\n", formatDistance(radius), center)
		return
	}

	fmt.Fprintln(p.w, p.heading.Render(fmt.Sprintf("%-38s %-9s %9s  %-6s %-10s %s",
		"ID", "STATUS", "DISTANCE", "LABEL", "KIND", "FLAGS")))
	for _, r := range results {
		var flags []string
		if r.Pending {
			flags = append(flags, "pending")
		}
		if r.Stale {
			flags = append(flags, "stale")
		}
		if r.Spot.Accessible {
			flags = append(flags, "accessible")
		}
		if r.Spot.EVCharging {
			flags = append(flags, "ev")
		}
		st := p.status[r.Spot.Status].Render(fmt.Sprintf("%-9s", r.Spot.Status))
		line := fmt.Sprintf("%-38s %s %9s  %-6s %-10s %s",
			r.Spot.ID, st, formatDistance(r.DistanceMeters),
			r.Spot.Label, r.Spot.Kind, p.muted.Render(strings.Join(flags, ",")))
		fmt.Fprintln(p.w, strings.TrimRight(line, " "))
	}
	fmt.Fprintf(p.w, "\n%d spots within %s of %s\n", len(results), formatDistance(radius), center)
}

// Areas renders per-area availability.
func (p *printer) Areas(areas []query.Area) {
	if len(areas) == 0 {
		fmt.Fprintln(p.w, "No parking areas in the cache")
		return
	}

	fmt.Fprintln(p.w, p.heading.Render(fmt.Sprintf("%-20s %5s %5s %8s %7s %9s",
		"AREA", "FREE", "TOTAL", "OCCUPIED", "PENDING", "DISTANCE")))
	for _, a := range areas {
		free := fmt.Sprintf("%5d", a.Free)
		if a.Free > 0 {
			free = p.pass.Render(free)
		} else {
			free = p.fail.Render(free)
		}
		dist := "-"
		if a.DistanceMeters > 0 {
			dist = formatDistance(a.DistanceMeters)
		}
		fmt.Fprintf(p.w, "%-20s %s %5d %8d %7d %9s\n", a.AreaID, free, a.Total, a.Occupied, a.Pending, dist)
	}
}

// Summary renders the result of one sync cycle.
func (p *printer) Summary(sum syncengine.Summary) {
	if sum.Coalesced {
		fmt.Fprintf(p.w, "%s Another sync cycle is already running\n", p.warn.Render("!"))
		return
	}

	elapsed := sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond)
	if sum.OK() {
		fmt.Fprintf(p.w, "%s Sync complete in %v\n", p.pass.Render("✓"), elapsed)
	} else {
		fmt.Fprintf(p.w, "%s Sync failed in %v: %v\n", p.fail.Render("✗"), elapsed, sum.Err)
	}
	fmt.Fprintf(p.w, "   Pulled: %d\n", sum.Pulled)
	fmt.Fprintf(p.w, "   Pushed: %d\n", sum.Pushed)
	fmt.Fprintf(p.w, "   Conflicts: %d\n", sum.Conflicted)
	if sum.Failed > 0 {
		fmt.Fprintf(p.w, "   Failed: %s\n", p.warn.Render(fmt.Sprint(sum.Failed)))
	}
	if sum.Repaired > 0 {
		fmt.Fprintf(p.w, "   Repaired: %d\n", sum.Repaired)
	}
	if sum.Pruned > 0 {
		fmt.Fprintf(p.w, "   Pruned: %d\n", sum.Pruned)
	}
	for _, rej := range sum.Rejected {
		note := ""
		if rej.Deleted {
			note = " (local spot removed)"
		}
		fmt.Fprintf(p.w, "   %s %s: %s%s\n", p.fail.Render("rejected"), rej.SpotID, rej.Reason, note)
	}
}

// cacheStatus is the status output when no daemon is involved.
type cacheStatus struct {
	Path     string                 `json:"path" yaml:"path"`
	Counts   localstore.Counts      `json:"counts" yaml:"counts"`
	State    localstore.SyncState   `json:"state" yaml:"state"`
	LastFix  *spot.Sample           `json:"last_fix,omitempty" yaml:"last_fix,omitempty"`
	Remote   string                 `json:"remote" yaml:"remote"`
	Schedule *daemon.SchedulerState `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// Status renders cache status.
func (p *printer) Status(now time.Time, st cacheStatus) {
	fmt.Fprintf(p.w, "\n%s\n\n", p.heading.Render("Parking Cache Status"))
	fmt.Fprintf(p.w, "Location: %s\n", st.Path)
	fmt.Fprintf(p.w, "Remote: %s\n", st.Remote)
	fmt.Fprintf(p.w, "Spots: %d\n", st.Counts.Spots)

	pending := fmt.Sprint(st.Counts.Outbox)
	if st.Counts.Outbox > 0 {
		pending = p.warn.Render(pending)
	}
	fmt.Fprintf(p.w, "Pending edits: %s\n", pending)
	fmt.Fprintf(p.w, "Known stale: %d\n", st.Counts.Stale)
	fmt.Fprintf(p.w, "Last pull: %s\n", formatAge(now, st.State.LastPullAt))
	fmt.Fprintf(p.w, "Last push: %s\n", formatAge(now, st.State.LastPushAt))
	if st.LastFix != nil {
		fmt.Fprintf(p.w, "Last fix: %s (±%.0f m, %s)\n",
			st.LastFix.Location, st.LastFix.AccuracyMeters, formatAge(now, st.LastFix.Timestamp))
	}
	if st.Schedule != nil {
		state := p.pass.Render("online")
		if !st.Schedule.Online {
			state = p.fail.Render("offline")
		}
		fmt.Fprintf(p.w, "Scheduler: %s, next attempt in %s", state, st.Schedule.Delay)
		if st.Schedule.Failures > 0 {
			fmt.Fprintf(p.w, " (%d consecutive failures)", st.Schedule.Failures)
		}
		fmt.Fprintln(p.w)
	}
	if st.Counts.Dirty != st.Counts.Outbox {
		fmt.Fprintf(p.w, "%s %d dirty spots but %d outbox entries; the next sync repairs this\n",
			p.warn.Render("!"), st.Counts.Dirty, st.Counts.Outbox)
	}
	fmt.Fprintln(p.w)
}

// Spot renders a single spot after a local edit.
func (p *printer) Spot(verb string, sp *spot.Spot) {
	fmt.Fprintf(p.w, "%s %s %s: %s at %s\n",
		p.pass.Render("✓"), verb, p.accent.Render(sp.ID),
		p.status[sp.Status].Render(string(sp.Status)), sp.Location)
	if sp.LocalDirty {
		fmt.Fprintf(p.w, "   %s\n", p.muted.Render("queued for the next sync"))
	}
}
