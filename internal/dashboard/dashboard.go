// Package dashboard renders live scanner statistics to a terminal.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/screa/coin-finder/pkg/stats"
)

// DefaultRefreshInterval is used when no interval is configured
const DefaultRefreshInterval = 250 * time.Millisecond

const clearScreen = "\033[H\033[2J"

// SnapshotSource is anything that can produce a statistics snapshot
type SnapshotSource interface {
	Snapshot() stats.Snapshot
}

// Info describes the run shown in the dashboard header
type Info struct {
	Provider  string
	Workers   int
	BatchSize int
	SessionID string
}

var (
	titleColor = color.New(color.FgCyan, color.Bold)
	labelColor = color.New(color.FgWhite)
	valueColor = color.New(color.FgGreen)
	hitColor   = color.New(color.FgYellow, color.Bold)
	errColor   = color.New(color.FgRed)
)

// Dashboard polls a snapshot source and redraws the terminal
type Dashboard struct {
	source   SnapshotSource
	out      io.Writer
	info     Info
	interval time.Duration
	clear    bool
}

// New creates a dashboard writing to out. The screen is cleared between
// frames only when colour output is enabled, which implies a terminal.
func New(source SnapshotSource, out io.Writer, info Info, interval time.Duration) *Dashboard {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Dashboard{
		source:   source,
		out:      out,
		info:     info,
		interval: interval,
		clear:    !color.NoColor,
	}
}

// Run redraws every interval until ctx is cancelled, then draws a final frame
func (d *Dashboard) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.draw()
			return
		case <-ticker.C:
			d.draw()
		}
	}
}

func (d *Dashboard) draw() {
	if d.clear {
		fmt.Fprint(d.out, clearScreen)
	}
	Render(d.out, d.source.Snapshot(), d.info)
}

// Render writes one frame for snap
func Render(w io.Writer, snap stats.Snapshot, info Info) {
	row := func(label, format string, args ...any) {
		labelColor.Fprintf(w, "  %-16s", label)
		valueColor.Fprintf(w, format, args...)
		fmt.Fprintln(w)
	}

	titleColor.Fprintf(w, "coin-finder  provider=%s  workers=%d  batch=%d", info.Provider, info.Workers, info.BatchSize)
	fmt.Fprintln(w)
	if info.SessionID != "" {
		labelColor.Fprintf(w, "session %s", info.SessionID)
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w)

	titleColor.Fprintln(w, "Session")
	row("uptime", "%s", formatDuration(snap.Uptime))
	row("batches", "%d", snap.TotalBatches)
	row("keys generated", "%d", snap.TotalKeysGenerated)
	row("requests", "%d", snap.TotalRequests)
	row("hits", "%d", snap.TotalHits)
	labelColor.Fprintf(w, "  %-16s", "errors")
	if snap.TotalErrors > 0 {
		errColor.Fprintf(w, "%d", snap.TotalErrors)
	} else {
		valueColor.Fprintf(w, "%d", snap.TotalErrors)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w)

	titleColor.Fprintf(w, "Rates (%s window)", formatDuration(stats.Window))
	fmt.Fprintln(w)
	row("keys/s", "%.1f", snap.KeysPerSec)
	row("requests/s", "%.1f", snap.RequestsPerSec)
	row("hits/s", "%.3f", snap.HitsPerSec)
	row("last batch", "%s", snap.LastBatchDuration.Round(time.Millisecond))
	row("last rpc", "%s", snap.LastRPCLatency.Round(time.Millisecond))
	fmt.Fprintln(w)

	if snap.Persistent {
		titleColor.Fprintln(w, "Lifetime")
	} else {
		titleColor.Fprintln(w, "Lifetime (this session only)")
	}
	row("runtime", "%s", formatDuration(snap.LifetimeRuntime))
	row("keys generated", "%d", snap.LifetimeKeys)
	row("hits", "%d", snap.LifetimeHits)
	row("keys/s", "%.1f", snap.LifetimeKeysPerSec)
	row("hit chance", "%.3e", snap.LifetimeHitChance)
	fmt.Fprintln(w)

	labelColor.Fprint(w, "Last hit: ")
	if snap.LastHit != "" {
		hitColor.Fprint(w, snap.LastHit)
	} else {
		valueColor.Fprint(w, "none")
	}
	fmt.Fprintln(w)
}

// LogProgress is the non-interactive alternative to Run: it writes one log
// line per interval until ctx is cancelled.
func LogProgress(ctx context.Context, source SnapshotSource, interval time.Duration, log logrus.FieldLogger) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := source.Snapshot()
			log.WithFields(progressFields(snap)).Info("progress")
		}
	}
}

func progressFields(snap stats.Snapshot) logrus.Fields {
	return logrus.Fields{
		"uptime":     formatDuration(snap.Uptime),
		"keys":       snap.TotalKeysGenerated,
		"requests":   snap.TotalRequests,
		"hits":       snap.TotalHits,
		"errors":     snap.TotalErrors,
		"keys_per_s": fmt.Sprintf("%.1f", snap.KeysPerSec),
		"last_hit":   snap.LastHit,
	}
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%.1fh", d.Hours())
	}
	days := d.Hours() / 24
	if days < 365 {
		return fmt.Sprintf("%.1fd", days)
	}
	return fmt.Sprintf("%.1fy", days/365)
}
