// Package progress renders engine events as plain periodic progress lines.
// It is the run's log sink: per-file completions and failures in verbose
// mode, aggregate rate/ETA lines otherwise.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pssdev/depotsync/internal/event"
	"github.com/pssdev/depotsync/internal/stats"
)

// Options configures the reporter.
type Options struct {
	Writer   io.Writer
	Stats    *stats.Collector
	Interval time.Duration // default 1s
	Verbose  bool          // one line per file event
	Quiet    bool          // suppress everything except the summary
}

// Reporter consumes engine events and prints progress. Run blocks until the
// event channel closes.
type Reporter struct {
	opts Options

	mu        sync.Mutex
	lastBytes int64
	lastTick  time.Time
}

// NewReporter creates a reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	return &Reporter{opts: opts}
}

// Run drains events until the channel closes.
func (r *Reporter) Run(events <-chan event.Event) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	r.mu.Lock()
	r.lastTick = time.Now()
	r.mu.Unlock()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.handle(ev)
		case <-ticker.C:
			r.printRate()
		}
	}
}

func (r *Reporter) handle(ev event.Event) {
	if r.opts.Quiet {
		return
	}
	switch ev.Type {
	case event.DepotStarted:
		fmt.Fprintf(r.opts.Writer, "depot %d: verifying\n", ev.DepotID)
	case event.DepotCompleted:
		fmt.Fprintf(r.opts.Writer, "depot %d: complete\n", ev.DepotID)
	case event.DepotFailed:
		fmt.Fprintf(r.opts.Writer, "depot %d: failed: %v\n", ev.DepotID, ev.Error)
	case event.OverwriteDetected:
		fmt.Fprintf(r.opts.Writer, "overwrite: %s (depot %d -> %d)\n", ev.Path, ev.PrevDepot, ev.DepotID)
	case event.FileFailed:
		fmt.Fprintf(r.opts.Writer, "failed: %s: %v\n", ev.Path, ev.Error)
	case event.FileVerified:
		if r.opts.Verbose {
			fmt.Fprintf(r.opts.Writer, "verified: %s (%s)\n", ev.Path, stats.FormatBytes(ev.Size))
		}
	case event.FileQueued:
		if r.opts.Verbose {
			fmt.Fprintf(r.opts.Writer, "fetching: %s (%s missing)\n", ev.Path, stats.FormatBytes(ev.Size))
		}
	case event.FileCompleted:
		if r.opts.Verbose {
			fmt.Fprintf(r.opts.Writer, "repaired: %s (%s)\n", ev.Path, stats.FormatBytes(ev.Size))
		}
	case event.ChunkFailed:
		if r.opts.Verbose {
			fmt.Fprintf(r.opts.Writer, "retrying: %s offset %d attempt %d: %v\n",
				ev.Path, ev.Offset, ev.Attempt, ev.Error)
		}
	}
}

// printRate prints an aggregate throughput line when bytes are moving.
func (r *Reporter) printRate() {
	if r.opts.Quiet || r.opts.Stats == nil {
		return
	}

	r.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(r.lastTick).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	current := r.opts.Stats.BytesFetched()
	delta := current - r.lastBytes
	r.lastBytes = current
	r.lastTick = now
	r.mu.Unlock()

	if delta == 0 {
		return
	}

	speed := float64(delta) / elapsed
	total := r.opts.Stats.BytesTotal()
	line := fmt.Sprintf("fetched %s", stats.FormatBytes(current))
	if total > 0 {
		line += fmt.Sprintf(" / %s (%.1f%%)", stats.FormatBytes(total), float64(current)/float64(total)*100)
	}
	line += fmt.Sprintf(" at %s/s", stats.FormatBytes(int64(speed)))
	if speed > 0 && total > current {
		eta := time.Duration(float64(total-current)/speed) * time.Second
		line += fmt.Sprintf(", ETA %s", formatDuration(eta))
	}
	fmt.Fprintln(r.opts.Writer, line)
}

// Summary renders the end-of-run totals.
func Summary(s stats.Snapshot) string {
	line := fmt.Sprintf("%d files verified, %d repaired (%s fetched in %d chunks)",
		s.FilesVerified, s.FilesRepaired, stats.FormatBytes(s.BytesFetched), s.ChunksFetched)
	if s.FilesFailed > 0 {
		line += fmt.Sprintf(", %d failed", s.FilesFailed)
	}
	if s.Overwrites > 0 {
		line += fmt.Sprintf(", %d overwrites", s.Overwrites)
	}
	line += fmt.Sprintf(" in %s", formatDuration(s.Elapsed))
	return line
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
