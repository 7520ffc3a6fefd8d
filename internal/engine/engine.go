// Package engine implements the manifest-driven download-and-repair core:
// local verification against per-depot chunk lists, scheduling and bounded
// concurrent fetching of the missing byte ranges, and deterministic
// last-writer-wins merging of depots into one target tree.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pssdev/depotsync/internal/event"
	"github.com/pssdev/depotsync/internal/fetch"
	"github.com/pssdev/depotsync/internal/manifest"
	"github.com/pssdev/depotsync/internal/stats"
)

// DepotStatus is the per-depot state machine.
type DepotStatus int

const (
	StatusQueued DepotStatus = iota
	StatusVerifying
	StatusDownloading
	StatusRepairing
	StatusCompleted
	StatusFailed
)

var statusNames = [...]string{
	StatusQueued:      "Queued",
	StatusVerifying:   "Verifying",
	StatusDownloading: "Downloading",
	StatusRepairing:   "Repairing",
	StatusCompleted:   "Completed",
	StatusFailed:      "Failed",
}

func (s DepotStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "Unknown"
}

// Config describes a download/repair run.
type Config struct {
	// Root is the target tree all depots merge into.
	Root string

	// Depots are processed strictly in the order given; a later depot's
	// version of a path supersedes an earlier one's.
	Depots []manifest.Depot

	// Fetcher supplies chunk bytes. Required unless VerifyOnly.
	Fetcher fetch.Fetcher

	Workers    int
	QueueDepth int
	Retry      RetryPolicy

	// FailFast aborts the whole run on the first file failure instead of
	// continuing with the remaining files and depots.
	FailFast bool

	// VerifyOnly inspects the tree and reports what a download would fetch
	// without touching the network. Truncation of corrupt trailers still
	// happens, as it would before a real download.
	VerifyOnly bool

	// RepairPasses is how many extra verify+download cycles to run over
	// files that failed, before giving up on them.
	RepairPasses int

	// BWLimit caps aggregate fetch throughput in bytes/sec. 0 means no cap.
	BWLimit int64

	Events chan<- event.Event
	Stats  *stats.Collector
	Cache  *VerifyCache
}

// DepotResult is the outcome for one depot.
type DepotResult struct {
	DepotID       uint32
	Status        DepotStatus
	FilesPlanned  int
	FilesVerified int
	FilesRepaired int
	Failures      []FileFailure
}

// Result is the outcome of a run. The ownership map and overwrite log are
// populated even on partial failure.
type Result struct {
	Depots       []DepotResult
	Ownership    map[string]uint32
	Overwrites   []OverwriteEntry
	Failures     []FileFailure
	MissingBytes int64 // VerifyOnly: bytes a download would fetch
	MissingFiles int   // VerifyOnly: files needing repair
	Stats        stats.Snapshot
	Err          error
}

// plannedFile is one path the run will verify and, if needed, repair, under
// its final owning depot.
type plannedFile struct {
	depot manifest.Depot
	entry manifest.FileEntry
}

// Run executes a multi-depot download/repair, blocking until complete.
func Run(ctx context.Context, cfg Config) Result {
	if cfg.Root == "" {
		return Result{Err: errors.New("engine: target root is required")}
	}
	if len(cfg.Depots) == 0 {
		return Result{Err: errors.New("engine: no depots to process")}
	}
	if cfg.Fetcher == nil && !cfg.VerifyOnly {
		return Result{Err: errors.New("engine: fetcher is required")}
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return Result{Err: fmt.Errorf("create target root: %w", err)}
	}

	r := &run{cfg: cfg, resolver: NewResolver()}

	if cfg.BWLimit > 0 {
		r.fetcher = LimitFetcher(cfg.Fetcher, NewBWLimiter(cfg.BWLimit))
	} else {
		r.fetcher = cfg.Fetcher
	}

	r.plan()
	result := r.execute(ctx)

	if !cfg.VerifyOnly {
		if err := WriteOverwriteReport(cfg.Root, result.Overwrites); err != nil {
			slog.Warn("failed to write overwrite report", "error", err)
			if result.Err == nil {
				result.Err = err
			}
		}
	}
	if cfg.Cache != nil {
		if err := cfg.Cache.Flush(); err != nil {
			slog.Warn("failed to flush verify cache", "error", err)
		}
	}
	return result
}

type run struct {
	cfg      Config
	fetcher  fetch.Fetcher
	resolver *Resolver

	// owned[i] holds the files depot i finally owns, in manifest order.
	owned [][]plannedFile
}

// plan registers every depot with the resolver strictly in declared order,
// before any bytes move. Ownership conflicts are settled here, so a path
// claimed by both depot A (earlier) and depot B (later) is downloaded only in
// B's version no matter which depot's fetches would have finished first.
func (r *run) plan() {
	finalOwner := make(map[string]int) // path -> depot index

	for i, depot := range r.cfg.Depots {
		for _, f := range depot.Manifest.Files {
			prev, overwrote := r.resolver.Register(f.Path, depot.ID)
			if overwrote {
				r.cfg.Stats.AddOverwrites(1)
				r.emit(event.Event{
					Type:      event.OverwriteDetected,
					DepotID:   depot.ID,
					PrevDepot: prev,
					Path:      f.Path,
				})
			}
			finalOwner[f.Path] = i
		}
	}

	r.owned = make([][]plannedFile, len(r.cfg.Depots))
	var totalFiles, totalBytes int64
	for i, depot := range r.cfg.Depots {
		for _, f := range depot.Manifest.Files {
			if finalOwner[f.Path] != i {
				continue // a later depot supersedes this entry
			}
			r.owned[i] = append(r.owned[i], plannedFile{depot: depot, entry: f})
			totalFiles++
			totalBytes += f.TotalSize
		}
	}
	r.cfg.Stats.SetTotals(totalFiles, totalBytes)
}

func (r *run) execute(ctx context.Context) Result {
	result := Result{}

	for i, depot := range r.cfg.Depots {
		dr := r.processDepot(ctx, depot, r.owned[i], &result)
		result.Depots = append(result.Depots, dr)
		result.Failures = append(result.Failures, dr.Failures...)

		if len(dr.Failures) > 0 && r.cfg.FailFast {
			result.Err = fmt.Errorf("depot %d: %d files failed (fail-fast)", depot.ID, len(dr.Failures))
			break
		}
		if ctx.Err() != nil {
			result.Err = ctx.Err()
			break
		}
	}

	result.Ownership = r.resolver.Ownership()
	result.Overwrites = r.resolver.Overwrites()
	result.Stats = r.cfg.Stats.Snapshot()

	if result.Err == nil && len(result.Failures) > 0 {
		result.Err = fmt.Errorf("%d files failed", len(result.Failures))
	}
	return result
}

func (r *run) processDepot(ctx context.Context, depot manifest.Depot, files []plannedFile, result *Result) DepotResult {
	dr := DepotResult{DepotID: depot.ID, Status: StatusQueued, FilesPlanned: len(files)}
	r.emit(event.Event{Type: event.DepotStarted, DepotID: depot.ID})
	slog.Debug("processing depot", "depot", depot.ID, "files", len(files), "status", StatusVerifying)

	dr.Status = StatusVerifying
	pending := r.runPass(ctx, depot, files, &dr, result, false)
	if dr.FilesVerified == len(files) {
		r.emit(event.Event{Type: event.DepotVerified, DepotID: depot.ID})
	}

	// Optional repair passes over whatever failed, while progress is possible.
	for pass := 0; pass < r.cfg.RepairPasses && len(pending) > 0 && ctx.Err() == nil; pass++ {
		dr.Status = StatusRepairing
		slog.Debug("repair pass", "depot", depot.ID, "pass", pass+1, "files", len(pending))
		pending = r.runPass(ctx, depot, pending, &dr, result, true)
	}

	dr.Failures = r.depotFailures(depot.ID)
	if err := ctx.Err(); err != nil {
		dr.Status = StatusFailed
		r.emit(event.Event{Type: event.DepotFailed, DepotID: depot.ID, Error: err})
		return dr
	}
	if len(dr.Failures) > 0 {
		dr.Status = StatusFailed
		r.emit(event.Event{Type: event.DepotFailed, DepotID: depot.ID,
			Error: fmt.Errorf("%d files failed", len(dr.Failures))})
		return dr
	}

	dr.Status = StatusCompleted
	r.emit(event.Event{Type: event.DepotCompleted, DepotID: depot.ID})
	return dr
}

// runPass verifies each file and downloads its bad chunks. It returns the
// files that failed this pass, for an optional repair pass to take another
// swing at.
func (r *run) runPass(ctx context.Context, depot manifest.Depot, files []plannedFile, dr *DepotResult, result *Result, repairing bool) []plannedFile {
	passCtx := ctx
	var cancel context.CancelFunc
	if r.cfg.FailFast {
		passCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	sched := NewScheduler(r.cfg.QueueDepth)
	pool := NewWorkerPool(WorkerConfig{
		NumWorkers: r.cfg.Workers,
		Fetcher:    r.fetcher,
		Retry:      r.cfg.Retry,
		Stats:      r.cfg.Stats,
		Events:     r.cfg.Events,
		OnFileDone: func(path string, err error) {
			if err != nil {
				r.resolver.MarkFailed(path, err)
				return
			}
			r.resolver.MarkCompleted(path)
			r.recordVerified(path, depot.ID)
		},
		Cancel: cancel,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(passCtx, sched.Tasks())
	}()

	var queuedPaths []string
	for _, pf := range files {
		if passCtx.Err() != nil {
			break
		}
		needsFetch, err := r.verifyAndQueue(passCtx, depot, pf, sched, pool, dr, result)
		if err != nil {
			r.resolver.MarkFailed(pf.entry.Path, err)
			r.cfg.Stats.AddFilesFailed(1)
			r.emit(event.Event{Type: event.FileFailed, DepotID: depot.ID, Path: pf.entry.Path, Error: err})
			continue
		}
		if needsFetch {
			queuedPaths = append(queuedPaths, pf.entry.Path)
			if !repairing {
				dr.Status = StatusDownloading
			}
		}
	}
	sched.Close()
	<-done
	pool.Close()

	// Count repairs only after the pool settles; workers report completion
	// through the resolver.
	for _, p := range queuedPaths {
		if r.resolver.IsCompleted(p) {
			dr.FilesRepaired++
		}
	}

	return r.pendingFiles(depot, files)
}

// verifyAndQueue runs the local verifier for one file and enqueues its bad
// chunks. Returns whether anything was queued.
func (r *run) verifyAndQueue(ctx context.Context, depot manifest.Depot, pf plannedFile, sched *Scheduler, pool *WorkerPool, dr *DepotResult, result *Result) (bool, error) {
	entry := pf.entry
	abs := filepath.Join(r.cfg.Root, filepath.FromSlash(entry.Path))

	// Cache hit: size+mtime unchanged since this depot's version fully
	// verified, skip the rehash entirely.
	if r.cfg.Cache != nil {
		if info, err := os.Stat(abs); err == nil &&
			r.cfg.Cache.IsVerified(entry.Path, depot.ID, info.Size(), info.ModTime().UnixNano()) &&
			info.Size() == entry.TotalSize {
			r.fileVerified(depot.ID, entry, dr)
			return false, nil
		}
	}

	res, err := VerifyFile(entry, abs)
	if err != nil {
		return false, err
	}
	r.cfg.Stats.AddBytesVerified(res.VerifiedPrefix)
	if res.Truncated > 0 {
		r.cfg.Stats.AddBytesTruncated(res.Truncated)
	}

	if res.Complete() {
		// Zero-length files have no chunks to fetch but must still exist.
		if entry.TotalSize == 0 {
			if err := touchEmpty(abs); err != nil {
				return false, err
			}
		}
		r.fileVerified(depot.ID, entry, dr)
		r.recordVerified(entry.Path, depot.ID)
		return false, nil
	}

	if r.cfg.VerifyOnly {
		result.MissingBytes += res.MissingBytes()
		result.MissingFiles++
		r.resolver.MarkFailed(entry.Path, fmt.Errorf("needs %s across %d chunks",
			stats.FormatBytes(res.MissingBytes()), len(res.BadChunks)))
		r.emit(event.Event{Type: event.FileQueued, DepotID: depot.ID, Path: entry.Path,
			Size: res.MissingBytes()})
		return false, nil
	}

	fs, err := openTarget(r.cfg.Root, entry.Path, entry.TotalSize, depot.ID, len(res.BadChunks))
	if err != nil {
		return false, err
	}
	pool.Track(fs)
	r.emit(event.Event{Type: event.FileQueued, DepotID: depot.ID, Path: entry.Path,
		Size: res.MissingBytes()})

	if err := sched.Enqueue(ctx, depot.ID, entry.Path, res.BadChunks); err != nil {
		return true, nil // cancelled mid-enqueue; queued chunks still drain
	}
	return true, nil
}

func (r *run) fileVerified(depotID uint32, entry manifest.FileEntry, dr *DepotResult) {
	r.resolver.MarkCompleted(entry.Path)
	dr.FilesVerified++
	r.cfg.Stats.AddFilesVerified(1)
	r.emit(event.Event{Type: event.FileVerified, DepotID: depotID, Path: entry.Path, Size: entry.TotalSize})
}

// recordVerified stores a cache entry with the file's settled stat.
func (r *run) recordVerified(path string, depotID uint32) {
	if r.cfg.Cache == nil {
		return
	}
	abs := filepath.Join(r.cfg.Root, filepath.FromSlash(path))
	info, err := os.Stat(abs)
	if err != nil {
		return
	}
	if err := r.cfg.Cache.MarkVerified(path, depotID, info.Size(), info.ModTime().UnixNano()); err != nil {
		slog.Debug("verify cache write failed", "path", path, "error", err)
	}
}

// depotFailures returns current failures for paths owned by depotID.
func (r *run) depotFailures(depotID uint32) []FileFailure {
	var out []FileFailure
	for _, f := range r.resolver.Failures() {
		if owner, ok := r.resolver.Owner(f.Path); ok && owner == depotID {
			out = append(out, f)
		}
	}
	return out
}

// pendingFiles returns the planned files still marked failed for the depot.
func (r *run) pendingFiles(depot manifest.Depot, files []plannedFile) []plannedFile {
	failed := make(map[string]struct{})
	for _, f := range r.depotFailures(depot.ID) {
		failed[f.Path] = struct{}{}
	}
	var out []plannedFile
	for _, pf := range files {
		if _, ok := failed[pf.entry.Path]; ok {
			out = append(out, pf)
		}
	}
	return out
}

func (r *run) emit(e event.Event) {
	if r.cfg.Events == nil {
		return
	}
	e.Timestamp = time.Now()
	select {
	case r.cfg.Events <- e:
	default:
	}
}

// touchEmpty ensures an empty file exists at abs.
func touchEmpty(abs string) error {
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
