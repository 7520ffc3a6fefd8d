package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// OverwriteEntry records a later depot superseding an earlier depot's version
// of a path. Entries are kept in resolution order.
type OverwriteEntry struct {
	Path      string
	PrevDepot uint32
	NewDepot  uint32
}

// Resolver tracks which depot owns each path across a multi-depot run.
// Last writer wins by declared depot processing order, never by completion
// time: Register is called strictly in depot order while depots are planned,
// before any of their bytes move, so a later depot's claim is settled even if
// an earlier depot's download would have finished after it. Completion status
// is reported separately per path for the run summary.
type Resolver struct {
	mu        sync.Mutex
	owners    map[string]uint32
	log       []OverwriteEntry
	completed map[string]bool
	failures  map[string]error
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		owners:    make(map[string]uint32),
		completed: make(map[string]bool),
		failures:  make(map[string]error),
	}
}

// Register claims path for depotID. If an earlier depot already owns the
// path, ownership moves to depotID and one overwrite log entry is appended.
// Registering the same depot twice for a path is a no-op. Returns the
// previous owner and whether an overwrite occurred.
func (r *Resolver) Register(path string, depotID uint32) (prev uint32, overwrote bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, owned := r.owners[path]
	if owned && prev != depotID {
		r.log = append(r.log, OverwriteEntry{Path: path, PrevDepot: prev, NewDepot: depotID})
		overwrote = true
	}
	r.owners[path] = depotID
	// An overwritten path must complete again under its new owner.
	if overwrote {
		delete(r.completed, path)
		delete(r.failures, path)
	}
	return prev, overwrote
}

// Owner returns the depot currently owning path.
func (r *Resolver) Owner(path string) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.owners[path]
	return id, ok
}

// MarkCompleted records that the owning depot's version of path is fully on
// disk.
func (r *Resolver) MarkCompleted(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed[path] = true
	delete(r.failures, path)
}

// MarkFailed records why path could not be completed.
func (r *Resolver) MarkFailed(path string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.completed, path)
	r.failures[path] = err
}

// IsCompleted reports whether path completed under its current owner.
func (r *Resolver) IsCompleted(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed[path]
}

// Ownership returns a copy of the final path → depot map.
func (r *Resolver) Ownership() map[string]uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint32, len(r.owners))
	for p, id := range r.owners {
		out[p] = id
	}
	return out
}

// Overwrites returns the overwrite log in resolution order.
func (r *Resolver) Overwrites() []OverwriteEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OverwriteEntry, len(r.log))
	copy(out, r.log)
	return out
}

// Failures returns failed paths and their reasons, sorted by path.
func (r *Resolver) Failures() []FileFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FileFailure, 0, len(r.failures))
	for p, err := range r.failures {
		out = append(out, FileFailure{Path: p, Err: err})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// CompletedCount returns how many paths completed under their final owner.
func (r *Resolver) CompletedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed)
}

// FileFailure pairs a path with the error that sank it.
type FileFailure struct {
	Path string
	Err  error
}

// OverwriteReportName is the engine-owned report written into the target root.
const OverwriteReportName = "overwritten_files.txt"

// WriteOverwriteReport persists the overwrite log as a plain-text report,
// one tab-separated "path  prevDepot  newDepot" line per conflict in
// resolution order. The write goes through a temp file and rename so an
// interrupted run never leaves a half-written report. An empty log still
// produces a report so a re-run observably replaces a stale one.
func WriteOverwriteReport(root string, entries []OverwriteEntry) error {
	final := filepath.Join(root, OverwriteReportName)
	tmp := filepath.Join(root, fmt.Sprintf(".%s.%s.tmp", OverwriteReportName, uuid.New().String()[:8]))

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create report tmp: %w", err)
	}
	defer os.Remove(tmp) // no-op if rename succeeded

	fmt.Fprintln(f, "# File versions from depots listed later in the set were kept.")
	for _, e := range entries {
		fmt.Fprintf(f, "%s\t%d\t%d\n", e.Path, e.PrevDepot, e.NewDepot)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close report tmp: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename report: %w", err)
	}
	return nil
}
