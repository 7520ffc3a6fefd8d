package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// fileState tracks one target file while its chunks are in flight. The
// *os.File is shared across workers; WriteAt on disjoint ranges is the
// thread-safe write primitive, so no data-region locking is needed.
type fileState struct {
	path      string // relative to the install root
	depotID   uint32
	f         *os.File
	size      int64
	remaining atomic.Int64

	mu     sync.Mutex
	err    error
	closed bool
}

// fail records the first error for the file and closes the handle. Later
// calls keep the original error.
func (fs *fileState) fail(err error) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.err != nil {
		return false
	}
	fs.err = err
	if !fs.closed {
		fs.closed = true
		fs.f.Close()
	}
	return true
}

// failed returns the recorded error, if any.
func (fs *fileState) failed() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.err
}

// finish closes the handle after the last chunk landed.
func (fs *fileState) finish() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil
	}
	fs.closed = true
	return fs.f.Close()
}

// openTarget opens (creating as needed) the target file for concurrent
// per-offset writes and preallocates its full size so chunk writes land in
// contiguous extents.
func openTarget(root, relPath string, size int64, depotID uint32, chunks int) (*fileState, error) {
	abs := filepath.Join(root, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create parent dir for %s: %w", relPath, err)
	}

	f, err := os.OpenFile(abs, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open target %s: %w", relPath, err)
	}
	preallocate(f, size)

	fs := &fileState{
		path:    relPath,
		depotID: depotID,
		f:       f,
		size:    size,
	}
	fs.remaining.Store(int64(chunks))
	return fs, nil
}
