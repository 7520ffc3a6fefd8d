package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pssdev/depotsync/internal/event"
	"github.com/pssdev/depotsync/internal/fetch"
	"github.com/pssdev/depotsync/internal/manifest"
	"github.com/pssdev/depotsync/internal/stats"
)

// WorkerConfig controls the chunk download workers.
type WorkerConfig struct {
	NumWorkers int
	Fetcher    fetch.Fetcher
	Retry      RetryPolicy
	Stats      *stats.Collector
	Events     chan<- event.Event

	// OnFileDone is invoked exactly once per file, with a nil error on
	// success. Called from worker goroutines.
	OnFileDone func(path string, err error)

	// Cancel, when set, aborts the whole pass on the first file failure
	// (fail-fast mode).
	Cancel context.CancelFunc
}

// WorkerPool runs bounded-concurrency chunk downloads. Workers dequeue fetch
// tasks, call the fetch collaborator, write bytes at their offset into the
// shared file handle, re-verify the hash, and retry transient failures with
// backoff.
type WorkerPool struct {
	cfg WorkerConfig

	mu    sync.Mutex
	files map[string]*fileState
}

// NewWorkerPool creates a worker pool.
func NewWorkerPool(cfg WorkerConfig) *WorkerPool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 6
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &WorkerPool{
		cfg:   cfg,
		files: make(map[string]*fileState),
	}
}

// Track registers an open target file whose chunks are about to be queued.
func (wp *WorkerPool) Track(fs *fileState) {
	wp.mu.Lock()
	wp.files[fs.path] = fs
	wp.mu.Unlock()
}

// Close releases any file handles still open, e.g. after a cancelled run
// left tasks unworked.
func (wp *WorkerPool) Close() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	for _, fs := range wp.files {
		_ = fs.finish()
	}
}

// Run consumes tasks until the channel closes or ctx is cancelled. It blocks
// until all workers have drained.
func (wp *WorkerPool) Run(ctx context.Context, tasks <-chan FetchTask) {
	var wg sync.WaitGroup
	for i := 0; i < wp.cfg.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range tasks {
				select {
				case <-ctx.Done():
					return
				default:
				}
				wp.processTask(ctx, task)
			}
		}()
	}
	wg.Wait()
}

func (wp *WorkerPool) processTask(ctx context.Context, task FetchTask) {
	wp.mu.Lock()
	fs := wp.files[task.Path]
	wp.mu.Unlock()
	if fs == nil {
		return
	}

	// A sibling chunk already sank this file; don't waste a fetch on it.
	if fs.failed() != nil {
		return
	}

	if err := wp.fetchChunk(ctx, fs, task); err != nil {
		wp.failFile(fs, task, err)
		return
	}

	wp.cfg.Stats.AddChunksFetched(1)
	wp.cfg.Stats.AddBytesFetched(task.Chunk.Length)
	wp.emit(event.Event{
		Type:    event.ChunkCompleted,
		DepotID: task.DepotID,
		Path:    task.Path,
		Offset:  task.Chunk.Offset,
		Size:    task.Chunk.Length,
	})

	if fs.remaining.Add(-1) == 0 {
		wp.finishFile(fs, task.DepotID)
	}
}

// fetchChunk runs the bounded retry loop for one chunk. Only transient fetch
// errors and hash mismatches are retried; not-found, auth, and disk errors
// fail immediately.
func (wp *WorkerPool) fetchChunk(ctx context.Context, fs *fileState, task FetchTask) error {
	var lastErr error
	for attempt := task.Attempt + 1; attempt <= wp.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			wp.cfg.Stats.AddChunksRetried(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wp.cfg.Retry.Backoff(attempt - 1)):
			}
		}

		err := wp.attemptChunk(ctx, fs, task, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		retryable := fetch.IsTransient(err) || isHashMismatch(err)
		if !retryable {
			return err
		}

		wp.emit(event.Event{
			Type:    event.ChunkFailed,
			DepotID: task.DepotID,
			Path:    task.Path,
			Offset:  task.Chunk.Offset,
			Attempt: attempt,
			Error:   err,
		})
	}
	return fmt.Errorf("chunk at offset %d: %d attempts exhausted: %w",
		task.Chunk.Offset, wp.cfg.Retry.MaxAttempts, lastErr)
}

func (wp *WorkerPool) attemptChunk(ctx context.Context, fs *fileState, task FetchTask, attempt int) error {
	data, err := wp.cfg.Fetcher.Fetch(ctx, task.DepotID, task.Chunk)
	if err != nil {
		return fmt.Errorf("fetch %s offset %d attempt %d: %w", task.Path, task.Chunk.Offset, attempt, err)
	}
	if int64(len(data)) != task.Chunk.Length {
		return &hashMismatchError{path: task.Path, offset: task.Chunk.Offset,
			detail: fmt.Sprintf("got %d bytes, want %d", len(data), task.Chunk.Length)}
	}

	if _, err := fs.f.WriteAt(data, task.Chunk.Offset); err != nil {
		// Disk full, permissions: fatal for the file, pointless to retry.
		return fmt.Errorf("write %s offset %d: %w", task.Path, task.Chunk.Offset, err)
	}

	if manifest.HashChunk(data) != task.Chunk.Hash {
		return &hashMismatchError{path: task.Path, offset: task.Chunk.Offset, detail: "digest mismatch"}
	}
	return nil
}

func (wp *WorkerPool) failFile(fs *fileState, task FetchTask, err error) {
	wp.cfg.Stats.AddChunksFailed(1)
	if !fs.fail(err) {
		return // a sibling chunk recorded the failure first
	}

	wp.cfg.Stats.AddFilesFailed(1)
	wp.emit(event.Event{
		Type:    event.FileFailed,
		DepotID: task.DepotID,
		Path:    fs.path,
		Error:   err,
	})
	if wp.cfg.OnFileDone != nil {
		wp.cfg.OnFileDone(fs.path, err)
	}
	if wp.cfg.Cancel != nil {
		wp.cfg.Cancel()
	}
}

func (wp *WorkerPool) finishFile(fs *fileState, depotID uint32) {
	if err := fs.finish(); err != nil {
		wp.cfg.Stats.AddFilesFailed(1)
		wp.emit(event.Event{Type: event.FileFailed, DepotID: depotID, Path: fs.path, Error: err})
		if wp.cfg.OnFileDone != nil {
			wp.cfg.OnFileDone(fs.path, err)
		}
		return
	}

	wp.cfg.Stats.AddFilesRepaired(1)
	wp.emit(event.Event{
		Type:    event.FileCompleted,
		DepotID: depotID,
		Path:    fs.path,
		Size:    fs.size,
	})
	if wp.cfg.OnFileDone != nil {
		wp.cfg.OnFileDone(fs.path, nil)
	}
}

func (wp *WorkerPool) emit(e event.Event) {
	if wp.cfg.Events == nil {
		return
	}
	e.Timestamp = time.Now()
	select {
	case wp.cfg.Events <- e:
	default:
	}
}

// hashMismatchError marks written bytes that failed re-verification. Treated
// as a fetch failure and retried.
type hashMismatchError struct {
	path   string
	offset int64
	detail string
}

func (e *hashMismatchError) Error() string {
	return fmt.Sprintf("chunk verify %s offset %d: %s", e.path, e.offset, e.detail)
}

func isHashMismatch(err error) bool {
	var hm *hashMismatchError
	return errors.As(err, &hm)
}
