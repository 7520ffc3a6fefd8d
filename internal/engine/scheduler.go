package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/pssdev/depotsync/internal/manifest"
)

// FetchTask is one chunk of one file awaiting download. Tasks live only for
// the duration of a single depot's processing pass.
type FetchTask struct {
	DepotID uint32
	Path    string
	Chunk   manifest.ChunkInfo
	Attempt int
}

type chunkKey struct {
	path   string
	offset int64
}

// Scheduler turns verification output into a bounded, deduplicated queue of
// fetch tasks. The queue channel provides backpressure: Enqueue blocks once
// depth tasks are waiting, so a very large depot never holds its whole chunk
// list in flight at once.
type Scheduler struct {
	tasks chan FetchTask

	mu   sync.Mutex
	seen map[chunkKey]struct{}
}

// NewScheduler creates a scheduler with the given queue depth.
func NewScheduler(depth int) *Scheduler {
	if depth <= 0 {
		depth = 64
	}
	return &Scheduler{
		tasks: make(chan FetchTask, depth),
		seen:  make(map[chunkKey]struct{}),
	}
}

// Enqueue emits one task per bad chunk in ascending offset order, skipping
// (path, offset) pairs already scheduled this run. It blocks while the queue
// is full and returns early if ctx is cancelled.
func (s *Scheduler) Enqueue(ctx context.Context, depotID uint32, path string, bad []manifest.ChunkInfo) error {
	chunks := make([]manifest.ChunkInfo, len(bad))
	copy(chunks, bad)
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Offset < chunks[j].Offset })

	for _, chunk := range chunks {
		key := chunkKey{path: path, offset: chunk.Offset}
		s.mu.Lock()
		if _, dup := s.seen[key]; dup {
			s.mu.Unlock()
			continue
		}
		s.seen[key] = struct{}{}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case s.tasks <- FetchTask{DepotID: depotID, Path: path, Chunk: chunk}:
		}
	}
	return nil
}

// Tasks exposes the queue for consumers. It is closed by Close once the
// producer is done, which releases blocked workers.
func (s *Scheduler) Tasks() <-chan FetchTask {
	return s.tasks
}

// Close signals that no further tasks will be enqueued.
func (s *Scheduler) Close() {
	close(s.tasks)
}
