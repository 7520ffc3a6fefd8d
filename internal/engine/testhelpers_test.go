package engine

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pssdev/depotsync/internal/fetch"
	"github.com/pssdev/depotsync/internal/manifest"
)

// buildEntry splits data into chunkSize pieces and returns the manifest
// entry describing it.
func buildEntry(t *testing.T, path string, data []byte, chunkSize int) manifest.FileEntry {
	t.Helper()
	require.Positive(t, chunkSize)

	entry := manifest.FileEntry{Path: path, TotalSize: int64(len(data))}
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		entry.Chunks = append(entry.Chunks, manifest.ChunkInfo{
			Offset: int64(off),
			Length: int64(end - off),
			Hash:   manifest.HashChunk(data[off:end]),
		})
	}
	require.NoError(t, entry.Validate())
	return entry
}

// buildDepot assembles a depot from path → contents, chunked at chunkSize.
// Files are added in sorted-map-iteration-independent order via the paths
// slice to keep manifests deterministic.
func buildDepot(t *testing.T, id uint32, paths []string, contents map[string][]byte, chunkSize int) manifest.Depot {
	t.Helper()
	d := manifest.Depot{ID: id, ManifestGID: uint64(id) * 100}
	for _, p := range paths {
		d.Manifest.Files = append(d.Manifest.Files, buildEntry(t, p, contents[p], chunkSize))
	}
	require.NoError(t, d.Manifest.Validate())
	return d
}

// fakeFetcher serves chunks from an in-memory content-addressed store and
// counts every fetch. Failures can be injected per hash.
type fakeFetcher struct {
	mu     sync.Mutex
	chunks map[string][]byte // hash → plaintext
	fail   map[string]func() error

	calls   atomic.Int64
	fetched sync.Map // hash → *atomic.Int64
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		chunks: make(map[string][]byte),
		fail:   make(map[string]func() error),
	}
}

// addDepot registers all chunk bytes of every file in the depot.
func (f *fakeFetcher) addDepot(d manifest.Depot, contents map[string][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, file := range d.Manifest.Files {
		data := contents[file.Path]
		for _, c := range file.Chunks {
			f.chunks[c.Hash] = append([]byte(nil), data[c.Offset:c.End()]...)
		}
	}
}

// failWith injects an error generator for a chunk hash. Returning nil from
// the generator lets the fetch succeed.
func (f *fakeFetcher) failWith(hash string, gen func() error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[hash] = gen
}

// failNTimes makes the chunk fail with a transient error n times, then
// succeed.
func (f *fakeFetcher) failNTimes(hash string, n int) {
	var left atomic.Int64
	left.Store(int64(n))
	f.failWith(hash, func() error {
		if left.Add(-1) >= 0 {
			return fetch.Transient(fmt.Errorf("injected failure for %s", hash[:8]))
		}
		return nil
	})
}

func (f *fakeFetcher) Fetch(_ context.Context, _ uint32, chunk manifest.ChunkInfo) ([]byte, error) {
	f.calls.Add(1)
	counter, _ := f.fetched.LoadOrStore(chunk.Hash, &atomic.Int64{})
	counter.(*atomic.Int64).Add(1)

	f.mu.Lock()
	gen := f.fail[chunk.Hash]
	data, ok := f.chunks[chunk.Hash]
	f.mu.Unlock()

	if gen != nil {
		if err := gen(); err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fetch.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// fetchCount returns how many times the given chunk hash was requested.
func (f *fakeFetcher) fetchCount(hash string) int64 {
	counter, ok := f.fetched.Load(hash)
	if !ok {
		return 0
	}
	return counter.(*atomic.Int64).Load()
}

// corruptingFetcher always returns bytes that cannot hash-match.
type corruptingFetcher struct{}

func (corruptingFetcher) Fetch(_ context.Context, _ uint32, chunk manifest.ChunkInfo) ([]byte, error) {
	return bytes.Repeat([]byte{0xAB}, int(chunk.Length)), nil
}

// fastRetry keeps test retries away from real backoff waits.
func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		Backoff:     func(int) time.Duration { return 0 },
	}
}
