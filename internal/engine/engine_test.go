package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pssdev/depotsync/internal/fetch"
	"github.com/pssdev/depotsync/internal/manifest"
	"github.com/pssdev/depotsync/internal/stats"
)

const testChunkSize = 64

func runTest(t *testing.T, root string, depots []manifest.Depot, fetcher fetch.Fetcher, mutate ...func(*Config)) Result {
	t.Helper()
	cfg := Config{
		Root:       root,
		Depots:     depots,
		Fetcher:    fetcher,
		Workers:    3,
		QueueDepth: 8,
		Retry:      fastRetry(3),
		Stats:      stats.NewCollector(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return Run(context.Background(), cfg)
}

func readFile(t *testing.T, root, rel string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, rel))
	require.NoError(t, err)
	return data
}

func TestRun_FreshDownload(t *testing.T) {
	root := t.TempDir()
	contents := map[string][]byte{
		"game.bin":       []byte(strings.Repeat("abcdefgh", 40)), // 5 chunks
		"data/strings":   []byte("short file"),
		"data/empty.dat": {},
	}
	paths := []string{"game.bin", "data/strings", "data/empty.dat"}
	depot := buildDepot(t, 440, paths, contents, testChunkSize)

	fetcher := newFakeFetcher()
	fetcher.addDepot(depot, contents)

	result := runTest(t, root, []manifest.Depot{depot}, fetcher)
	require.NoError(t, result.Err)

	for _, p := range paths {
		assert.Equal(t, contents[p], readFile(t, root, p), p)
	}

	require.Len(t, result.Depots, 1)
	assert.Equal(t, StatusCompleted, result.Depots[0].Status)
	assert.Equal(t, 2, result.Depots[0].FilesRepaired) // empty file verifies, never downloads
	assert.Equal(t, uint32(440), result.Ownership["game.bin"])
	assert.Empty(t, result.Overwrites)

	// 5 + 1 chunks, each fetched exactly once.
	assert.Equal(t, int64(6), fetcher.calls.Load())

	// Report exists even with no conflicts.
	report := readFile(t, root, OverwriteReportName)
	assert.True(t, strings.HasPrefix(string(report), "#"))
}

func TestRun_Idempotence(t *testing.T) {
	root := t.TempDir()
	contents := map[string][]byte{
		"a.bin": []byte(strings.Repeat("0123456789abcdef", 20)),
		"b.bin": []byte("tiny"),
	}
	depot := buildDepot(t, 1, []string{"a.bin", "b.bin"}, contents, testChunkSize)

	fetcher := newFakeFetcher()
	fetcher.addDepot(depot, contents)

	first := runTest(t, root, []manifest.Depot{depot}, fetcher)
	require.NoError(t, first.Err)

	second := runTest(t, root, []manifest.Depot{depot}, fetcher)
	require.NoError(t, second.Err)

	// Second run fetches nothing and finds the same (empty) overwrite log.
	assert.Equal(t, int64(0), second.Stats.ChunksFetched)
	assert.Equal(t, first.Overwrites, second.Overwrites)
	assert.Equal(t, int64(2), second.Stats.FilesVerified)
	assert.Equal(t, StatusCompleted, second.Depots[0].Status)
}

func TestRun_Resumability(t *testing.T) {
	root := t.TempDir()
	data := []byte(strings.Repeat("resumable-content!", 16)) // 288 bytes, 5 chunks
	contents := map[string][]byte{"big.bin": data}
	depot := buildDepot(t, 7, []string{"big.bin"}, contents, testChunkSize)
	entry := depot.Manifest.Files[0]

	fetcher := newFakeFetcher()
	fetcher.addDepot(depot, contents)

	require.NoError(t, runTest(t, root, []manifest.Depot{depot}, fetcher).Err)

	// Corrupt one byte inside chunk 2; chunks 0 and 1 stay intact.
	abs := filepath.Join(root, "big.bin")
	corrupted := append([]byte(nil), data...)
	corruptAt := entry.Chunks[2].Offset + 5
	corrupted[corruptAt] ^= 0xFF
	require.NoError(t, os.WriteFile(abs, corrupted, 0o644))

	refetch := newFakeFetcher()
	refetch.addDepot(depot, contents)
	result := runTest(t, root, []manifest.Depot{depot}, refetch)
	require.NoError(t, result.Err)

	// Only the chunks at and after the corruption are refetched.
	assert.Equal(t, int64(0), refetch.fetchCount(entry.Chunks[0].Hash))
	assert.Equal(t, int64(0), refetch.fetchCount(entry.Chunks[1].Hash))
	assert.Equal(t, int64(1), refetch.fetchCount(entry.Chunks[2].Hash))
	assert.Equal(t, int64(1), refetch.fetchCount(entry.Chunks[3].Hash))
	assert.Equal(t, int64(1), refetch.fetchCount(entry.Chunks[4].Hash))

	assert.Equal(t, data, readFile(t, root, "big.bin"))
}

func TestRun_OrderDeterminismOfConflicts(t *testing.T) {
	root := t.TempDir()
	aContents := map[string][]byte{"x": []byte(strings.Repeat("AAAA", 40)), "only-a": []byte("a data")}
	bContents := map[string][]byte{"x": []byte(strings.Repeat("BBBB", 40))}

	depotA := buildDepot(t, 100, []string{"x", "only-a"}, aContents, testChunkSize)
	depotB := buildDepot(t, 200, []string{"x"}, bContents, testChunkSize)

	fetcher := newFakeFetcher()
	fetcher.addDepot(depotA, aContents)
	fetcher.addDepot(depotB, bContents)

	result := runTest(t, root, []manifest.Depot{depotA, depotB}, fetcher)
	require.NoError(t, result.Err)

	// B owns /x regardless of any completion timing; exactly one log entry.
	assert.Equal(t, uint32(200), result.Ownership["x"])
	require.Len(t, result.Overwrites, 1)
	assert.Equal(t, OverwriteEntry{Path: "x", PrevDepot: 100, NewDepot: 200}, result.Overwrites[0])
	assert.Equal(t, bContents["x"], readFile(t, root, "x"))
	assert.Equal(t, aContents["only-a"], readFile(t, root, "only-a"))

	// A's superseded version of /x is never fetched at all.
	for _, c := range depotA.Manifest.Files[0].Chunks {
		assert.Zero(t, fetcher.fetchCount(c.Hash))
	}

	// The report records the conflict in resolution order.
	report := string(readFile(t, root, OverwriteReportName))
	assert.Contains(t, report, "x\t100\t200")
}

func TestRun_ExampleScenario(t *testing.T) {
	// game.bin has 3 chunks; the local file matches chunk 0 but not chunk 1.
	root := t.TempDir()
	data := []byte(strings.Repeat("h0", 32) + strings.Repeat("h1", 32) + strings.Repeat("h2", 32))
	contents := map[string][]byte{"game.bin": data}
	depot := buildDepot(t, 440, []string{"game.bin"}, contents, testChunkSize)
	entry := depot.Manifest.Files[0]
	require.Len(t, entry.Chunks, 3)

	local := append([]byte(nil), data...)
	local[entry.Chunks[1].Offset] ^= 0x01
	require.NoError(t, os.WriteFile(filepath.Join(root, "game.bin"), local, 0o644))

	fetcher := newFakeFetcher()
	fetcher.addDepot(depot, contents)

	result := runTest(t, root, []manifest.Depot{depot}, fetcher)
	require.NoError(t, result.Err)

	// Chunk 2 is refetched too: once the prefix breaks, trailing bytes are
	// not trusted even if they would have matched.
	assert.Equal(t, int64(0), fetcher.fetchCount(entry.Chunks[0].Hash))
	assert.Equal(t, int64(1), fetcher.fetchCount(entry.Chunks[1].Hash))
	assert.Equal(t, int64(1), fetcher.fetchCount(entry.Chunks[2].Hash))
	assert.Equal(t, data, readFile(t, root, "game.bin"))
}

func TestRun_PartialFailureContinues(t *testing.T) {
	root := t.TempDir()
	contents := map[string][]byte{
		"good.bin": []byte(strings.Repeat("good", 32)),
		"bad.bin":  []byte(strings.Repeat("bad!", 32)),
	}
	depot := buildDepot(t, 9, []string{"good.bin", "bad.bin"}, contents, testChunkSize)

	fetcher := newFakeFetcher()
	fetcher.addDepot(depot, contents)
	// Every fetch of bad.bin's first chunk is a hard miss.
	missing := depot.Manifest.Files[1].Chunks[0].Hash
	fetcher.failWith(missing, func() error { return fetch.ErrNotFound })

	result := runTest(t, root, []manifest.Depot{depot}, fetcher, func(c *Config) {
		c.RepairPasses = 0
	})
	require.Error(t, result.Err)

	// The sibling file still completed.
	assert.Equal(t, contents["good.bin"], readFile(t, root, "good.bin"))

	require.Len(t, result.Failures, 1)
	assert.Equal(t, "bad.bin", result.Failures[0].Path)
	assert.ErrorIs(t, result.Failures[0].Err, fetch.ErrNotFound)
	assert.Contains(t, result.Failures[0].Err.Error(), "offset")
	assert.Equal(t, StatusFailed, result.Depots[0].Status)

	// Not-found is not retryable: exactly one attempt.
	assert.Equal(t, int64(1), fetcher.fetchCount(missing))
}

func TestRun_FailFastStopsLaterDepots(t *testing.T) {
	root := t.TempDir()
	aContents := map[string][]byte{"a.bin": []byte(strings.Repeat("aa", 40))}
	bContents := map[string][]byte{"b.bin": []byte(strings.Repeat("bb", 40))}
	depotA := buildDepot(t, 1, []string{"a.bin"}, aContents, testChunkSize)
	depotB := buildDepot(t, 2, []string{"b.bin"}, bContents, testChunkSize)

	fetcher := newFakeFetcher()
	fetcher.addDepot(depotB, bContents)
	// Depot A's chunks are never registered: hard failure.

	result := runTest(t, root, []manifest.Depot{depotA, depotB}, fetcher, func(c *Config) {
		c.FailFast = true
		c.RepairPasses = 0
	})
	require.Error(t, result.Err)
	assert.Len(t, result.Depots, 1)
	assert.NoFileExists(t, filepath.Join(root, "b.bin"))
}

func TestRun_RepairPassRecoversFlakyChunk(t *testing.T) {
	root := t.TempDir()
	contents := map[string][]byte{"f.bin": []byte(strings.Repeat("flaky", 40))}
	depot := buildDepot(t, 3, []string{"f.bin"}, contents, testChunkSize)

	fetcher := newFakeFetcher()
	fetcher.addDepot(depot, contents)
	// Fail more times than one pass's retry budget; the repair pass finishes
	// the job.
	flaky := depot.Manifest.Files[0].Chunks[1].Hash
	fetcher.failNTimes(flaky, 4)

	result := runTest(t, root, []manifest.Depot{depot}, fetcher, func(c *Config) {
		c.Retry = fastRetry(3)
		c.RepairPasses = 1
	})
	require.NoError(t, result.Err)
	assert.Equal(t, StatusCompleted, result.Depots[0].Status)
	assert.Equal(t, contents["f.bin"], readFile(t, root, "f.bin"))
}

func TestRun_VerifyOnly(t *testing.T) {
	root := t.TempDir()
	data := []byte(strings.Repeat("verify-me!", 20)) // 200 bytes, 4 chunks
	contents := map[string][]byte{"v.bin": data}
	depot := buildDepot(t, 5, []string{"v.bin"}, contents, testChunkSize)
	entry := depot.Manifest.Files[0]

	// Local copy is corrupt from chunk 1 on.
	local := append([]byte(nil), data...)
	local[entry.Chunks[1].Offset+3] ^= 0x10
	require.NoError(t, os.WriteFile(filepath.Join(root, "v.bin"), local, 0o644))

	result := runTest(t, root, []manifest.Depot{depot}, nil, func(c *Config) {
		c.VerifyOnly = true
		c.RepairPasses = 0
	})
	require.Error(t, result.Err)

	assert.Equal(t, 1, result.MissingFiles)
	var wantMissing int64
	for _, c := range entry.Chunks[1:] {
		wantMissing += c.Length
	}
	assert.Equal(t, wantMissing, result.MissingBytes)

	// Truncation safety: the local file is cut back to the verified prefix
	// even in verify-only mode.
	info, err := os.Stat(filepath.Join(root, "v.bin"))
	require.NoError(t, err)
	assert.Equal(t, entry.Chunks[0].End(), info.Size())

	// No report in verify-only mode.
	assert.NoFileExists(t, filepath.Join(root, OverwriteReportName))
}

func TestRun_ChunkIntegrityNeverReportsCorruptBytes(t *testing.T) {
	root := t.TempDir()
	contents := map[string][]byte{"c.bin": []byte(strings.Repeat("integrity", 16))}
	depot := buildDepot(t, 11, []string{"c.bin"}, contents, testChunkSize)

	result := runTest(t, root, []manifest.Depot{depot}, corruptingFetcher{}, func(c *Config) {
		c.Retry = fastRetry(2)
		c.RepairPasses = 0
	})
	require.Error(t, result.Err)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, int64(0), result.Stats.ChunksFetched)
	assert.Equal(t, int64(0), result.Stats.FilesRepaired)
	assert.Equal(t, StatusFailed, result.Depots[0].Status)
}

func TestRun_Cancellation(t *testing.T) {
	root := t.TempDir()
	contents := map[string][]byte{"x.bin": []byte(strings.Repeat("xx", 80))}
	depot := buildDepot(t, 6, []string{"x.bin"}, contents, testChunkSize)

	fetcher := newFakeFetcher()
	fetcher.addDepot(depot, contents)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := Run(ctx, Config{
		Root:    root,
		Depots:  []manifest.Depot{depot},
		Fetcher: fetcher,
		Workers: 2,
		Retry:   fastRetry(2),
		Stats:   stats.NewCollector(),
	})
	require.Error(t, result.Err)

	// A fresh run against the same tree completes normally.
	second := runTest(t, root, []manifest.Depot{depot}, fetcher)
	require.NoError(t, second.Err)
	assert.Equal(t, contents["x.bin"], readFile(t, root, "x.bin"))
}

func TestRun_ConfigValidation(t *testing.T) {
	result := Run(context.Background(), Config{})
	require.Error(t, result.Err)

	result = Run(context.Background(), Config{Root: t.TempDir()})
	require.Error(t, result.Err)

	depot := buildDepot(t, 1, []string{"f"}, map[string][]byte{"f": []byte("x")}, 4)
	result = Run(context.Background(), Config{Root: t.TempDir(), Depots: []manifest.Depot{depot}})
	require.Error(t, result.Err) // fetcher required outside verify-only
}
