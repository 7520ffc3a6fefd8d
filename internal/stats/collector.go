package stats

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Collector tracks download/repair statistics using lock-free atomic counters.
type Collector struct {
	filesVerified  atomic.Int64
	filesRepaired  atomic.Int64
	filesFailed    atomic.Int64
	chunksFetched  atomic.Int64
	chunksFailed   atomic.Int64
	chunksRetried  atomic.Int64
	bytesFetched   atomic.Int64
	bytesVerified  atomic.Int64
	bytesTruncated atomic.Int64
	overwrites     atomic.Int64
	bytesTotal     atomic.Int64
	filesTotal     atomic.Int64
	startTime      time.Time
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetTotals records planned totals (called once per run after planning).
func (c *Collector) SetTotals(files, bytes int64) {
	c.filesTotal.Store(files)
	c.bytesTotal.Store(bytes)
}

func (c *Collector) AddFilesVerified(n int64)  { c.filesVerified.Add(n) }
func (c *Collector) AddFilesRepaired(n int64)  { c.filesRepaired.Add(n) }
func (c *Collector) AddFilesFailed(n int64)    { c.filesFailed.Add(n) }
func (c *Collector) AddChunksFetched(n int64)  { c.chunksFetched.Add(n) }
func (c *Collector) AddChunksFailed(n int64)   { c.chunksFailed.Add(n) }
func (c *Collector) AddChunksRetried(n int64)  { c.chunksRetried.Add(n) }
func (c *Collector) AddBytesFetched(n int64)   { c.bytesFetched.Add(n) }
func (c *Collector) AddBytesVerified(n int64)  { c.bytesVerified.Add(n) }
func (c *Collector) AddBytesTruncated(n int64) { c.bytesTruncated.Add(n) }
func (c *Collector) AddOverwrites(n int64)     { c.overwrites.Add(n) }

// BytesFetched returns the current fetched byte count.
func (c *Collector) BytesFetched() int64 { return c.bytesFetched.Load() }

// BytesTotal returns the planned total byte count.
func (c *Collector) BytesTotal() int64 { return c.bytesTotal.Load() }

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	FilesVerified  int64
	FilesRepaired  int64
	FilesFailed    int64
	ChunksFetched  int64
	ChunksFailed   int64
	ChunksRetried  int64
	BytesFetched   int64
	BytesVerified  int64
	BytesTruncated int64
	Overwrites     int64
	BytesTotal     int64
	FilesTotal     int64
	Elapsed        time.Duration
}

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		FilesVerified:  c.filesVerified.Load(),
		FilesRepaired:  c.filesRepaired.Load(),
		FilesFailed:    c.filesFailed.Load(),
		ChunksFetched:  c.chunksFetched.Load(),
		ChunksFailed:   c.chunksFailed.Load(),
		ChunksRetried:  c.chunksRetried.Load(),
		BytesFetched:   c.bytesFetched.Load(),
		BytesVerified:  c.bytesVerified.Load(),
		BytesTruncated: c.bytesTruncated.Load(),
		Overwrites:     c.overwrites.Load(),
		BytesTotal:     c.bytesTotal.Load(),
		FilesTotal:     c.filesTotal.Load(),
		Elapsed:        c.Elapsed(),
	}
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"verified=%d repaired=%d failed=%d chunks=%d fetched=%s overwrites=%d",
		s.FilesVerified, s.FilesRepaired, s.FilesFailed,
		s.ChunksFetched, FormatBytes(s.BytesFetched), s.Overwrites,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
