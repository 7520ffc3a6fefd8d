package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/pssdev/depotsync/internal/manifest"
)

type staticFetcher struct{ data []byte }

func (s staticFetcher) Fetch(context.Context, uint32, manifest.ChunkInfo) ([]byte, error) {
	return s.data, nil
}

func TestLimitFetcher_NilLimiterPassesThrough(t *testing.T) {
	inner := staticFetcher{data: []byte("x")}
	assert.Equal(t, inner, LimitFetcher(inner, nil))
}

func TestLimitFetcher_ChunkBiggerThanBurst(t *testing.T) {
	data := make([]byte, 4096)
	// High rate, tiny burst: the chunk needs several WaitN rounds but none
	// of them should block for long.
	limiter := rate.NewLimiter(rate.Limit(1<<30), 1024)
	f := LimitFetcher(staticFetcher{data: data}, limiter)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	got, err := f.Fetch(ctx, 1, manifest.ChunkInfo{Length: int64(len(data))})
	require.NoError(t, err)
	assert.Len(t, got, len(data))
}

func TestLimitFetcher_CancelledContext(t *testing.T) {
	limiter := NewBWLimiter(1) // 1 B/s guarantees the second wait blocks
	f := LimitFetcher(staticFetcher{data: make([]byte, 64)}, limiter)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Fetch(ctx, 1, manifest.ChunkInfo{Length: 64})
	assert.Error(t, err)
}

func TestNewBWLimiter_BurstClamp(t *testing.T) {
	assert.Equal(t, 512, NewBWLimiter(512).Burst())
	assert.Equal(t, 1<<20, NewBWLimiter(100<<20).Burst())
}

func TestDepotStatusString(t *testing.T) {
	assert.Equal(t, "Queued", StatusQueued.String())
	assert.Equal(t, "Downloading", StatusDownloading.String())
	assert.Equal(t, "Completed", StatusCompleted.String())
	assert.Equal(t, "Unknown", DepotStatus(42).String())
}
