package engine

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/pssdev/depotsync/internal/fetch"
	"github.com/pssdev/depotsync/internal/manifest"
)

// NewBWLimiter creates a rate.Limiter that caps aggregate download
// throughput to bytesPerSec. The burst is set to 1 MB so typical chunk sizes
// pass through without unnecessary blocking.
func NewBWLimiter(bytesPerSec int64) *rate.Limiter {
	burst := 1 << 20 // 1 MB
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// limitedFetcher wraps a Fetcher and charges each chunk's length against a
// shared bandwidth limiter before the fetch goes out.
type limitedFetcher struct {
	inner   fetch.Fetcher
	limiter *rate.Limiter
}

// LimitFetcher applies limiter to every fetch through inner. A nil limiter
// returns inner unchanged.
func LimitFetcher(inner fetch.Fetcher, limiter *rate.Limiter) fetch.Fetcher {
	if limiter == nil {
		return inner
	}
	return &limitedFetcher{inner: inner, limiter: limiter}
}

func (lf *limitedFetcher) Fetch(ctx context.Context, depotID uint32, chunk manifest.ChunkInfo) ([]byte, error) {
	// Charge in burst-sized pieces; a chunk may exceed the limiter's burst.
	remaining := chunk.Length
	for remaining > 0 {
		n := remaining
		if n > int64(lf.limiter.Burst()) {
			n = int64(lf.limiter.Burst())
		}
		if err := lf.limiter.WaitN(ctx, int(n)); err != nil {
			return nil, err
		}
		remaining -= n
	}
	return lf.inner.Fetch(ctx, depotID, chunk)
}
