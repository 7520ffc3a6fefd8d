package engine

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pssdev/depotsync/internal/manifest"
)

// VerificationResult describes how much of a local file is already correct.
// Computed fresh each run, never persisted.
type VerificationResult struct {
	// VerifiedPrefix is the byte length of the longest run of chunks from
	// offset 0 that all hash-match the manifest.
	VerifiedPrefix int64

	// BadChunks are the chunks that must be fetched: the first failing chunk
	// and everything after it, in ascending offset order.
	BadChunks []manifest.ChunkInfo

	// Truncated is how many stale trailing bytes were cut from the local file.
	Truncated int64
}

// Complete reports whether the whole file verified.
func (r VerificationResult) Complete() bool {
	return len(r.BadChunks) == 0
}

// MissingBytes returns the number of bytes that need fetching.
func (r VerificationResult) MissingBytes() int64 {
	var n int64
	for _, c := range r.BadChunks {
		n += c.Length
	}
	return n
}

// VerifyFile checks the local file at path against entry's chunk list and
// truncates it to the verified-prefix boundary when trailing bytes cannot be
// trusted. A file is trusted up to its first failed chunk and no further:
// once the prefix breaks, later bytes are unverifiable by offset, so they are
// all scheduled for refetch rather than patched around. An unreadable or
// missing file is treated as fully missing, never as an error that stops the
// run. No network access happens here.
func VerifyFile(entry manifest.FileEntry, path string) (VerificationResult, error) {
	f, err := os.Open(path)
	if err != nil {
		// Missing or unreadable: everything is bad, nothing to truncate.
		return VerificationResult{BadChunks: entry.Chunks}, nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return VerificationResult{BadChunks: entry.Chunks}, nil
	}
	localSize := info.Size()

	var verified int64
	failedAt := len(entry.Chunks)
	buf := make([]byte, 0)

	for i, chunk := range entry.Chunks {
		if localSize < chunk.End() {
			failedAt = i
			break
		}
		if int64(cap(buf)) < chunk.Length {
			buf = make([]byte, chunk.Length)
		}
		buf = buf[:chunk.Length]
		if _, err := f.ReadAt(buf, chunk.Offset); err != nil && !errors.Is(err, io.EOF) {
			failedAt = i
			break
		}
		if manifest.HashChunk(buf) != chunk.Hash {
			failedAt = i
			break
		}
		verified = chunk.End()
	}

	result := VerificationResult{
		VerifiedPrefix: verified,
		BadChunks:      entry.Chunks[failedAt:],
	}

	// Drop stale trailing bytes so a resumed download never confuses them
	// with verified content. A fully-verified file longer than its manifest
	// size gets the same treatment.
	if localSize > verified {
		f.Close()
		if err := os.Truncate(path, verified); err != nil {
			return result, fmt.Errorf("truncate %s to %d: %w", path, verified, err)
		}
		result.Truncated = localSize - verified
	}
	return result, nil
}
