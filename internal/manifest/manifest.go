// Package manifest holds the parsed content description the engine consumes:
// depots, per-file chunk lists, and the chunk hash primitive. Decoding the
// remote network's opaque manifest blobs is a collaborator's job; everything
// here is already plaintext.
package manifest

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// ChunkInfo describes one contiguous byte range of a file and the hash its
// contents must match. Immutable once constructed.
type ChunkInfo struct {
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
	Hash   string `json:"hash"` // hex-encoded BLAKE3-256 of the chunk bytes
}

// End returns the exclusive end offset of the chunk.
func (c ChunkInfo) End() int64 {
	return c.Offset + c.Length
}

// FileEntry describes one file in a depot: its path relative to the install
// root and its ordered chunk breakdown.
type FileEntry struct {
	Path      string      `json:"path"`
	TotalSize int64       `json:"size"`
	Chunks    []ChunkInfo `json:"chunks"`
}

// Validate checks the chunk-list invariant: chunks are contiguous,
// non-overlapping, in offset order, and sum to TotalSize.
func (f FileEntry) Validate() error {
	if f.Path == "" {
		return fmt.Errorf("file entry has empty path")
	}
	if f.TotalSize < 0 {
		return fmt.Errorf("%s: negative size %d", f.Path, f.TotalSize)
	}
	var next int64
	for i, c := range f.Chunks {
		if c.Offset != next {
			return fmt.Errorf("%s: chunk %d starts at %d, want %d", f.Path, i, c.Offset, next)
		}
		if c.Length <= 0 {
			return fmt.Errorf("%s: chunk %d has length %d", f.Path, i, c.Length)
		}
		if len(c.Hash) != 64 {
			return fmt.Errorf("%s: chunk %d has malformed hash %q", f.Path, i, c.Hash)
		}
		next = c.End()
	}
	if next != f.TotalSize {
		return fmt.Errorf("%s: chunks cover %d bytes, file size is %d", f.Path, next, f.TotalSize)
	}
	return nil
}

// Manifest is the decoded content description for one depot.
type Manifest struct {
	Files []FileEntry `json:"files"`
}

// Validate checks every file entry and rejects duplicate paths within one
// manifest (duplicates across depots are legitimate and resolved by order).
func (m Manifest) Validate() error {
	seen := make(map[string]struct{}, len(m.Files))
	for _, f := range m.Files {
		if err := f.Validate(); err != nil {
			return err
		}
		if _, dup := seen[f.Path]; dup {
			return fmt.Errorf("%s: duplicate path within manifest", f.Path)
		}
		seen[f.Path] = struct{}{}
	}
	return nil
}

// TotalBytes returns the sum of all file sizes in the manifest.
func (m Manifest) TotalBytes() int64 {
	var n int64
	for _, f := range m.Files {
		n += f.TotalSize
	}
	return n
}

// Depot is one unit of content: a keyed manifest merged into the shared
// target tree. Depots are processed in the exact order they were supplied.
type Depot struct {
	ID          uint32   `json:"depot_id"`
	ManifestGID uint64   `json:"manifest_gid"`
	Key         []byte   `json:"key,omitempty"`
	Manifest    Manifest `json:"manifest"`
}

// HashChunk returns the hex-encoded BLAKE3-256 digest of data, the form
// stored in ChunkInfo.Hash.
func HashChunk(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
