// Package fetch defines the engine's chunk-fetch collaborator boundary and
// the production implementations behind it. The engine only sees the Fetcher
// interface and the error taxonomy; where the bytes actually come from (CDN,
// object store, local mirror) is this package's concern.
package fetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/pssdev/depotsync/internal/manifest"
)

// Fetcher retrieves the raw bytes of a single chunk. Implementations must
// return exactly chunk.Length bytes on success; the caller re-verifies the
// hash, so a fetcher never needs to.
type Fetcher interface {
	Fetch(ctx context.Context, depotID uint32, chunk manifest.ChunkInfo) ([]byte, error)
}

// Fatal fetch errors. Neither is retryable: a missing chunk stays missing and
// an auth failure needs a new session, not another attempt.
var (
	ErrNotFound = errors.New("fetch: chunk not found")
	ErrAuth     = errors.New("fetch: not authorized")
)

// TransientError wraps a failure that is worth retrying: network hiccups,
// 5xx responses, timeouts.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("fetch: transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
