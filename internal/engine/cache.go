package engine

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"
)

// VerifyCache provides SQLite-backed memory of fully-verified files so a
// clean re-run can skip rehashing unchanged content. It is strictly an
// accelerator: an entry is honored only while the file's size and mtime still
// match what was recorded under the same owning depot, and the engine's
// guarantees hold with the cache disabled.
type VerifyCache struct {
	db   *sql.DB
	path string

	// Batch buffer for MarkVerified calls.
	mu      sync.Mutex
	batch   []verifiedEntry
	done    chan struct{}
	stopped bool
}

type verifiedEntry struct {
	relPath   string
	depotID   uint32
	size      int64
	mtimeNano int64
}

// OpenVerifyCache opens (or creates) the verification cache for the given
// target root. The DB is stored at $XDG_RUNTIME_DIR/depotsync/<job-id>.db or
// /tmp/depotsync-<job-id>.db.
func OpenVerifyCache(root string) (*VerifyCache, error) {
	jobID := cacheJobID(root)
	dbPath := cachePath(jobID)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open verify cache: %w", err)
	}

	c := &VerifyCache{
		db:   db,
		path: dbPath,
		done: make(chan struct{}),
	}

	if err := c.init(root); err != nil {
		db.Close()
		return nil, err
	}

	// Background batch flusher.
	go c.flushLoop()

	return c, nil
}

func (c *VerifyCache) init(root string) error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS verified (
			path  TEXT PRIMARY KEY,
			depot INTEGER NOT NULL,
			size  INTEGER NOT NULL,
			mtime INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	var storedRoot string
	row := c.db.QueryRow("SELECT value FROM meta WHERE key = 'root'")
	if err := row.Scan(&storedRoot); err == nil {
		if storedRoot != root {
			return fmt.Errorf("verify cache root mismatch: stored %s, got %s", storedRoot, root)
		}
		return nil
	}
	if _, err := c.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES ('root', ?)", root); err != nil {
		return fmt.Errorf("store meta: %w", err)
	}
	return nil
}

// IsVerified returns true if path was recorded as fully verified for depotID
// and the file's current size and mtime still match.
func (c *VerifyCache) IsVerified(relPath string, depotID uint32, size, mtimeNano int64) bool {
	var storedDepot uint32
	var storedSize, storedMtime int64
	err := c.db.QueryRow(
		"SELECT depot, size, mtime FROM verified WHERE path = ?", relPath,
	).Scan(&storedDepot, &storedSize, &storedMtime)
	if err != nil {
		return false
	}
	return storedDepot == depotID && storedSize == size && storedMtime == mtimeNano
}

// MarkVerified records a fully-verified file. Writes are batched and flushed
// periodically.
func (c *VerifyCache) MarkVerified(relPath string, depotID uint32, size, mtimeNano int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.batch = append(c.batch, verifiedEntry{
		relPath:   relPath,
		depotID:   depotID,
		size:      size,
		mtimeNano: mtimeNano,
	})

	if len(c.batch) >= 100 {
		return c.flushLocked()
	}
	return nil
}

// Invalidate drops the record for path, forcing a full verify next time.
func (c *VerifyCache) Invalidate(relPath string) {
	_, _ = c.db.Exec("DELETE FROM verified WHERE path = ?", relPath)
}

// Flush writes any pending batch entries to the database.
func (c *VerifyCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *VerifyCache) flushLocked() error {
	if len(c.batch) == 0 {
		return nil
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	stmt, err := tx.Prepare("INSERT OR REPLACE INTO verified (path, depot, size, mtime) VALUES (?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range c.batch {
		if _, err := stmt.Exec(e.relPath, e.depotID, e.size, e.mtimeNano); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert %s: %w", e.relPath, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	c.batch = c.batch[:0]
	return nil
}

func (c *VerifyCache) flushLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			_ = c.flushLocked()
			c.mu.Unlock()
		}
	}
}

// Close flushes any pending writes and closes the database.
func (c *VerifyCache) Close() error {
	c.mu.Lock()
	if !c.stopped {
		c.stopped = true
		close(c.done)
	}
	_ = c.flushLocked()
	c.mu.Unlock()
	return c.db.Close()
}

// Path returns the path to the cache database file.
func (c *VerifyCache) Path() string {
	return c.path
}

// cacheJobID computes a deterministic job ID from the target root.
func cacheJobID(root string) string {
	h := blake3.New()
	h.Write([]byte(root))
	digest := h.Sum(nil)
	return hex.EncodeToString(digest[:8])
}

// cachePath returns the filesystem path for a cache DB.
func cachePath(jobID string) string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "depotsync", jobID+".db")
	}
	return filepath.Join(os.TempDir(), "depotsync-"+jobID+".db")
}
