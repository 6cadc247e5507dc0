// Package cache stores answers in two tiers: a small bounded in-memory
// tier and a larger disk tier. No entry is ever returned stale.
package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/booklistener/companion/internal/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS answers (
	key        TEXT PRIMARY KEY,
	text       TEXT NOT NULL,
	source     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	bytes      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_answers_created ON answers(created_at);
`

// Entry is one cached answer.
type Entry struct {
	Key       string
	Text      string
	Source    string
	CreatedAt time.Time
}

func (e Entry) cost() int64 {
	return int64(len(e.Key) + len(e.Text) + len(e.Source))
}

// Config bounds both tiers.
type Config struct {
	MemoryEntries int
	MemoryBytes   int64
	DiskPath      string // empty disables the disk tier
	DiskBytes     int64
	TTL           time.Duration
}

func (c Config) withDefaults() Config {
	if c.MemoryEntries <= 0 {
		c.MemoryEntries = 256
	}
	if c.MemoryBytes <= 0 {
		c.MemoryBytes = 4 << 20
	}
	if c.DiskBytes <= 0 {
		c.DiskBytes = 64 << 20
	}
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	return c
}

// Cache is the two-tier answer cache. Lookup checks memory first, then
// disk; a disk hit is promoted into memory.
type Cache struct {
	cfg Config

	mu       sync.Mutex
	mem      *lru.Cache[string, Entry]
	memBytes int64

	db  *sql.DB
	now func() time.Time
}

// New opens the cache. A missing disk path leaves the cache memory-only.
func New(cfg Config) (*Cache, error) {
	cfg = cfg.withDefaults()
	c := &Cache{cfg: cfg, now: time.Now}

	mem, err := lru.NewWithEvict(cfg.MemoryEntries, func(_ string, e Entry) {
		c.memBytes -= e.cost()
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "create memory tier")
	}
	c.mem = mem

	if cfg.DiskPath != "" {
		db, err := sql.Open("sqlite", cfg.DiskPath)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeStorageWriteFailure, "open cache database")
		}
		// One writer avoids SQLITE_BUSY; WAL keeps readers unblocked.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, errors.Wrap(err, errors.CodeStorageWriteFailure, "enable WAL")
		}
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, errors.Wrap(err, errors.CodeStorageWriteFailure, "create cache schema")
		}
		c.db = db
	}

	return c, nil
}

// Key derives the cache key from normalized question text and book
// context. The same question about two different books never collides.
func Key(question, bookContext string) string {
	h := sha256.Sum256([]byte(normalize(question) + "\x00" + normalize(bookContext)))
	return hex.EncodeToString(h[:])
}

func normalize(s string) string {
	lower := strings.ToLower(strings.TrimSpace(s))
	lower = strings.TrimRight(lower, "?.! ")
	return strings.Join(strings.Fields(lower), " ")
}

// Get returns the entry for key if present and unexpired. An expired read
// is a miss and evicts the entry from both tiers. Disk failures degrade to
// a miss; the caller re-derives the answer.
func (c *Cache) Get(key string) (Entry, bool) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.mem.Get(key); ok {
		if c.expired(e, now) {
			c.mem.Remove(key)
			c.mu.Unlock()
			c.diskDelete(key)
			return Entry{}, false
		}
		c.mu.Unlock()
		return e, true
	}
	c.mu.Unlock()

	if c.db == nil {
		return Entry{}, false
	}

	var e Entry
	var created int64
	row := c.db.QueryRow("SELECT key, text, source, created_at FROM answers WHERE key = ?", key)
	if err := row.Scan(&e.Key, &e.Text, &e.Source, &created); err != nil {
		if err != sql.ErrNoRows {
			slog.Debug("cache disk read failed", "error", err)
		}
		return Entry{}, false
	}
	e.CreatedAt = time.Unix(created, 0)

	if c.expired(e, now) {
		c.diskDelete(key)
		return Entry{}, false
	}

	c.promote(e)
	return e, true
}

// Put stores an answer in both tiers and prunes the disk tier oldest-first
// when it runs over budget.
func (c *Cache) Put(key, text, source string) error {
	e := Entry{Key: key, Text: text, Source: source, CreatedAt: c.now()}

	c.promote(e)

	if c.db == nil {
		return nil
	}
	_, err := c.db.Exec(
		"INSERT OR REPLACE INTO answers (key, text, source, created_at, bytes) VALUES (?, ?, ?, ?, ?)",
		e.Key, e.Text, e.Source, e.CreatedAt.Unix(), e.cost(),
	)
	if err != nil {
		return errors.Wrap(err, errors.CodeStorageWriteFailure, "write cache entry")
	}
	return c.pruneDisk()
}

// Len returns the memory-tier entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mem.Len()
}

// Close releases the disk tier.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *Cache) expired(e Entry, now time.Time) bool {
	return now.Sub(e.CreatedAt) > c.cfg.TTL
}

func (c *Cache) promote(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Add on an existing key replaces the value without firing the evict
	// callback, so the old cost is settled here.
	if old, ok := c.mem.Peek(e.Key); ok {
		c.memBytes -= old.cost()
	}
	c.mem.Add(e.Key, e)
	c.memBytes += e.cost()
	for c.memBytes > c.cfg.MemoryBytes && c.mem.Len() > 1 {
		c.mem.RemoveOldest()
	}
}

func (c *Cache) diskDelete(key string) {
	if c.db == nil {
		return
	}
	if _, err := c.db.Exec("DELETE FROM answers WHERE key = ?", key); err != nil {
		slog.Debug("cache disk evict failed", "error", err)
	}
}

// pruneDisk drops expired rows, then the oldest rows until the tier fits
// its byte budget.
func (c *Cache) pruneDisk() error {
	cutoff := c.now().Add(-c.cfg.TTL).Unix()
	if _, err := c.db.Exec("DELETE FROM answers WHERE created_at < ?", cutoff); err != nil {
		return errors.Wrap(err, errors.CodeStorageWriteFailure, "expire cache entries")
	}

	for {
		var total sql.NullInt64
		if err := c.db.QueryRow("SELECT SUM(bytes) FROM answers").Scan(&total); err != nil {
			return errors.Wrap(err, errors.CodeStorageWriteFailure, "size cache")
		}
		if !total.Valid || total.Int64 <= c.cfg.DiskBytes {
			return nil
		}
		res, err := c.db.Exec(
			"DELETE FROM answers WHERE key IN (SELECT key FROM answers ORDER BY created_at ASC LIMIT 1)",
		)
		if err != nil {
			return errors.Wrap(err, errors.CodeStorageWriteFailure, "prune cache")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
	}
}
