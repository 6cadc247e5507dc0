package cache

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryOnly(t *testing.T) *Cache {
	t.Helper()
	c, err := New(Config{TTL: time.Hour})
	require.NoError(t, err)
	return c
}

func onDisk(t *testing.T, path string, cfg Config) *Cache {
	t.Helper()
	cfg.DiskPath = path
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestKeyNormalization(t *testing.T) {
	assert.Equal(t, Key("Who is Odysseus?", "the odyssey|homer"),
		Key("  who is   odysseus ", "The Odyssey|Homer"))
}

func TestKeySeparatesBooks(t *testing.T) {
	assert.NotEqual(t, Key("who is the captain", "moby dick|melville"),
		Key("who is the captain", "master and commander|o'brian"))
}

func TestPutGetRoundTrip(t *testing.T) {
	c := memoryOnly(t)
	key := Key("who is odysseus", "the odyssey|homer")

	require.NoError(t, c.Put(key, "the king of ithaca", "cloud"))

	e, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "the king of ithaca", e.Text)
	assert.Equal(t, "cloud", e.Source)
}

func TestMissOnUnknownKey(t *testing.T) {
	c := memoryOnly(t)
	_, ok := c.Get(Key("never asked", ""))
	assert.False(t, ok)
}

func TestExpiredReadIsMissAndEvicts(t *testing.T) {
	c := memoryOnly(t)
	key := Key("what year was it written", "")
	require.NoError(t, c.Put(key, "1851", "cloud"))

	base := time.Now()
	c.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, ok := c.Get(key)
	assert.False(t, ok, "expired entry must read as a miss")

	// The expired entry is gone even if we rewind the clock.
	c.now = func() time.Time { return base }
	_, ok = c.Get(key)
	assert.False(t, ok)
}

func TestDiskHitPromotesToMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "answers.db")

	first := onDisk(t, path, Config{TTL: time.Hour})
	key := Key("who wrote this", "dune|frank herbert")
	require.NoError(t, first.Put(key, "frank herbert", "local"))
	require.NoError(t, first.Close())

	second := onDisk(t, path, Config{TTL: time.Hour})
	assert.Zero(t, second.Len())

	e, ok := second.Get(key)
	require.True(t, ok)
	assert.Equal(t, "frank herbert", e.Text)
	assert.Equal(t, 1, second.Len(), "disk hit must land in the memory tier")
}

func TestDiskPrunesOldestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "answers.db")
	c := onDisk(t, path, Config{TTL: 24 * time.Hour, DiskBytes: 600})

	base := time.Now()
	for i := 0; i < 20; i++ {
		offset := time.Duration(i) * time.Second
		c.now = func() time.Time { return base.Add(offset) }
		key := Key(fmt.Sprintf("question number %d with some padding", i), "")
		require.NoError(t, c.Put(key, strings.Repeat("x", 64), "cloud"))
	}

	var total int64
	require.NoError(t, c.db.QueryRow("SELECT SUM(bytes) FROM answers").Scan(&total))
	assert.LessOrEqual(t, total, int64(600))

	// The most recent entry always survives pruning.
	var n int
	newest := Key("question number 19 with some padding", "")
	require.NoError(t, c.db.QueryRow("SELECT COUNT(*) FROM answers WHERE key = ?", newest).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestRePutSameKeyAccountedOnce(t *testing.T) {
	c := memoryOnly(t)
	key := Key("who is odysseus", "the odyssey|homer")

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Put(key, "the king of ithaca", "cloud"))
	}

	want := Entry{Key: key, Text: "the king of ithaca", Source: "cloud"}.cost()
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, want, c.memBytes, "one live entry must cost its own bytes, not a multiple")
}

func TestMemoryByteBudgetEvicts(t *testing.T) {
	c, err := New(Config{MemoryEntries: 100, MemoryBytes: 300, TTL: time.Hour})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		key := Key(fmt.Sprintf("padded question %d", i), "")
		require.NoError(t, c.Put(key, strings.Repeat("y", 100), "cloud"))
	}

	assert.Less(t, c.Len(), 10, "byte budget must bound the memory tier")
	assert.LessOrEqual(t, c.memBytes, int64(300)+200, "accounting should track the budget")
}
