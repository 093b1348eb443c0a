package plans

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

// Entry remembers the last projection applied for one appointment.
type Entry struct {
	Hash      uint64    `json:"hash"`
	AppliedAt time.Time `json:"applied_at"`
}

// Cache is the persisted projection index, keyed by external id. The LRU
// bound keeps the file and the in-memory index from growing with the full
// history of the clinic. Losing the file is harmless: the next cycle
// re-projects and rebuilds it.
type Cache struct {
	mu    sync.Mutex
	path  string
	index *lru.Cache[string, Entry]
}

// OpenCache loads the cache file at |path|, tolerating a missing or corrupt
// file by starting empty.
func OpenCache(path string, maxEntries int) (*Cache, error) {
	index, err := lru.New[string, Entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("cache index: %w", err)
	}
	var c = &Cache{path: path, index: index}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	} else if err != nil {
		return nil, fmt.Errorf("read plan cache: %w", err)
	}

	var stored map[string]Entry
	if err := json.Unmarshal(raw, &stored); err != nil {
		log.WithFields(log.Fields{
			"path": path,
			"err":  err,
		}).Warn("plan cache unreadable, starting empty")
		return c, nil
	}

	// Oldest first, so the LRU keeps the most recently applied entries when
	// the stored set exceeds the bound.
	var ids = make([]string, 0, len(stored))
	for id := range stored {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return stored[ids[i]].AppliedAt.Before(stored[ids[j]].AppliedAt)
	})
	for _, id := range ids {
		index.Add(id, stored[id])
	}
	return c, nil
}

// Get returns the remembered projection for |externalID|.
func (c *Cache) Get(externalID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Get(externalID)
}

// Put records the projection just applied for |externalID|.
func (c *Cache) Put(externalID string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index.Add(externalID, e)
}

// Len is the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Len()
}

// Save writes the cache atomically: the new content lands in a temp file
// that is renamed over the live one, so a crash mid-write never leaves a
// half-written cache behind.
func (c *Cache) Save() error {
	c.mu.Lock()
	var snapshot = make(map[string]Entry, c.index.Len())
	for _, id := range c.index.Keys() {
		if e, ok := c.index.Peek(id); ok {
			snapshot[id] = e
		}
	}
	c.mu.Unlock()

	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode plan cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), filepath.Base(c.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp cache: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err = tmp.Write(payload); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write temp cache: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("replace plan cache: %w", err)
	}
	return nil
}
