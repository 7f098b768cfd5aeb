package resolver

import "github.com/kindlemtp/kindle-mtp/internal/models"

// Cache maps a directory's ObjectID to its children in device order. It is
// owned by one session and discarded with it; nothing expires early.
type Cache struct {
	dirs map[models.ObjectID][]models.ObjectEntry
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{dirs: make(map[models.ObjectID][]models.ObjectEntry)}
}

// Get returns the cached children of dir.
func (c *Cache) Get(dir models.ObjectID) ([]models.ObjectEntry, bool) {
	entries, ok := c.dirs[dir]
	return entries, ok
}

// Put stores a listing. A nil listing is stored as empty so the directory
// still counts as populated.
func (c *Cache) Put(dir models.ObjectID, entries []models.ObjectEntry) {
	if entries == nil {
		entries = []models.ObjectEntry{}
	}
	c.dirs[dir] = entries
}

// Insert appends entry to its parent's listing if that listing is cached.
// An uncached parent is left alone: its first listing will include entry.
func (c *Cache) Insert(entry models.ObjectEntry) {
	entries, ok := c.dirs[entry.Parent]
	if !ok {
		return
	}
	c.dirs[entry.Parent] = append(entries, entry)
}

// Remove drops id from parent's listing and forgets id's own listing.
func (c *Cache) Remove(parent, id models.ObjectID) {
	delete(c.dirs, id)
	entries, ok := c.dirs[parent]
	if !ok {
		return
	}
	out := make([]models.ObjectEntry, 0, len(entries))
	for _, e := range entries {
		if e.ID != id {
			out = append(out, e)
		}
	}
	c.dirs[parent] = out
}

// Reset empties the cache.
func (c *Cache) Reset() {
	clear(c.dirs)
}

// Len returns the number of cached directories.
func (c *Cache) Len() int {
	return len(c.dirs)
}
