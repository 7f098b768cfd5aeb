package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kindlemtp/kindle-mtp/internal/models"
)

func TestCacheInsertIgnoresUnlistedParent(t *testing.T) {
	c := NewCache()
	c.Insert(models.ObjectEntry{ID: 5, Name: "x", Parent: 1})
	_, ok := c.Get(1)
	assert.False(t, ok)

	c.Put(1, nil)
	entries, ok := c.Get(1)
	assert.True(t, ok)
	assert.Empty(t, entries)

	c.Insert(models.ObjectEntry{ID: 5, Name: "x", Parent: 1})
	entries, _ = c.Get(1)
	assert.Len(t, entries, 1)
}

func TestCacheRemoveForgetsSubtreeListing(t *testing.T) {
	c := NewCache()
	c.Put(models.RootID, []models.ObjectEntry{{ID: 1, Name: "a", Parent: models.RootID}})
	c.Put(1, []models.ObjectEntry{})

	c.Remove(models.RootID, 1)

	_, ok := c.Get(1)
	assert.False(t, ok)
	root, _ := c.Get(models.RootID)
	assert.Empty(t, root)
}
