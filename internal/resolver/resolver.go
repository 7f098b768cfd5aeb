// Package resolver maps slash-separated paths onto device ObjectIDs by
// walking the object graph one listing at a time.
package resolver

import (
	"context"
	"slices"
	"strings"

	"github.com/kindlemtp/kindle-mtp/internal/errkind"
	"github.com/kindlemtp/kindle-mtp/internal/logging"
	"github.com/kindlemtp/kindle-mtp/internal/metrics"
	"github.com/kindlemtp/kindle-mtp/internal/models"
	"github.com/kindlemtp/kindle-mtp/internal/tree"
)

// Lister issues one non-recursive listing. *device.Session implements it.
type Lister interface {
	ListChildren(ctx context.Context, parent models.ObjectID) ([]models.ObjectEntry, error)
}

// Resolver resolves paths against one session. It is not safe for
// concurrent use.
type Resolver struct {
	lister Lister
	cache  *Cache
}

// New returns a Resolver with an empty cache.
func New(lister Lister) *Resolver {
	return &Resolver{lister: lister, cache: NewCache()}
}

// Cache exposes the directory cache.
func (r *Resolver) Cache() *Cache {
	return r.cache
}

// Children returns dir's children in device order, listing the device only
// on the first request per directory.
func (r *Resolver) Children(ctx context.Context, dir models.ObjectEntry) ([]models.ObjectEntry, error) {
	if !dir.IsDir() {
		return nil, errkind.E(errkind.NotADirectory, "list", dir.Name, nil)
	}
	if entries, ok := r.cache.Get(dir.ID); ok {
		metrics.RecordCacheLookup(true)
		return entries, nil
	}
	metrics.RecordCacheLookup(false)

	entries, err := r.lister.ListChildren(ctx, dir.ID)
	if err != nil {
		return nil, err
	}
	r.cache.Put(dir.ID, entries)
	return entries, nil
}

// Lookup returns the first child of dir named name, in device order.
// Sibling names are not unique on the device; later duplicates are
// unreachable by path.
func (r *Resolver) Lookup(ctx context.Context, dir models.ObjectEntry, name string) (models.ObjectEntry, bool, error) {
	children, err := r.Children(ctx, dir)
	if err != nil {
		return models.ObjectEntry{}, false, err
	}
	for _, c := range children {
		if c.Name == name {
			return c, true, nil
		}
	}
	return models.ObjectEntry{}, false, nil
}

// Resolve walks segs from the root. It fails with PathNotFound naming the
// first segment that has no match, or NotADirectory when a file is used as
// an intermediate directory.
func (r *Resolver) Resolve(ctx context.Context, segs tree.Segments) (models.ObjectEntry, error) {
	cur := models.RootEntry()
	for i, name := range segs {
		if !cur.IsDir() {
			return models.ObjectEntry{}, errkind.E(errkind.NotADirectory, "resolve", segs[:i].String(), nil)
		}
		next, ok, err := r.Lookup(ctx, cur, name)
		if err != nil {
			return models.ObjectEntry{}, err
		}
		if !ok {
			return models.ObjectEntry{}, errkind.NotFound("resolve", segs.String(), name)
		}
		cur = next
	}
	logging.WithContext(ctx).Debug("resolved path",
		logging.String("path", segs.String()),
		logging.String("id", cur.ID.String()))
	return cur, nil
}

// ListDirectory resolves segs and returns a copy of its children sorted by
// name (byte order, so case-sensitive). Equal names keep device order.
func (r *Resolver) ListDirectory(ctx context.Context, segs tree.Segments) ([]models.ObjectEntry, error) {
	dir, err := r.Resolve(ctx, segs)
	if err != nil {
		return nil, err
	}
	if !dir.IsDir() {
		return nil, errkind.E(errkind.NotADirectory, "ls", segs.String(), nil)
	}
	children, err := r.Children(ctx, dir)
	if err != nil {
		return nil, err
	}
	return SortByName(children), nil
}

// SortByName returns a sorted copy of entries.
func SortByName(entries []models.ObjectEntry) []models.ObjectEntry {
	out := slices.Clone(entries)
	slices.SortStableFunc(out, func(a, b models.ObjectEntry) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Insert records a newly created object in its parent's cached listing.
func (r *Resolver) Insert(entry models.ObjectEntry) {
	r.cache.Insert(entry)
}

// Remove forgets a deleted object.
func (r *Resolver) Remove(entry models.ObjectEntry) {
	r.cache.Remove(entry.Parent, entry.ID)
}

// Reset drops every cached listing.
func (r *Resolver) Reset() {
	r.cache.Reset()
}
