package transfer

import (
	"context"
	"strings"

	"github.com/kindlemtp/kindle-mtp/internal/models"
	"github.com/kindlemtp/kindle-mtp/internal/resolver"
	"github.com/kindlemtp/kindle-mtp/internal/tree"
)

// PlanEntry pairs a source object with where it goes.
type PlanEntry struct {
	Source models.ObjectEntry
	Path   tree.Segments // absolute device path
	Rel    tree.Segments // destination path relative to the target root

	// Shadowed is set when an earlier sibling, or a sibling of an
	// ancestor, has the same name. Path resolves to that earlier object,
	// and Rel collides with its destination.
	Shadowed bool
}

// RelPath returns Rel as a slash-separated relative path.
func (e PlanEntry) RelPath() string {
	return strings.Join(e.Rel, "/")
}

// Plan is the ordered work list of one operation, in depth-first
// pre-order: every directory precedes its contents.
type Plan struct {
	Op      string
	Root    tree.Segments
	Entries []PlanEntry
}

// walk appends root and, if it is a directory, its whole subtree to the
// plan in pre-order. Children are visited sorted by name. keep, when set,
// filters files by their path relative to root.
func walk(ctx context.Context, res *resolver.Resolver, root models.ObjectEntry, path, rel tree.Segments, keep func(under string) bool) ([]PlanEntry, error) {
	var out []PlanEntry
	var visit func(e models.ObjectEntry, path, rel, under tree.Segments, shadowed bool) error
	visit = func(e models.ObjectEntry, path, rel, under tree.Segments, shadowed bool) error {
		if !e.IsDir() {
			if keep != nil && !keep(strings.Join(under, "/")) {
				return nil
			}
			out = append(out, PlanEntry{Source: e, Path: path, Rel: rel, Shadowed: shadowed})
			return nil
		}
		out = append(out, PlanEntry{Source: e, Path: path, Rel: rel, Shadowed: shadowed})
		if err := ctx.Err(); err != nil {
			return err
		}
		children, err := res.Children(ctx, e)
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(children))
		for _, c := range resolver.SortByName(children) {
			dup := seen[c.Name]
			seen[c.Name] = true
			if err := visit(c, path.Child(c.Name), rel.Child(c.Name), under.Child(c.Name), shadowed || dup); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(root, path, rel, tree.Segments{}, false); err != nil {
		return nil, err
	}
	return out, nil
}
