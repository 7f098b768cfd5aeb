package transfer

import (
	"context"
	"fmt"

	"github.com/kindlemtp/kindle-mtp/internal/errkind"
	"github.com/kindlemtp/kindle-mtp/internal/logging"
	"github.com/kindlemtp/kindle-mtp/internal/models"
	"github.com/kindlemtp/kindle-mtp/internal/tree"
)

// MkdirOptions tune Mkdir.
type MkdirOptions struct {
	// Force accepts an existing directory instead of failing.
	Force bool
	// Parents creates missing parents and implies Force.
	Parents bool
}

// MkdirResult describes the directory Mkdir ended up with.
type MkdirResult struct {
	Path    string          `json:"path"`
	ID      models.ObjectID `json:"id"`
	Created bool            `json:"created"`
}

// Mkdir creates the directory at path. The new entry is inserted into the
// cached listing of its parent.
func (o *Orchestrator) Mkdir(ctx context.Context, path tree.Segments, opts MkdirOptions) (MkdirResult, error) {
	if opts.Parents {
		opts.Force = true
	}
	if path.IsRoot() {
		if !opts.Force {
			return MkdirResult{}, errkind.E(errkind.AlreadyExists, "mkdir", path.String(), nil)
		}
		return MkdirResult{Path: path.String(), ID: models.RootID}, nil
	}

	var parent models.ObjectEntry
	var err error
	if opts.Parents {
		parent, err = o.ensureDirs(ctx, path.Parent())
	} else {
		parent, err = o.res.Resolve(ctx, path.Parent())
		if err == nil && !parent.IsDir() {
			err = errkind.E(errkind.NotADirectory, "mkdir", path.Parent().String(), nil)
		}
	}
	if err != nil {
		return MkdirResult{}, err
	}

	entry, created, err := o.mkdirIn(ctx, parent, path, opts.Force)
	if err != nil {
		return MkdirResult{}, err
	}
	return MkdirResult{Path: path.String(), ID: entry.ID, Created: created}, nil
}

// ensureDirs returns the directory at segs, creating what is missing.
func (o *Orchestrator) ensureDirs(ctx context.Context, segs tree.Segments) (models.ObjectEntry, error) {
	cur := models.RootEntry()
	for i := range segs {
		existing, ok, err := o.res.Lookup(ctx, cur, segs[i])
		if err != nil {
			return models.ObjectEntry{}, err
		}
		if ok && !existing.IsDir() {
			return models.ObjectEntry{}, errkind.E(errkind.NotADirectory, "mkdir", segs[:i+1].String(), nil)
		}
		next, _, err := o.mkdirIn(ctx, cur, segs[:i+1], true)
		if err != nil {
			return models.ObjectEntry{}, err
		}
		cur = next
	}
	return cur, nil
}

// mkdirIn creates path.Base() under parent. An existing directory is
// returned when force is set; an existing file is never replaced.
func (o *Orchestrator) mkdirIn(ctx context.Context, parent models.ObjectEntry, path tree.Segments, force bool) (models.ObjectEntry, bool, error) {
	name := path.Base()
	existing, ok, err := o.res.Lookup(ctx, parent, name)
	if err != nil {
		return models.ObjectEntry{}, false, err
	}
	if ok {
		switch {
		case !existing.IsDir():
			return models.ObjectEntry{}, false, errkind.E(errkind.AlreadyExists, "mkdir", path.String(), fmt.Errorf("a file with that name exists"))
		case !force:
			return models.ObjectEntry{}, false, errkind.E(errkind.AlreadyExists, "mkdir", path.String(), nil)
		default:
			return existing, false, nil
		}
	}

	id, err := o.dev.CreateDirectory(ctx, parent.ID, name, path.String())
	if err != nil {
		return models.ObjectEntry{}, false, err
	}
	entry := models.ObjectEntry{ID: id, Name: name, Kind: models.KindDirectory, Parent: parent.ID}
	o.res.Insert(entry)
	logging.WithContext(ctx).Info("created directory",
		logging.String("path", path.String()),
		logging.String("id", id.String()))
	return entry, true, nil
}
