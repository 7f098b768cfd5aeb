package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kindlemtp/kindle-mtp/internal/errkind"
	"github.com/kindlemtp/kindle-mtp/internal/logging"
	"github.com/kindlemtp/kindle-mtp/internal/metrics"
	"github.com/kindlemtp/kindle-mtp/internal/models"
	"github.com/kindlemtp/kindle-mtp/internal/tree"
)

// PushOptions tune Push.
type PushOptions struct {
	// Force replaces an existing file. Directories are never replaced.
	Force bool
}

// pushTarget resolves where a pushed file lands: into remote when it is an
// existing directory, else at remote itself.
func (o *Orchestrator) pushTarget(ctx context.Context, local string, remote tree.Segments) (models.ObjectEntry, tree.Segments, error) {
	entry, err := o.res.Resolve(ctx, remote)
	if err == nil && entry.IsDir() {
		return entry, remote.Child(filepath.Base(local)), nil
	}
	if err != nil && errkind.KindOf(err) != errkind.PathNotFound {
		return models.ObjectEntry{}, nil, err
	}
	parent, err := o.res.Resolve(ctx, remote.Parent())
	if err != nil {
		return models.ObjectEntry{}, nil, err
	}
	if !parent.IsDir() {
		return models.ObjectEntry{}, nil, errkind.E(errkind.NotADirectory, "push", remote.Parent().String(), nil)
	}
	return parent, remote, nil
}

// Push uploads one local file. Capacity is checked before any byte is sent.
func (o *Orchestrator) Push(ctx context.Context, local string, remote tree.Segments, opts PushOptions) *Report {
	log := logging.WithContext(ctx)
	rep := newReport("push", remote.String())
	rep.single = true

	info, err := os.Stat(local)
	if err != nil {
		return rep.abort(errkind.FromLocal("push", local, err))
	}
	if info.IsDir() {
		return rep.abort(errkind.E(errkind.Internal, "push", local, fmt.Errorf("is a directory; only files can be pushed")))
	}

	parent, target, err := o.pushTarget(ctx, local, remote)
	if err != nil {
		return rep.abort(err)
	}
	rep.Root = target.String()

	existing, exists, err := o.res.Lookup(ctx, parent, target.Base())
	if err != nil {
		return rep.abort(err)
	}
	if exists && (existing.IsDir() || !opts.Force) {
		return rep.abort(errkind.E(errkind.AlreadyExists, "push", target.String(), nil))
	}

	st, err := o.dev.StorageInfo(ctx)
	if err != nil {
		return rep.abort(err)
	}
	size := uint64(info.Size())
	free := st.FreeCapacity
	if exists {
		free += existing.Size
	}
	if size > free {
		return rep.abort(errkind.E(errkind.StorageFull, "push", target.String(),
			fmt.Errorf("need %d bytes, %d free", size, free)))
	}

	rep.Planned = 1
	metrics.SetPlanEntries("push", 1)
	rep.State = Executing

	if exists {
		if err := o.dev.Delete(ctx, existing.ID, target.String()); err != nil {
			rep.fail(target.String(), err)
			return rep.finish()
		}
		o.res.Remove(existing)
	}

	f, err := os.Open(local)
	if err != nil {
		rep.fail(target.String(), errkind.FromLocal("push", local, err))
		return rep.finish()
	}
	defer f.Close()

	id, err := o.dev.Send(ctx, parent.ID, target.Base(), f, size, target.String())
	if err != nil {
		if exists {
			// The replaced object is already gone from the device.
			err = fmt.Errorf("%w (previous %s was deleted before the upload)", err, target)
		}
		log.Warn("push failed", logging.String("remote", target.String()), logging.Bool("replaced", exists), logging.Err(err))
		rep.fail(target.String(), err)
		if errkind.IsFatal(err) {
			return rep.abort(err)
		}
		return rep.finish()
	}

	o.res.Insert(models.ObjectEntry{
		ID:     id,
		Name:   target.Base(),
		Kind:   models.KindFile,
		Size:   size,
		Parent: parent.ID,
	})
	rep.succeed(EntryResult{Path: target.String(), Kind: models.KindFile, Location: local, ID: id, Bytes: int64(size)})
	return rep.finish()
}
