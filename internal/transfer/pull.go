package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kindlemtp/kindle-mtp/internal/errkind"
	"github.com/kindlemtp/kindle-mtp/internal/logging"
	"github.com/kindlemtp/kindle-mtp/internal/metrics"
	"github.com/kindlemtp/kindle-mtp/internal/sink"
	"github.com/kindlemtp/kindle-mtp/internal/tree"
)

// PullOptions tune a pull.
type PullOptions struct {
	Recursive bool
	Filter    *Filter
}

// LocalTarget splits a LOCAL argument into the destination directory and
// the name the pulled root takes inside it. An existing directory receives
// the remote base name; anything else names the target itself.
func LocalTarget(local string, remote tree.Segments) (dir, name string) {
	if info, err := os.Stat(local); err == nil && info.IsDir() {
		return local, remote.Base()
	}
	return filepath.Dir(local), filepath.Base(local)
}

// PlanPull resolves root and builds the pull plan. destName is the first
// destination path element; empty places the contents of root directly in
// the destination.
func (o *Orchestrator) PlanPull(ctx context.Context, root tree.Segments, destName string, opts PullOptions) (*Plan, error) {
	entry, err := o.res.Resolve(ctx, root)
	if err != nil {
		return nil, err
	}
	if entry.IsDir() && !opts.Recursive {
		return nil, errkind.E(errkind.Internal, "pull", root.String(), fmt.Errorf("is a directory (use -r)"))
	}

	rel := tree.Segments{}
	if destName != "" {
		rel = tree.Segments{destName}
	}
	var keep func(string) bool
	if !opts.Filter.Empty() {
		keep = opts.Filter.Match
	}
	entries, err := walk(ctx, o.res, entry, root, rel, keep)
	if err != nil {
		return nil, err
	}
	return &Plan{Op: "pull", Root: root, Entries: entries}, nil
}

// Pull copies root into dst. Failed files are recorded and the rest of the
// plan still runs, except after a connection-fatal error.
func (o *Orchestrator) Pull(ctx context.Context, root tree.Segments, dst sink.Destination, destName string, opts PullOptions) *Report {
	log := logging.WithContext(ctx)
	rep := newReport("pull", root.String())

	plan, err := o.PlanPull(ctx, root, destName, opts)
	if err != nil {
		log.Debug("pull planning failed", logging.Err(err))
		return rep.abort(err)
	}
	rep.Planned = len(plan.Entries)
	rep.single = len(plan.Entries) == 1 && !plan.Entries[0].Source.IsDir()
	metrics.SetPlanEntries("pull", len(plan.Entries))
	log.Info("pull planned",
		logging.String("root", root.String()),
		logging.Int("entries", len(plan.Entries)))

	rep.State = Executing
	for _, pe := range plan.Entries {
		if err := ctx.Err(); err != nil {
			return rep.abort(errkind.E(errkind.TransferFailed, "pull", pe.Path.String(), err))
		}

		remote := pe.Path.String()
		if pe.Shadowed {
			err := errkind.E(errkind.AlreadyExists, "pull", remote,
				fmt.Errorf("object %s shares its name with an earlier entry; not pulled", pe.Source.ID))
			log.Warn("skipping duplicate name", logging.String("remote", remote), logging.String("id", pe.Source.ID.String()))
			rep.fail(remote, err)
			continue
		}
		if pe.Source.IsDir() {
			if err := dst.MkdirAll(ctx, pe.RelPath()); err != nil {
				log.Warn("create destination directory failed", logging.String("remote", remote), logging.Err(err))
				rep.fail(remote, err)
				if errkind.IsFatal(err) {
					return rep.abort(err)
				}
				continue
			}
			rep.succeed(EntryResult{Path: remote, Kind: pe.Source.Kind, Location: dst.Location(pe.RelPath())})
			continue
		}

		res, err := o.dev.Fetch(ctx, pe.Source, remote, dst, pe.RelPath())
		if err != nil {
			log.Warn("pull failed", logging.String("remote", remote), logging.Err(err))
			rep.fail(remote, err)
			if errkind.IsFatal(err) {
				return rep.abort(err)
			}
			continue
		}
		rep.succeed(EntryResult{
			Path:     remote,
			Kind:     pe.Source.Kind,
			Location: res.Location,
			Bytes:    res.Bytes,
			Checksum: res.Checksum,
		})
	}
	return rep.finish()
}
