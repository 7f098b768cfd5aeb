package transfer

import (
	"context"
	"fmt"

	"github.com/kindlemtp/kindle-mtp/internal/errkind"
	"github.com/kindlemtp/kindle-mtp/internal/logging"
	"github.com/kindlemtp/kindle-mtp/internal/metrics"
	"github.com/kindlemtp/kindle-mtp/internal/models"
	"github.com/kindlemtp/kindle-mtp/internal/tree"
)

// PlanRemove resolves root and lists its subtree in pre-order.
func (o *Orchestrator) PlanRemove(ctx context.Context, root tree.Segments, recursive bool) (*Plan, error) {
	if root.IsRoot() {
		return nil, errkind.E(errkind.Internal, "rm", root.String(), fmt.Errorf("refusing to remove the storage root"))
	}
	entry, err := o.res.Resolve(ctx, root)
	if err != nil {
		return nil, err
	}
	if entry.IsDir() && !recursive {
		return nil, errkind.E(errkind.Internal, "rm", root.String(), fmt.Errorf("is a directory (use -r)"))
	}
	entries, err := walk(ctx, o.res, entry, root, tree.Segments{}, nil)
	if err != nil {
		return nil, err
	}
	return &Plan{Op: "rm", Root: root, Entries: entries}, nil
}

// Remove deletes root. Deletions run in reverse pre-order so every
// directory is empty when its turn comes. A directory whose contents could
// not all be deleted is skipped and reported as failed.
func (o *Orchestrator) Remove(ctx context.Context, root tree.Segments, recursive bool) *Report {
	log := logging.WithContext(ctx)
	rep := newReport("rm", root.String())

	plan, err := o.PlanRemove(ctx, root, recursive)
	if err != nil {
		log.Debug("rm planning failed", logging.Err(err))
		return rep.abort(err)
	}
	rep.Planned = len(plan.Entries)
	rep.single = len(plan.Entries) == 1
	metrics.SetPlanEntries("rm", len(plan.Entries))
	log.Info("rm planned",
		logging.String("root", root.String()),
		logging.Int("entries", len(plan.Entries)))

	// Directories that still hold an undeleted entry.
	blocked := make(map[models.ObjectID]bool)

	rep.State = Executing
	for i := len(plan.Entries) - 1; i >= 0; i-- {
		pe := plan.Entries[i]
		remote := pe.Path.String()
		if err := ctx.Err(); err != nil {
			return rep.abort(errkind.E(errkind.TransferFailed, "rm", remote, err))
		}

		if blocked[pe.Source.ID] {
			rep.fail(remote, errkind.E(errkind.TransferFailed, "rm", remote, fmt.Errorf("not deleted: directory still has entries")))
			blocked[pe.Source.Parent] = true
			continue
		}

		if err := o.dev.Delete(ctx, pe.Source.ID, remote); err != nil {
			log.Warn("delete failed", logging.String("remote", remote), logging.Err(err))
			rep.fail(remote, err)
			if errkind.IsFatal(err) {
				return rep.abort(err)
			}
			blocked[pe.Source.Parent] = true
			continue
		}
		o.res.Remove(pe.Source)
		rep.succeed(EntryResult{Path: remote, Kind: pe.Source.Kind, ID: pe.Source.ID})
	}
	return rep.finish()
}
