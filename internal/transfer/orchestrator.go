// Package transfer runs multi-object operations against a device session:
// every operation is planned with read-only listings first and only then
// executed, so a planning failure never leaves partial state behind.
package transfer

import (
	"context"
	"io"

	"github.com/kindlemtp/kindle-mtp/internal/models"
	"github.com/kindlemtp/kindle-mtp/internal/resolver"
	"github.com/kindlemtp/kindle-mtp/internal/sink"
)

// Device is the part of *device.Session the orchestrator drives.
type Device interface {
	resolver.Lister
	StorageInfo(ctx context.Context) (models.StorageInfo, error)
	Fetch(ctx context.Context, entry models.ObjectEntry, remote string, dst sink.Destination, rel string) (sink.Result, error)
	Send(ctx context.Context, parent models.ObjectID, name string, r io.Reader, size uint64, remote string) (models.ObjectID, error)
	Delete(ctx context.Context, id models.ObjectID, remote string) error
	CreateDirectory(ctx context.Context, parent models.ObjectID, name, remote string) (models.ObjectID, error)
}

// Orchestrator executes operations for one session. Operations run one at
// a time.
type Orchestrator struct {
	dev Device
	res *resolver.Resolver
}

// New returns an orchestrator sharing res's directory cache.
func New(dev Device, res *resolver.Resolver) *Orchestrator {
	return &Orchestrator{dev: dev, res: res}
}

// Resolver returns the resolver the orchestrator keeps consistent.
func (o *Orchestrator) Resolver() *resolver.Resolver {
	return o.res
}
