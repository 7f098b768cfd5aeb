// Package mount exposes one device session as a read-only FUSE
// filesystem. The mount lives exactly as long as its session.
package mount

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/kindlemtp/kindle-mtp/internal/errkind"
	"github.com/kindlemtp/kindle-mtp/internal/logging"
	"github.com/kindlemtp/kindle-mtp/internal/models"
	"github.com/kindlemtp/kindle-mtp/internal/resolver"
	"github.com/kindlemtp/kindle-mtp/internal/sink"
)

// Device is the part of *device.Session the mount reads through.
type Device interface {
	resolver.Lister
	StorageInfo(ctx context.Context) (models.StorageInfo, error)
	Fetch(ctx context.Context, entry models.ObjectEntry, remote string, dst sink.Destination, rel string) (sink.Result, error)
}

// Options configure Mount.
type Options struct {
	AllowOther bool
	Debug      bool
}

// FS is the filesystem state shared by all nodes. FUSE serves requests
// concurrently while the session is single-threaded, so every device call
// goes through mu.
type FS struct {
	mu      sync.Mutex
	dev     Device
	res     *resolver.Resolver
	spool   *sink.Local
	dir     string
	fetched map[models.ObjectID]string
}

// New creates the filesystem. Files are copied whole into a private spool
// directory on first open because the protocol has no ranged reads.
func New(dev Device, res *resolver.Resolver) (*FS, error) {
	dir, err := os.MkdirTemp("", "kindle-mtp-mount-")
	if err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &FS{
		dev:     dev,
		res:     res,
		spool:   sink.NewLocal(dir, sink.Options{}),
		dir:     dir,
		fetched: make(map[models.ObjectID]string),
	}, nil
}

// Close removes the spool directory.
func (f *FS) Close() error {
	return os.RemoveAll(f.dir)
}

// Mount serves the filesystem at mountPoint until unmounted.
func (f *FS) Mount(mountPoint string, opts Options) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	root := &Node{fsys: f, entry: models.RootEntry(), path: "/"}
	fsOpts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
			FsName:     "kindle-mtp",
			Name:       "kindle-mtp",
			Options:    []string{"ro"},
		},
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	}

	server, err := fs.Mount(mountPoint, root, fsOpts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	logging.Info("mounted", logging.String("mountpoint", mountPoint))
	return server, nil
}

func (f *FS) lookup(ctx context.Context, dir models.ObjectEntry, name string) (models.ObjectEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.res.Lookup(ctx, dir, name)
}

func (f *FS) children(ctx context.Context, dir models.ObjectEntry) ([]models.ObjectEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := f.res.Children(ctx, dir)
	if err != nil {
		return nil, err
	}
	return resolver.SortByName(entries), nil
}

func (f *FS) storage(ctx context.Context) (models.StorageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dev.StorageInfo(ctx)
}

// localCopy returns the spooled copy of entry, fetching it on first use.
func (f *FS) localCopy(ctx context.Context, entry models.ObjectEntry, remote string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.fetched[entry.ID]; ok {
		return p, nil
	}
	res, err := f.dev.Fetch(ctx, entry, remote, f.spool, strconv.FormatUint(uint64(entry.ID), 10))
	if err != nil {
		return "", err
	}
	f.fetched[entry.ID] = res.Location
	return res.Location, nil
}

// errnoFor maps an error kind onto the closest errno.
func errnoFor(err error) syscall.Errno {
	switch errkind.KindOf(err) {
	case errkind.PathNotFound:
		return syscall.ENOENT
	case errkind.NotADirectory:
		return syscall.ENOTDIR
	case errkind.PermissionDenied:
		return syscall.EACCES
	case errkind.DeviceNotFound:
		return syscall.ENODEV
	case errkind.StorageFull:
		return syscall.ENOSPC
	default:
		return syscall.EIO
	}
}

func fillAttr(e models.ObjectEntry, out *gofuse.Attr) {
	if e.IsDir() {
		out.Mode = 0555 | syscall.S_IFDIR
	} else {
		out.Mode = 0444 | syscall.S_IFREG
		out.Size = e.Size
	}
	if e.Modified != nil {
		out.Mtime = uint64(e.Modified.Unix())
		out.Atime = out.Mtime
		out.Ctime = out.Mtime
	}
	out.Uid = uint32(os.Getuid())
	out.Gid = uint32(os.Getgid())
}
