package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kindlemtp/kindle-mtp/internal/errkind"
)

// Local writes into a directory on the local filesystem.
type Local struct {
	root string
	opts Options
}

// NewLocal creates a destination rooted at root. The root itself is created
// lazily by MkdirAll/Create.
func NewLocal(root string, opts Options) *Local {
	return &Local{root: filepath.Clean(root), opts: opts}
}

// Root returns the destination root directory.
func (l *Local) Root() string {
	return l.root
}

func (l *Local) fullPath(rel string) string {
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return l.root
	}
	return filepath.Join(l.root, filepath.FromSlash(rel))
}

// Location returns the absolute-ish filesystem path for rel.
func (l *Local) Location(rel string) string {
	return l.fullPath(rel)
}

// MkdirAll creates the directory for rel.
func (l *Local) MkdirAll(ctx context.Context, rel string) error {
	if err := ctx.Err(); err != nil {
		return errkind.FromLocal("mkdir", l.fullPath(rel), err)
	}
	path := l.fullPath(rel)
	if err := os.MkdirAll(path, 0755); err != nil {
		return errkind.FromLocal("mkdir", path, err)
	}
	return nil
}

// Create opens an exclusive temp file next to rel's final location.
func (l *Local) Create(ctx context.Context, rel string) (Pending, error) {
	path := l.fullPath(rel)
	if err := ctx.Err(); err != nil {
		return nil, errkind.FromLocal("create", path, err)
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return nil, errkind.E(errkind.AlreadyExists, "create", path, fmt.Errorf("a directory is in the way"))
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.part")
	if err != nil {
		return nil, errkind.FromLocal("create", path, err)
	}

	return &localPending{
		tmp:    tmp,
		path:   path,
		digest: newDigestWriter(ctx, tmp, l.opts.Checksum),
	}, nil
}

type localPending struct {
	tmp    *os.File
	path   string
	digest *digestWriter
	done   bool
}

func (p *localPending) Write(b []byte) (int, error) {
	n, err := p.digest.Write(b)
	if err != nil {
		return n, errkind.FromLocal("write", p.path, err)
	}
	return n, nil
}

// Commit closes the temp file and renames it into place.
func (p *localPending) Commit(ctx context.Context) (Result, error) {
	if p.done {
		return Result{}, errkind.E(errkind.Internal, "commit", p.path, fmt.Errorf("already finished"))
	}
	p.done = true
	tmpName := p.tmp.Name()

	if err := ctx.Err(); err != nil {
		p.tmp.Close()
		os.Remove(tmpName)
		return Result{}, errkind.FromLocal("commit", p.path, err)
	}
	if err := p.tmp.Sync(); err != nil {
		p.tmp.Close()
		os.Remove(tmpName)
		return Result{}, errkind.FromLocal("sync", p.path, err)
	}
	if err := p.tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Result{}, errkind.FromLocal("close", p.path, err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		os.Remove(tmpName)
		return Result{}, errkind.FromLocal("rename", p.path, err)
	}

	return Result{
		Location: p.path,
		Bytes:    p.digest.written,
		Checksum: p.digest.sum(),
	}, nil
}

// Abort discards the temp file.
func (p *localPending) Abort() error {
	if p.done {
		return nil
	}
	p.done = true
	tmpName := p.tmp.Name()
	p.tmp.Close()
	if err := os.Remove(tmpName); err != nil && !os.IsNotExist(err) {
		return errkind.FromLocal("remove", tmpName, err)
	}
	return nil
}
