package mount

import (
	"context"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/kindlemtp/kindle-mtp/internal/logging"
	"github.com/kindlemtp/kindle-mtp/internal/models"
	"github.com/kindlemtp/kindle-mtp/internal/tree"
)

// Node is one device object.
type Node struct {
	fs.Inode

	fsys  *FS
	entry models.ObjectEntry
	path  string
}

var _ fs.InodeEmbedder = (*Node)(nil)
var _ fs.NodeGetattrer = (*Node)(nil)
var _ fs.NodeLookuper = (*Node)(nil)
var _ fs.NodeReaddirer = (*Node)(nil)
var _ fs.NodeOpener = (*Node)(nil)
var _ fs.NodeStatfser = (*Node)(nil)

// Getattr never touches the device; attributes come from the listing.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	fillAttr(n.entry, &out.Attr)
	return 0
}

// Lookup finds a child by name. Duplicate names resolve to the first in
// device order.
func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child, ok, err := n.fsys.lookup(ctx, n.entry, name)
	if err != nil {
		logging.Warn("lookup failed", logging.String("path", n.path), logging.Err(err))
		return nil, errnoFor(err)
	}
	if !ok {
		return nil, syscall.ENOENT
	}

	fillAttr(child, &out.Attr)
	node := &Node{fsys: n.fsys, entry: child, path: tree.BuildChildPath(n.path, name)}
	return n.NewInode(ctx, node, fs.StableAttr{Mode: out.Mode & syscall.S_IFMT}), 0
}

// Readdir lists the directory sorted by name.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	children, err := n.fsys.children(ctx, n.entry)
	if err != nil {
		logging.Warn("readdir failed", logging.String("path", n.path), logging.Err(err))
		return nil, errnoFor(err)
	}
	return fs.NewListDirStream(dirEntries(children)), 0
}

func dirEntries(children []models.ObjectEntry) []gofuse.DirEntry {
	entries := make([]gofuse.DirEntry, 0, len(children))
	seen := make(map[string]bool, len(children))
	for _, c := range children {
		// Only the first of several same-named siblings is reachable.
		if seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		mode := uint32(syscall.S_IFREG)
		if c.IsDir() {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, gofuse.DirEntry{Name: c.Name, Mode: mode})
	}
	return entries
}

// Open spools the file locally and serves reads from the copy.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if n.entry.IsDir() {
		return nil, 0, syscall.EISDIR
	}
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return nil, 0, syscall.EROFS
	}

	local, err := n.fsys.localCopy(ctx, n.entry, n.path)
	if err != nil {
		logging.Warn("open failed", logging.String("path", n.path), logging.Err(err))
		return nil, 0, errnoFor(err)
	}
	f, err := os.Open(local)
	if err != nil {
		return nil, 0, syscall.EIO
	}
	return &fileHandle{f: f}, gofuse.FOPEN_KEEP_CACHE, 0
}

// Statfs reports the session storage capacity.
func (n *Node) Statfs(ctx context.Context, out *gofuse.StatfsOut) syscall.Errno {
	st, err := n.fsys.storage(ctx)
	if err != nil {
		return errnoFor(err)
	}
	fillStatfs(st, out)
	return 0
}

func fillStatfs(st models.StorageInfo, out *gofuse.StatfsOut) {
	const blockSize = 4096
	out.Bsize = blockSize
	out.Frsize = blockSize
	out.Blocks = st.TotalCapacity / blockSize
	out.Bfree = st.FreeCapacity / blockSize
	out.Bavail = out.Bfree
	out.NameLen = 255
}

type fileHandle struct {
	mu sync.Mutex
	f  *os.File
}

var _ fs.FileReader = (*fileHandle)(nil)
var _ fs.FileReleaser = (*fileHandle)(nil)

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.f.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		return nil, syscall.EIO
	}
	return gofuse.ReadResultData(dest[:n]), 0
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.f.Close(); err != nil {
		return syscall.EIO
	}
	return 0
}
