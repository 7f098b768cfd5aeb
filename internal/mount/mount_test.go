package mount

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindlemtp/kindle-mtp/internal/device"
	"github.com/kindlemtp/kindle-mtp/internal/device/devicetest"
	"github.com/kindlemtp/kindle-mtp/internal/errkind"
	"github.com/kindlemtp/kindle-mtp/internal/models"
	"github.com/kindlemtp/kindle-mtp/internal/resolver"
)

func newFS(t *testing.T, dev *devicetest.Device) *FS {
	t.Helper()
	s, err := device.Open(context.Background(), devicetest.NewLibrary(dev), device.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	fsys, err := New(s, resolver.New(s))
	require.NoError(t, err)
	t.Cleanup(func() { fsys.Close() })
	return fsys
}

func TestChildrenSortedAndCached(t *testing.T) {
	dev := devicetest.New()
	dev.PutFile("/documents/b.pdf", []byte("b"))
	dev.PutFile("/documents/a.mobi", []byte("a"))
	fsys := newFS(t, dev)
	ctx := context.Background()

	docs, ok, err := fsys.lookup(ctx, models.RootEntry(), "documents")
	require.NoError(t, err)
	require.True(t, ok)

	children, err := fsys.children(ctx, docs)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "a.mobi", children[0].Name)
	assert.Equal(t, "b.pdf", children[1].Name)

	_, err = fsys.children(ctx, docs)
	require.NoError(t, err)
	assert.Equal(t, 1, dev.ListCount(docs.ID))
}

func TestLookupMissing(t *testing.T) {
	fsys := newFS(t, devicetest.New())

	_, ok, err := fsys.lookup(context.Background(), models.RootEntry(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalCopyFetchesOnce(t *testing.T) {
	dev := devicetest.New()
	id := dev.PutFile("/documents/a.mobi", []byte("hello kindle"))
	fsys := newFS(t, dev)
	entry, ok := dev.Entry(id)
	require.True(t, ok)

	p, err := fsys.localCopy(context.Background(), entry, "/documents/a.mobi")
	require.NoError(t, err)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "hello kindle", string(data))

	again, err := fsys.localCopy(context.Background(), entry, "/documents/a.mobi")
	require.NoError(t, err)
	assert.Equal(t, p, again)
	assert.Len(t, dev.CallsOf("read"), 1)
}

func TestLocalCopyFailure(t *testing.T) {
	dev := devicetest.New()
	id := dev.PutFile("/a.txt", []byte("x"))
	dev.FailRead(id, devicetest.Err(device.CodeAccessDenied, "read"))
	fsys := newFS(t, dev)
	entry, _ := dev.Entry(id)

	_, err := fsys.localCopy(context.Background(), entry, "/a.txt")
	require.Error(t, err)
	assert.Equal(t, syscall.EACCES, errnoFor(err))
}

func TestCloseRemovesSpool(t *testing.T) {
	dev := devicetest.New()
	id := dev.PutFile("/a.txt", []byte("x"))
	fsys := newFS(t, dev)
	entry, _ := dev.Entry(id)

	_, err := fsys.localCopy(context.Background(), entry, "/a.txt")
	require.NoError(t, err)
	require.NoError(t, fsys.Close())

	_, err = os.Stat(fsys.dir)
	assert.True(t, os.IsNotExist(err))
}

func TestErrnoFor(t *testing.T) {
	tests := []struct {
		kind errkind.Kind
		want syscall.Errno
	}{
		{errkind.PathNotFound, syscall.ENOENT},
		{errkind.NotADirectory, syscall.ENOTDIR},
		{errkind.PermissionDenied, syscall.EACCES},
		{errkind.DeviceNotFound, syscall.ENODEV},
		{errkind.StorageFull, syscall.ENOSPC},
		{errkind.TransferFailed, syscall.EIO},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, errnoFor(errkind.E(tt.kind, "op", "/x", nil)))
		})
	}
}

func TestFillAttr(t *testing.T) {
	mod := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var file gofuse.Attr
	fillAttr(models.ObjectEntry{Name: "a.pdf", Size: 42, Modified: &mod}, &file)
	assert.Equal(t, uint32(0444|syscall.S_IFREG), file.Mode)
	assert.Equal(t, uint64(42), file.Size)
	assert.Equal(t, uint64(mod.Unix()), file.Mtime)

	var dir gofuse.Attr
	fillAttr(models.ObjectEntry{Name: "documents", Kind: models.KindDirectory}, &dir)
	assert.Equal(t, uint32(0555|syscall.S_IFDIR), dir.Mode)
	assert.Zero(t, dir.Size)
}

func TestDirEntriesHidesDuplicates(t *testing.T) {
	entries := dirEntries([]models.ObjectEntry{
		{ID: 1, Name: "a.txt"},
		{ID: 2, Name: "a.txt"},
		{ID: 3, Name: "docs", Kind: models.KindDirectory},
	})
	require.Len(t, entries, 2)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, uint32(syscall.S_IFREG), entries[0].Mode)
	assert.Equal(t, uint32(syscall.S_IFDIR), entries[1].Mode)
}

func TestFillStatfs(t *testing.T) {
	var out gofuse.StatfsOut
	fillStatfs(models.StorageInfo{TotalCapacity: 8192 * 4096, FreeCapacity: 1024 * 4096}, &out)
	assert.Equal(t, uint64(8192), out.Blocks)
	assert.Equal(t, uint64(1024), out.Bfree)
	assert.Equal(t, out.Bfree, out.Bavail)
}
