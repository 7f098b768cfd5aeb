package transfer

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindlemtp/kindle-mtp/internal/device"
	"github.com/kindlemtp/kindle-mtp/internal/device/devicetest"
	"github.com/kindlemtp/kindle-mtp/internal/errkind"
	"github.com/kindlemtp/kindle-mtp/internal/resolver"
	"github.com/kindlemtp/kindle-mtp/internal/sink"
	"github.com/kindlemtp/kindle-mtp/internal/tree"
)

func setup(t *testing.T, dev *devicetest.Device) *Orchestrator {
	t.Helper()
	s, err := device.Open(context.Background(), devicetest.NewLibrary(dev), device.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, resolver.New(s))
}

// localTree lists every path under root, directories suffixed with "/".
func localTree(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			rel += "/"
		}
		out = append(out, rel)
		return nil
	})
	require.NoError(t, err)
	sort.Strings(out)
	return out
}

func libraryDevice() *devicetest.Device {
	dev := devicetest.New()
	dev.PutFile("/documents/a.mobi", []byte("aaaa"))
	dev.PutFile("/documents/b.pdf", []byte("bbbbbb"))
	dev.PutFile("/documents/series/c.azw3", []byte("cc"))
	dev.PutFile("/documents/series/d.azw3", []byte("ddd"))
	dev.Mkdir("/documents/empty")
	dev.PutFile("/fonts/x.ttf", []byte("font"))
	return dev
}

func TestPullRecursive(t *testing.T) {
	dev := libraryDevice()
	o := setup(t, dev)
	out := t.TempDir()

	rep := o.Pull(context.Background(), tree.Parse("/documents"), sink.NewLocal(out, sink.Options{}), "documents", PullOptions{Recursive: true})
	require.NoError(t, rep.Err())
	assert.Equal(t, Completed, rep.State)
	assert.Equal(t, int64(15), rep.Bytes)
	assert.Equal(t, 7, rep.Planned)

	want := []string{
		"documents/",
		"documents/a.mobi",
		"documents/b.pdf",
		"documents/empty/",
		"documents/series/",
		"documents/series/c.azw3",
		"documents/series/d.azw3",
	}
	if diff := cmp.Diff(want, localTree(t, out)); diff != "" {
		t.Errorf("local tree mismatch (-want +got):\n%s", diff)
	}
	data, err := os.ReadFile(filepath.Join(out, "documents", "series", "d.azw3"))
	require.NoError(t, err)
	assert.Equal(t, "ddd", string(data))
}

func TestPullPlanIsPreOrder(t *testing.T) {
	dev := libraryDevice()
	o := setup(t, dev)

	plan, err := o.PlanPull(context.Background(), tree.Parse("/documents"), "", PullOptions{Recursive: true})
	require.NoError(t, err)

	var paths []string
	for _, e := range plan.Entries {
		paths = append(paths, e.Path.String())
	}
	want := []string{
		"/documents",
		"/documents/a.mobi",
		"/documents/b.pdf",
		"/documents/empty",
		"/documents/series",
		"/documents/series/c.azw3",
		"/documents/series/d.azw3",
	}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Errorf("plan order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "series/c.azw3", plan.Entries[5].RelPath())
}

func TestPullPlanningFailureCreatesNothing(t *testing.T) {
	dev := libraryDevice()
	dev.FailList(dev.MustID("/documents/series"), devicetest.Err(device.CodeGeneral, "list"))
	o := setup(t, dev)
	out := t.TempDir()

	rep := o.Pull(context.Background(), tree.Parse("/documents"), sink.NewLocal(out, sink.Options{}), "documents", PullOptions{Recursive: true})
	assert.Equal(t, Aborted, rep.State)
	require.Error(t, rep.Err())
	assert.Empty(t, localTree(t, out))
	assert.Empty(t, dev.CallsOf("read"))
}

func TestRemovePlanningFailureDeletesNothing(t *testing.T) {
	dev := libraryDevice()
	dev.FailList(dev.MustID("/documents/series"), devicetest.Err(device.CodeGeneral, "list"))
	o := setup(t, dev)

	rep := o.Remove(context.Background(), tree.Parse("/documents"), true)
	assert.Equal(t, Aborted, rep.State)
	require.Error(t, rep.Err())
	assert.Empty(t, dev.CallsOf("delete"))
}

func TestPullPartialFailureAccounting(t *testing.T) {
	dev := libraryDevice()
	failing := []string{"/documents/b.pdf", "/documents/series/c.azw3"}
	for _, p := range failing {
		dev.FailRead(dev.MustID(p), devicetest.Err(device.CodeGeneral, "read"))
	}
	o := setup(t, dev)
	out := t.TempDir()

	rep := o.Pull(context.Background(), tree.Parse("/documents"), sink.NewLocal(out, sink.Options{}), "documents", PullOptions{Recursive: true})
	assert.Equal(t, PartiallyFailed, rep.State)

	got := rep.FailedPaths()
	sort.Strings(got)
	if diff := cmp.Diff(failing, got); diff != "" {
		t.Errorf("failed set mismatch (-want +got):\n%s", diff)
	}
	for _, f := range rep.Failures {
		assert.Equal(t, errkind.TransferFailed, f.Kind)
	}

	err := rep.Err()
	assert.Equal(t, errkind.PartiallyFailed, errkind.KindOf(err))
	assert.Equal(t, 6, errkind.ExitCode(err))

	assert.NotContains(t, localTree(t, out), "documents/b.pdf")
	assert.Contains(t, localTree(t, out), "documents/series/d.azw3")
}

func TestPullDuplicateSiblings(t *testing.T) {
	tests := []struct {
		name     string
		build    func(dev *devicetest.Device)
		failed   []string
		wantTree []string
		content  string
	}{
		{
			name: "files",
			build: func(dev *devicetest.Device) {
				docs := dev.Mkdir("/docs")
				dev.AddFile(docs, "x.txt", []byte("first"))
				dev.AddFile(docs, "x.txt", []byte("second-version"))
			},
			failed:   []string{"/docs/x.txt"},
			wantTree: []string{"docs/", "docs/x.txt"},
			content:  "first",
		},
		{
			name: "directories",
			build: func(dev *devicetest.Device) {
				docs := dev.Mkdir("/docs")
				a := dev.AddDir(docs, "sub")
				dev.AddFile(a, "x.txt", []byte("first"))
				b := dev.AddDir(docs, "sub")
				dev.AddFile(b, "x.txt", []byte("second-version"))
			},
			failed:   []string{"/docs/sub", "/docs/sub/x.txt"},
			wantTree: []string{"docs/", "docs/sub/", "docs/sub/x.txt"},
			content:  "first",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := devicetest.New()
			tt.build(dev)
			o := setup(t, dev)
			out := t.TempDir()

			rep := o.Pull(context.Background(), tree.Parse("/docs"), sink.NewLocal(out, sink.Options{}), "docs", PullOptions{Recursive: true})
			assert.Equal(t, PartiallyFailed, rep.State)
			assert.Equal(t, tt.failed, rep.FailedPaths())
			for _, f := range rep.Failures {
				assert.Equal(t, errkind.AlreadyExists, f.Kind)
			}
			assert.Equal(t, 6, errkind.ExitCode(rep.Err()))

			assert.Equal(t, tt.wantTree, localTree(t, out))
			local := filepath.Join(out, filepath.FromSlash(tt.wantTree[len(tt.wantTree)-1]))
			got, err := os.ReadFile(local)
			require.NoError(t, err)
			assert.Equal(t, tt.content, string(got))
		})
	}
}

func TestPullDisconnectIsFatalAndAtomic(t *testing.T) {
	dev := libraryDevice()
	dev.DropDuring(dev.MustID("/documents/b.pdf"), 3)
	o := setup(t, dev)
	out := t.TempDir()

	rep := o.Pull(context.Background(), tree.Parse("/documents"), sink.NewLocal(out, sink.Options{}), "documents", PullOptions{Recursive: true})
	assert.Equal(t, Aborted, rep.State)
	assert.Equal(t, errkind.TransferFailed, errkind.KindOf(rep.Err()))
	assert.True(t, errkind.IsFatal(rep.Err()))

	local := localTree(t, out)
	assert.Contains(t, local, "documents/a.mobi")
	assert.NotContains(t, local, "documents/b.pdf")
	for _, p := range local {
		assert.NotContains(t, p, ".part")
	}
	// Nothing after the disconnect was attempted.
	assert.Len(t, dev.CallsOf("read"), 2)
}

func TestPullSingleFileDisconnect(t *testing.T) {
	dev := libraryDevice()
	dev.DropDuring(dev.MustID("/documents/b.pdf"), 3)
	o := setup(t, dev)
	out := t.TempDir()

	rep := o.Pull(context.Background(), tree.Parse("/documents/b.pdf"), sink.NewLocal(out, sink.Options{}), "b.pdf", PullOptions{})
	assert.Equal(t, Aborted, rep.State)
	err := rep.Err()
	assert.Equal(t, errkind.TransferFailed, errkind.KindOf(err))
	assert.Equal(t, 6, errkind.ExitCode(err))
	assert.Empty(t, localTree(t, out))
}

func TestPullSingleFile(t *testing.T) {
	dev := libraryDevice()
	o := setup(t, dev)
	out := t.TempDir()

	dir, name := LocalTarget(out, tree.Parse("/documents/a.mobi"))
	rep := o.Pull(context.Background(), tree.Parse("/documents/a.mobi"), sink.NewLocal(dir, sink.Options{Checksum: true}), name, PullOptions{})
	require.NoError(t, rep.Err())
	require.Len(t, rep.Entries, 1)
	assert.Equal(t, filepath.Join(out, "a.mobi"), rep.Entries[0].Location)
	assert.Len(t, rep.Entries[0].Checksum, 64)
}

func TestPullSingleFileToNewName(t *testing.T) {
	dev := libraryDevice()
	o := setup(t, dev)
	out := t.TempDir()

	dir, name := LocalTarget(filepath.Join(out, "renamed.mobi"), tree.Parse("/documents/a.mobi"))
	rep := o.Pull(context.Background(), tree.Parse("/documents/a.mobi"), sink.NewLocal(dir, sink.Options{}), name, PullOptions{})
	require.NoError(t, rep.Err())
	assert.Equal(t, []string{"renamed.mobi"}, localTree(t, out))
}

func TestPullSingleFileKeepsErrorKind(t *testing.T) {
	dev := libraryDevice()
	dev.FailRead(dev.MustID("/documents/a.mobi"), devicetest.Err(device.CodeAccessDenied, "read"))
	o := setup(t, dev)

	rep := o.Pull(context.Background(), tree.Parse("/documents/a.mobi"), sink.NewLocal(t.TempDir(), sink.Options{}), "a.mobi", PullOptions{})
	assert.Equal(t, PartiallyFailed, rep.State)
	assert.Equal(t, errkind.PermissionDenied, errkind.KindOf(rep.Err()))
	assert.Equal(t, 4, errkind.ExitCode(rep.Err()))
}

func TestPullDirectoryNeedsRecursive(t *testing.T) {
	o := setup(t, libraryDevice())
	rep := o.Pull(context.Background(), tree.Parse("/documents"), sink.NewLocal(t.TempDir(), sink.Options{}), "documents", PullOptions{})
	assert.Equal(t, Aborted, rep.State)
	assert.Equal(t, errkind.Internal, errkind.KindOf(rep.Err()))
}

func TestPullMissingPath(t *testing.T) {
	o := setup(t, libraryDevice())
	rep := o.Pull(context.Background(), tree.Parse("/documents/missing.pdf"), sink.NewLocal(t.TempDir(), sink.Options{}), "missing.pdf", PullOptions{})
	assert.Equal(t, Aborted, rep.State)
	assert.Equal(t, 3, errkind.ExitCode(rep.Err()))
}

func TestPullFiltered(t *testing.T) {
	dev := libraryDevice()
	o := setup(t, dev)
	out := t.TempDir()

	filter, err := NewFilter([]string{"*.azw3", "*.mobi"}, []string{"series/d.*"})
	require.NoError(t, err)

	rep := o.Pull(context.Background(), tree.Parse("/documents"), sink.NewLocal(out, sink.Options{}), "", PullOptions{Recursive: true, Filter: filter})
	require.NoError(t, rep.Err())

	want := []string{"a.mobi", "empty/", "series/", "series/c.azw3"}
	if diff := cmp.Diff(want, localTree(t, out)); diff != "" {
		t.Errorf("filtered tree mismatch (-want +got):\n%s", diff)
	}
}

func TestPullCancelled(t *testing.T) {
	dev := libraryDevice()
	o := setup(t, dev)
	out := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	// Populate the cache, then cancel before execution.
	_, err := o.PlanPull(ctx, tree.Parse("/documents"), "", PullOptions{Recursive: true})
	require.NoError(t, err)
	cancel()

	rep := o.Pull(ctx, tree.Parse("/documents"), sink.NewLocal(out, sink.Options{}), "", PullOptions{Recursive: true})
	assert.Equal(t, Aborted, rep.State)
	assert.Equal(t, errkind.TransferFailed, errkind.KindOf(rep.Err()))
	assert.Empty(t, localTree(t, out))
}

func TestRemoveOrder(t *testing.T) {
	dev := devicetest.New()
	b := dev.PutFile("/a/b.txt", []byte("b"))
	d := dev.PutFile("/a/c/d.txt", []byte("d"))
	a := dev.MustID("/a")
	c := dev.MustID("/a/c")
	o := setup(t, dev)

	rep := o.Remove(context.Background(), tree.Parse("/a"), true)
	require.NoError(t, rep.Err())
	assert.Equal(t, Completed, rep.State)

	calls := dev.CallsOf("delete")
	pos := map[any]int{}
	for i, call := range calls {
		pos[call.ID] = i
	}
	require.Len(t, calls, 4)
	assert.Less(t, pos[b], pos[a])
	assert.Less(t, pos[d], pos[a])
	assert.Less(t, pos[c], pos[a])
	assert.Less(t, pos[d], pos[c])
	assert.Empty(t, dev.Tree())

	_, err := o.Resolver().Resolve(context.Background(), tree.Parse("/a"))
	assert.Equal(t, errkind.PathNotFound, errkind.KindOf(err))
}

func TestRemovePartialSkipsAncestors(t *testing.T) {
	dev := devicetest.New()
	dev.PutFile("/a/b.txt", []byte("b"))
	d := dev.PutFile("/a/c/d.txt", []byte("d"))
	dev.FailDelete(d, devicetest.Err(device.CodeAccessDenied, "delete"))
	o := setup(t, dev)

	rep := o.Remove(context.Background(), tree.Parse("/a"), true)
	assert.Equal(t, PartiallyFailed, rep.State)

	got := rep.FailedPaths()
	sort.Strings(got)
	assert.Equal(t, []string{"/a", "/a/c", "/a/c/d.txt"}, got)
	assert.Equal(t, []string{"/a/", "/a/c/", "/a/c/d.txt"}, dev.Tree())
	assert.Equal(t, 6, errkind.ExitCode(rep.Err()))
}

func TestRemoveSingleFile(t *testing.T) {
	dev := libraryDevice()
	id := dev.MustID("/fonts/x.ttf")
	o := setup(t, dev)

	rep := o.Remove(context.Background(), tree.Parse("/fonts/x.ttf"), false)
	require.NoError(t, rep.Err())
	assert.False(t, dev.Exists(id))
}

func TestRemoveGuards(t *testing.T) {
	o := setup(t, libraryDevice())

	rep := o.Remove(context.Background(), tree.Parse("/documents"), false)
	assert.Equal(t, errkind.Internal, errkind.KindOf(rep.Err()))

	rep = o.Remove(context.Background(), tree.Parse("/"), true)
	assert.Equal(t, errkind.Internal, errkind.KindOf(rep.Err()))

	rep = o.Remove(context.Background(), tree.Parse("/nope"), true)
	assert.Equal(t, errkind.PathNotFound, errkind.KindOf(rep.Err()))
}

func TestMkdir(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		opts     MkdirOptions
		wantKind errkind.Kind
		created  bool
	}{
		{"new", "/documents/new", MkdirOptions{}, 0, true},
		{"missing parent", "/nope/new", MkdirOptions{}, errkind.PathNotFound, false},
		{"parent is file", "/fonts/x.ttf/new", MkdirOptions{}, errkind.NotADirectory, false},
		{"exists", "/documents", MkdirOptions{}, errkind.AlreadyExists, false},
		{"exists forced", "/documents", MkdirOptions{Force: true}, 0, false},
		{"file forced", "/fonts/x.ttf", MkdirOptions{Force: true}, errkind.AlreadyExists, false},
		{"parents", "/a/b/c", MkdirOptions{Parents: true}, 0, true},
		{"parents through file", "/fonts/x.ttf/c", MkdirOptions{Parents: true}, errkind.NotADirectory, false},
		{"root", "/", MkdirOptions{}, errkind.AlreadyExists, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := libraryDevice()
			o := setup(t, dev)

			res, err := o.Mkdir(context.Background(), tree.Parse(tt.path), tt.opts)
			if tt.wantKind != 0 {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, errkind.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.created, res.Created)
			id, ok := dev.ID(tt.path)
			require.True(t, ok)
			assert.Equal(t, id, res.ID)
		})
	}
}

func TestMkdirVisibleWithoutRelisting(t *testing.T) {
	dev := libraryDevice()
	o := setup(t, dev)
	ctx := context.Background()

	_, err := o.Resolver().ListDirectory(ctx, tree.Parse("/documents"))
	require.NoError(t, err)
	docs := dev.MustID("/documents")

	res, err := o.Mkdir(ctx, tree.Parse("/documents/new"), MkdirOptions{})
	require.NoError(t, err)

	entries, err := o.Resolver().ListDirectory(ctx, tree.Parse("/documents"))
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.Name == "new" {
			found = true
			assert.Equal(t, res.ID, e.ID)
		}
	}
	assert.True(t, found)
	assert.Equal(t, 1, dev.ListCount(docs))
}

func writeLocal(t *testing.T, name string, content []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, content, 0644))
	return p
}

func TestPushIntoDirectory(t *testing.T) {
	dev := libraryDevice()
	o := setup(t, dev)
	local := writeLocal(t, "new.epub", []byte("epub content"))

	rep := o.Push(context.Background(), local, tree.Parse("/documents"), PushOptions{})
	require.NoError(t, rep.Err())
	assert.Equal(t, "/documents/new.epub", rep.Root)

	id := dev.MustID("/documents/new.epub")
	assert.Equal(t, []byte("epub content"), dev.Content(id))
	assert.Equal(t, id, rep.Entries[0].ID)

	entry, err := o.Resolver().Resolve(context.Background(), tree.Parse("/documents/new.epub"))
	require.NoError(t, err)
	assert.Equal(t, id, entry.ID)
}

func TestPushConflicts(t *testing.T) {
	dev := libraryDevice()
	o := setup(t, dev)
	local := writeLocal(t, "a.mobi", []byte("replacement"))

	rep := o.Push(context.Background(), local, tree.Parse("/documents/a.mobi"), PushOptions{})
	assert.Equal(t, errkind.AlreadyExists, errkind.KindOf(rep.Err()))
	assert.Empty(t, dev.CallsOf("write"))

	rep = o.Push(context.Background(), local, tree.Parse("/documents/a.mobi"), PushOptions{Force: true})
	require.NoError(t, rep.Err())
	assert.Equal(t, []byte("replacement"), dev.Content(dev.MustID("/documents/a.mobi")))
	assert.Len(t, dev.CallsOf("delete"), 1)

	dir := writeLocal(t, "series", []byte("x"))
	rep = o.Push(context.Background(), dir, tree.Parse("/documents/series"), PushOptions{Force: true})
	require.NoError(t, rep.Err(), "existing directory receives the file")
	assert.Equal(t, "/documents/series/series", rep.Root)
}

func TestPushForceUploadFailureAfterDelete(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind errkind.Kind
		wantExit int
	}{
		{"device error", devicetest.Err(device.CodeGeneral, "write"), errkind.TransferFailed, 6},
		{"storage full", devicetest.Err(device.CodeStorageFull, "write"), errkind.StorageFull, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := libraryDevice()
			dev.FailWrite("a.mobi", tt.err)
			o := setup(t, dev)
			local := writeLocal(t, "a.mobi", []byte("replacement"))

			rep := o.Push(context.Background(), local, tree.Parse("/documents/a.mobi"), PushOptions{Force: true})
			err := rep.Err()
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, errkind.KindOf(err))
			assert.Equal(t, tt.wantExit, errkind.ExitCode(err))
			assert.Contains(t, err.Error(), "deleted before the upload")
			assert.Equal(t, []string{"/documents/a.mobi"}, rep.FailedPaths())

			// Replacing deletes first, so the old copy does not survive a failed upload.
			assert.Len(t, dev.CallsOf("delete"), 1)
			_, ok := dev.ID("/documents/a.mobi")
			assert.False(t, ok)

			_, err = o.Resolver().Resolve(context.Background(), tree.Parse("/documents/a.mobi"))
			assert.Equal(t, errkind.PathNotFound, errkind.KindOf(err))
		})
	}
}

func TestPushStorageFull(t *testing.T) {
	dev := libraryDevice()
	dev.Storage.FreeCapacity = 10
	o := setup(t, dev)
	local := writeLocal(t, "big.pdf", bytes.Repeat([]byte("x"), 11))

	rep := o.Push(context.Background(), local, tree.Parse("/documents"), PushOptions{})
	assert.Equal(t, errkind.StorageFull, errkind.KindOf(rep.Err()))
	assert.Equal(t, 5, errkind.ExitCode(rep.Err()))
	assert.Empty(t, dev.CallsOf("write"))
}

func TestPushRejectsDirectoryAndMissing(t *testing.T) {
	o := setup(t, libraryDevice())

	rep := o.Push(context.Background(), t.TempDir(), tree.Parse("/documents"), PushOptions{})
	assert.Equal(t, errkind.Internal, errkind.KindOf(rep.Err()))

	rep = o.Push(context.Background(), filepath.Join(t.TempDir(), "missing"), tree.Parse("/documents"), PushOptions{})
	assert.Equal(t, errkind.PathNotFound, errkind.KindOf(rep.Err()))

	local := writeLocal(t, "a.txt", []byte("a"))
	rep = o.Push(context.Background(), local, tree.Parse("/nope/a.txt"), PushOptions{})
	assert.Equal(t, errkind.PathNotFound, errkind.KindOf(rep.Err()))
}

func TestFilter(t *testing.T) {
	f, err := NewFilter([]string{"**.pdf"}, []string{"drafts/**"})
	require.NoError(t, err)

	assert.True(t, f.Match("a.pdf"))
	assert.True(t, f.Match("x/y/z.pdf"))
	assert.False(t, f.Match("drafts/z.pdf"))
	assert.False(t, f.Match("a.mobi"))

	var none *Filter
	assert.True(t, none.Match("anything"))
	assert.True(t, none.Empty())

	_, err = NewFilter([]string{"[unclosed"}, nil)
	assert.Equal(t, errkind.Internal, errkind.KindOf(err))
}
