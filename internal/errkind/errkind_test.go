package errkind

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCodes(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{DeviceNotFound, 2},
		{AmbiguousDevice, 2},
		{PathNotFound, 3},
		{NotADirectory, 3},
		{AlreadyExists, 1},
		{PermissionDenied, 4},
		{StorageFull, 5},
		{TransferFailed, 6},
		{PartiallyFailed, 6},
		{Internal, 1},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.ExitCode())
			assert.Equal(t, tt.want, ExitCode(E(tt.kind, "op", "/x", nil)))
		})
	}
}

func TestExitCodeNilIsSuccess(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
}

func TestKindOfWrapped(t *testing.T) {
	base := NotFound("resolve", "/documents/missing.pdf", "missing.pdf")
	wrapped := fmt.Errorf("pull: %w", base)

	assert.Equal(t, PathNotFound, KindOf(wrapped))
	assert.Equal(t, 3, ExitCode(wrapped))

	var e *Error
	require.True(t, errors.As(wrapped, &e))
	assert.Equal(t, "missing.pdf", e.Segment)
	assert.Contains(t, e.Error(), `"missing.pdf" not found`)
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.Equal(t, TransferFailed, KindOf(context.Canceled))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(E(DeviceNotFound, "fetch", "/a", nil)))
	assert.True(t, IsFatal(fmt.Errorf("x: %w", context.Canceled)))
	assert.False(t, IsFatal(E(TransferFailed, "fetch", "/a", nil)))
	assert.True(t, IsFatal(E(TransferFailed, "fetch", "/a", fmt.Errorf("%w: usb reset", ErrSessionLost))))
	assert.False(t, IsFatal(nil))
}

func TestFromLocal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"permission", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}, PermissionDenied},
		{"no space", &fs.PathError{Op: "write", Path: "/x", Err: syscall.ENOSPC}, StorageFull},
		{"not exist", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrNotExist}, PathNotFound},
		{"other", errors.New("short write"), TransferFailed},
		{"canceled", context.Canceled, TransferFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(FromLocal("pull", "/x", tt.err)))
		})
	}

	assert.Nil(t, FromLocal("pull", "/x", nil))

	already := E(StorageFull, "fetch", "/y", nil)
	assert.Same(t, already, FromLocal("pull", "/x", already))
}

func TestPartialMessage(t *testing.T) {
	err := Partial("pull", "/documents", []Failure{
		{Path: "/documents/a.pdf", Kind: TransferFailed},
		{Path: "/documents/b.pdf", Kind: PermissionDenied},
	})
	assert.Equal(t, "pull: 2 entries failed under /documents", err.Error())
	assert.Equal(t, 6, ExitCode(err))
}
