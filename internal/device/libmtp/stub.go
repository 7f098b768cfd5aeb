//go:build !libmtp || !cgo

package libmtp

import (
	"context"

	"github.com/kindlemtp/kindle-mtp/internal/device"
)

// Library is a placeholder used when libmtp support is not compiled in.
type Library struct{}

// New returns the placeholder library.
func New() device.Library {
	return Library{}
}

func unsupported(op string) error {
	return &device.ProtocolError{
		Code: device.CodeNoDevice,
		Op:   op,
		Msg:  "built without libmtp support; rebuild with -tags libmtp",
	}
}

func (Library) Enumerate(ctx context.Context) ([]device.RawDevice, error) {
	return nil, unsupported("enumerate")
}

func (Library) Open(ctx context.Context, dev device.RawDevice) (device.Conn, error) {
	return nil, unsupported("open")
}
