// Package device wraps the external protocol library in a single-handle
// session scoped to one command.
package device

import (
	"context"
	"fmt"
	"io"

	"github.com/kindlemtp/kindle-mtp/internal/models"
)

// RawDevice is one attached device as reported by enumeration, before it is
// opened.
type RawDevice struct {
	VendorID  uint16
	ProductID uint16
	Vendor    string
	Product   string
	Bus       uint32
	DevNum    uint8
}

// Location returns the USB location "BUS:DEVNUM" used by --device.
func (d RawDevice) Location() string {
	return fmt.Sprintf("%d:%d", d.Bus, d.DevNum)
}

func (d RawDevice) String() string {
	name := d.Product
	if name == "" {
		name = "unknown device"
	}
	return fmt.Sprintf("%s (%04x:%04x) at %s", name, d.VendorID, d.ProductID, d.Location())
}

// Library is the protocol library entry point.
type Library interface {
	Enumerate(ctx context.Context) ([]RawDevice, error)
	Open(ctx context.Context, dev RawDevice) (Conn, error)
}

// Conn is an open protocol handle. Parent IDs accept models.RootID for the
// top of the session storage. Implementations are not safe for concurrent
// use.
type Conn interface {
	DeviceInfo(ctx context.Context) (models.DeviceInfo, error)
	StorageInfo(ctx context.Context) (models.StorageInfo, error)

	// ListChildren returns the immediate children of parent in device order.
	ListChildren(ctx context.Context, parent models.ObjectID) ([]models.ObjectEntry, error)

	// ReadFile streams the content of id into w. An error returned by w is
	// returned unchanged.
	ReadFile(ctx context.Context, id models.ObjectID, w io.Writer) error

	WriteFile(ctx context.Context, parent models.ObjectID, name string, r io.Reader, size uint64) (models.ObjectID, error)
	DeleteObject(ctx context.Context, id models.ObjectID) error
	CreateFolder(ctx context.Context, parent models.ObjectID, name string) (models.ObjectID, error)
	Close() error
}

// Code classifies a protocol library failure.
type Code int

const (
	CodeGeneral Code = iota
	CodeNoDevice
	CodeStorageFull
	CodeAccessDenied
	CodeNotFound
	CodeCancelled
)

func (c Code) String() string {
	switch c {
	case CodeNoDevice:
		return "no device"
	case CodeStorageFull:
		return "storage full"
	case CodeAccessDenied:
		return "access denied"
	case CodeNotFound:
		return "object not found"
	case CodeCancelled:
		return "cancelled"
	default:
		return "protocol error"
	}
}

// ProtocolError is the error shape every Library/Conn implementation returns.
type ProtocolError struct {
	Code Code
	Op   string
	Msg  string
}

func (e *ProtocolError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Msg)
}
