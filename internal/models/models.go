// Package models contains the data types shared by the device session,
// the resolver and the transfer orchestrator.
package models

import (
	"fmt"
	"time"
)

// ObjectID identifies an object on the device. IDs are assigned by the device,
// are unique within a session and are never persisted across sessions.
type ObjectID uint32

// RootID is the sentinel for the logical root. It has no parent.
const RootID ObjectID = 0xFFFFFFFF

func (id ObjectID) String() string {
	if id == RootID {
		return "root"
	}
	return fmt.Sprintf("%d", uint32(id))
}

// ObjectKind tells files and directories apart.
type ObjectKind int

const (
	KindFile ObjectKind = iota
	KindDirectory
)

func (k ObjectKind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "file"
}

// MarshalText encodes the kind as "file" or "directory".
func (k ObjectKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ObjectEntry is an immutable snapshot of one object as reported by a
// directory listing.
type ObjectEntry struct {
	ID       ObjectID   `json:"id"`
	Name     string     `json:"name"`
	Kind     ObjectKind `json:"kind"`
	Size     uint64     `json:"size"`
	Parent   ObjectID   `json:"parent"`
	Modified *time.Time `json:"modified,omitempty"`
}

// IsDir reports whether the entry is a directory.
func (e ObjectEntry) IsDir() bool {
	return e.Kind == KindDirectory
}

// RootEntry is the synthetic entry for the logical root.
func RootEntry() ObjectEntry {
	return ObjectEntry{ID: RootID, Name: "/", Kind: KindDirectory, Parent: RootID}
}

// StorageInfo describes the session storage.
type StorageInfo struct {
	Description   string `json:"description"`
	TotalCapacity uint64 `json:"total_bytes"`
	FreeCapacity  uint64 `json:"free_bytes"`
}

// DeviceInfo holds the identity strings reported by the device.
type DeviceInfo struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Serial       string `json:"serial"`
	FriendlyName string `json:"friendly_name"`
	VendorID     uint16 `json:"vendor_id"`
	ProductID    uint16 `json:"product_id"`
	Location     string `json:"location"`
}
