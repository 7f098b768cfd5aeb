package device

import (
	"fmt"
	"strconv"
	"strings"
)

// AmazonVendorID is the USB vendor ID of Kindle e-readers.
const AmazonVendorID uint16 = 0x1949

// AllowList is the immutable vendor policy a session filters devices by.
// Product IDs are informational and never reject a device.
type AllowList struct {
	vendorID uint16
}

// NewAllowList returns a policy accepting only vendorID.
func NewAllowList(vendorID uint16) AllowList {
	return AllowList{vendorID: vendorID}
}

// DefaultAllowList accepts Amazon devices.
func DefaultAllowList() AllowList {
	return NewAllowList(AmazonVendorID)
}

// ParseAllowList parses a vendor ID given as hex ("0x1949") or decimal.
func ParseAllowList(s string) (AllowList, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil || v == 0 {
		return AllowList{}, fmt.Errorf("invalid vendor id %q", s)
	}
	return NewAllowList(uint16(v)), nil
}

// VendorID returns the allowed vendor.
func (a AllowList) VendorID() uint16 {
	if a.vendorID == 0 {
		return AmazonVendorID
	}
	return a.vendorID
}

// Allows reports whether dev may be opened.
func (a AllowList) Allows(dev RawDevice) bool {
	return dev.VendorID == a.VendorID()
}

func (a AllowList) String() string {
	return fmt.Sprintf("0x%04x", a.VendorID())
}
