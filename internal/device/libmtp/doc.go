// Package libmtp implements device.Library on top of the native libmtp
// library. Build with -tags libmtp (and cgo enabled) to link it; without
// the tag every call reports that support was not compiled in.
package libmtp
