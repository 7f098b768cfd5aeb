//go:build libmtp && cgo

package libmtp

/*
#cgo pkg-config: libmtp
#include <stdlib.h>
#include <libmtp.h>

extern uint16_t kmtp_put(void *params, void *priv, uint32_t sendlen, unsigned char *data, uint32_t *putlen);
extern uint16_t kmtp_get(void *params, void *priv, uint32_t wantlen, unsigned char *data, uint32_t *gotlen);
*/
import "C"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/cgo"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/kindlemtp/kindle-mtp/internal/device"
	"github.com/kindlemtp/kindle-mtp/internal/logging"
	"github.com/kindlemtp/kindle-mtp/internal/models"
)

var initOnce sync.Once

// Library is the libmtp-backed device.Library.
type Library struct{}

// New returns the native library.
func New() device.Library {
	initOnce.Do(func() { C.LIBMTP_Init() })
	return Library{}
}

// detect returns the raw device array; the caller frees it with C.free.
func detect(op string) (*C.LIBMTP_raw_device_t, int, error) {
	var raw *C.LIBMTP_raw_device_t
	var n C.int
	switch rc := C.LIBMTP_Detect_Raw_Devices(&raw, &n); rc {
	case C.LIBMTP_ERROR_NONE:
		return raw, int(n), nil
	case C.LIBMTP_ERROR_NO_DEVICE_ATTACHED:
		return nil, 0, nil
	default:
		return nil, 0, &device.ProtocolError{Code: codeFor(rc), Op: op, Msg: "raw device detection failed"}
	}
}

func rawSlice(raw *C.LIBMTP_raw_device_t, n int) []C.LIBMTP_raw_device_t {
	if raw == nil || n == 0 {
		return nil
	}
	return unsafe.Slice(raw, n)
}

func toRawDevice(r *C.LIBMTP_raw_device_t) device.RawDevice {
	return device.RawDevice{
		VendorID:  uint16(r.device_entry.vendor_id),
		ProductID: uint16(r.device_entry.product_id),
		Vendor:    C.GoString(r.device_entry.vendor),
		Product:   C.GoString(r.device_entry.product),
		Bus:       uint32(r.bus_location),
		DevNum:    uint8(r.devnum),
	}
}

// Enumerate implements device.Library.
func (Library) Enumerate(ctx context.Context) ([]device.RawDevice, error) {
	raw, n, err := detect("enumerate")
	if err != nil {
		return nil, err
	}
	defer C.free(unsafe.Pointer(raw))

	devs := make([]device.RawDevice, 0, n)
	for i := range rawSlice(raw, n) {
		devs = append(devs, toRawDevice(&rawSlice(raw, n)[i]))
	}
	return devs, nil
}

// Open implements device.Library. libmtp needs the raw struct it detected
// itself, so devices are detected again and matched by USB location.
func (Library) Open(ctx context.Context, want device.RawDevice) (device.Conn, error) {
	raw, n, err := detect("open")
	if err != nil {
		return nil, err
	}
	defer C.free(unsafe.Pointer(raw))

	for i := range rawSlice(raw, n) {
		r := &rawSlice(raw, n)[i]
		if uint32(r.bus_location) != want.Bus || uint8(r.devnum) != want.DevNum {
			continue
		}
		dev := C.LIBMTP_Open_Raw_Device_Uncached(r)
		if dev == nil {
			return nil, &device.ProtocolError{Code: device.CodeNoDevice, Op: "open",
				Msg: fmt.Sprintf("could not open device at %s", want.Location())}
		}
		c := &conn{dev: dev}
		if err := c.selectStorage(); err != nil {
			C.LIBMTP_Release_Device(dev)
			return nil, err
		}
		return c, nil
	}
	return nil, &device.ProtocolError{Code: device.CodeNoDevice, Op: "open",
		Msg: fmt.Sprintf("device at %s went away", want.Location())}
}

type conn struct {
	dev       *C.LIBMTP_mtpdevice_t
	storageID C.uint32_t
}

// selectStorage binds the first storage the device reports. A Kindle with a
// locked screen reports none.
func (c *conn) selectStorage() error {
	if C.LIBMTP_Get_Storage(c.dev, C.LIBMTP_STORAGE_SORTBY_NOTSORTED) != 0 {
		return c.lastError("storage")
	}
	if c.dev.storage == nil {
		return &device.ProtocolError{Code: device.CodeAccessDenied, Op: "storage",
			Msg: "device reports no storage; unlock the screen and retry"}
	}
	c.storageID = c.dev.storage.id
	return nil
}

// lastError drains the device error stack into a ProtocolError.
func (c *conn) lastError(op string) error {
	code := device.CodeGeneral
	var msgs []string
	for e := C.LIBMTP_Get_Errorstack(c.dev); e != nil; e = e.next {
		code = codeFor(e.errornumber)
		if e.error_text != nil {
			msgs = append(msgs, C.GoString(e.error_text))
		}
	}
	C.LIBMTP_Clear_Errorstack(c.dev)
	return &device.ProtocolError{Code: code, Op: op, Msg: strings.Join(msgs, "; ")}
}

func codeFor(n C.LIBMTP_error_number_t) device.Code {
	switch n {
	case C.LIBMTP_ERROR_NO_DEVICE_ATTACHED, C.LIBMTP_ERROR_USB_LAYER, C.LIBMTP_ERROR_CONNECTING:
		return device.CodeNoDevice
	case C.LIBMTP_ERROR_STORAGE_FULL:
		return device.CodeStorageFull
	case C.LIBMTP_ERROR_CANCELLED:
		return device.CodeCancelled
	default:
		return device.CodeGeneral
	}
}

func takeString(s *C.char) string {
	if s == nil {
		return ""
	}
	defer C.free(unsafe.Pointer(s))
	return C.GoString(s)
}

func (c *conn) DeviceInfo(ctx context.Context) (models.DeviceInfo, error) {
	return models.DeviceInfo{
		Manufacturer: takeString(C.LIBMTP_Get_Manufacturername(c.dev)),
		Model:        takeString(C.LIBMTP_Get_Modelname(c.dev)),
		Serial:       takeString(C.LIBMTP_Get_Serialnumber(c.dev)),
		FriendlyName: takeString(C.LIBMTP_Get_Friendlyname(c.dev)),
	}, nil
}

func (c *conn) StorageInfo(ctx context.Context) (models.StorageInfo, error) {
	if C.LIBMTP_Get_Storage(c.dev, C.LIBMTP_STORAGE_SORTBY_NOTSORTED) != 0 {
		return models.StorageInfo{}, c.lastError("storage")
	}
	for s := c.dev.storage; s != nil; s = s.next {
		if s.id != c.storageID {
			continue
		}
		return models.StorageInfo{
			Description:   C.GoString(s.StorageDescription),
			TotalCapacity: uint64(s.MaxCapacity),
			FreeCapacity:  uint64(s.FreeSpaceInBytes),
		}, nil
	}
	return models.StorageInfo{}, &device.ProtocolError{Code: device.CodeNoDevice, Op: "storage", Msg: "session storage disappeared"}
}

func (c *conn) ListChildren(ctx context.Context, parent models.ObjectID) ([]models.ObjectEntry, error) {
	files := C.LIBMTP_Get_Files_And_Folders(c.dev, c.storageID, C.uint32_t(parent))
	if files == nil {
		// An empty directory and a failure both return NULL; only the
		// error stack tells them apart.
		if C.LIBMTP_Get_Errorstack(c.dev) != nil {
			return nil, c.lastError("list")
		}
		return nil, nil
	}

	var entries []models.ObjectEntry
	for f := files; f != nil; {
		e := models.ObjectEntry{
			ID:     models.ObjectID(f.item_id),
			Name:   C.GoString(f.filename),
			Kind:   models.KindFile,
			Size:   uint64(f.filesize),
			Parent: models.ObjectID(f.parent_id),
		}
		if f.filetype == C.LIBMTP_FILETYPE_FOLDER {
			e.Kind = models.KindDirectory
			e.Size = 0
		}
		if e.Parent == 0 {
			e.Parent = models.RootID
		}
		if f.modificationdate > 0 {
			t := time.Unix(int64(f.modificationdate), 0)
			e.Modified = &t
		}
		entries = append(entries, e)

		next := f.next
		C.LIBMTP_destroy_file_t(f)
		f = next
	}
	return entries, nil
}

// transfer is the state shared with the C data handlers.
type transfer struct {
	ctx context.Context
	w   io.Writer
	r   io.Reader
	err error
}

//export goPutData
func goPutData(priv unsafe.Pointer, sendlen C.uint32_t, data *C.uchar, putlen *C.uint32_t) C.uint16_t {
	t := (*(*cgo.Handle)(priv)).Value().(*transfer)
	if err := t.ctx.Err(); err != nil {
		t.err = err
		return C.LIBMTP_HANDLER_RETURN_CANCEL
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(data)), int(sendlen))
	n, err := t.w.Write(buf)
	*putlen = C.uint32_t(n)
	if err != nil {
		t.err = err
		return C.LIBMTP_HANDLER_RETURN_ERROR
	}
	return C.LIBMTP_HANDLER_RETURN_OK
}

//export goGetData
func goGetData(priv unsafe.Pointer, wantlen C.uint32_t, data *C.uchar, gotlen *C.uint32_t) C.uint16_t {
	t := (*(*cgo.Handle)(priv)).Value().(*transfer)
	if err := t.ctx.Err(); err != nil {
		t.err = err
		return C.LIBMTP_HANDLER_RETURN_CANCEL
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(data)), int(wantlen))
	n, err := io.ReadFull(t.r, buf)
	*gotlen = C.uint32_t(n)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		t.err = err
		return C.LIBMTP_HANDLER_RETURN_ERROR
	}
	return C.LIBMTP_HANDLER_RETURN_OK
}

// transferError prefers the handler's own error (a local write failure or a
// cancellation) over whatever libmtp reports about the aborted transfer.
func (c *conn) transferError(op string, t *transfer) error {
	protoErr := c.lastError(op)
	if t.err != nil {
		logging.Debug("transfer aborted by handler",
			logging.String("op", op),
			logging.Err(protoErr))
		return t.err
	}
	return protoErr
}

func (c *conn) ReadFile(ctx context.Context, id models.ObjectID, w io.Writer) error {
	t := &transfer{ctx: ctx, w: w}
	h := cgo.NewHandle(t)
	defer h.Delete()

	rc := C.LIBMTP_Get_File_To_Handler(c.dev, C.uint32_t(id),
		(C.MTPDataPutFunc)(C.kmtp_put), unsafe.Pointer(&h), nil, nil)
	if rc != 0 || t.err != nil {
		return c.transferError("read", t)
	}
	return nil
}

// wireParent maps the logical root to the ID libmtp expects when creating
// objects at the top of a storage.
func wireParent(p models.ObjectID) C.uint32_t {
	if p == models.RootID {
		return 0
	}
	return C.uint32_t(p)
}

func (c *conn) WriteFile(ctx context.Context, parent models.ObjectID, name string, r io.Reader, size uint64) (models.ObjectID, error) {
	fd := C.LIBMTP_new_file_t()
	if fd == nil {
		return 0, &device.ProtocolError{Code: device.CodeGeneral, Op: "write", Msg: "out of memory"}
	}
	defer C.LIBMTP_destroy_file_t(fd)
	fd.filename = C.CString(name)
	fd.filesize = C.uint64_t(size)
	fd.parent_id = wireParent(parent)
	fd.storage_id = c.storageID
	fd.filetype = C.LIBMTP_FILETYPE_UNKNOWN

	t := &transfer{ctx: ctx, r: r}
	h := cgo.NewHandle(t)
	defer h.Delete()

	rc := C.LIBMTP_Send_File_From_Handler(c.dev, (C.MTPDataGetFunc)(C.kmtp_get),
		unsafe.Pointer(&h), fd, nil, nil)
	if rc != 0 || t.err != nil {
		return 0, c.transferError("write", t)
	}
	return models.ObjectID(fd.item_id), nil
}

func (c *conn) DeleteObject(ctx context.Context, id models.ObjectID) error {
	if C.LIBMTP_Delete_Object(c.dev, C.uint32_t(id)) != 0 {
		return c.lastError("delete")
	}
	return nil
}

func (c *conn) CreateFolder(ctx context.Context, parent models.ObjectID, name string) (models.ObjectID, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	id := C.LIBMTP_Create_Folder(c.dev, cname, wireParent(parent), c.storageID)
	if id == 0 {
		return 0, c.lastError("mkdir")
	}
	return models.ObjectID(id), nil
}

func (c *conn) Close() error {
	if c.dev != nil {
		C.LIBMTP_Release_Device(c.dev)
		c.dev = nil
	}
	return nil
}
