// Package devicetest provides an in-memory device implementing the
// protocol library contract, with fault injection and a call journal.
package devicetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kindlemtp/kindle-mtp/internal/device"
	"github.com/kindlemtp/kindle-mtp/internal/models"
)

// Call is one journaled protocol call.
type Call struct {
	Op   string
	ID   models.ObjectID
	Name string
}

type object struct {
	entry   models.ObjectEntry
	content []byte
}

// Device is a simulated device. It implements device.Conn directly.
type Device struct {
	Raw     device.RawDevice
	Info    models.DeviceInfo
	Storage models.StorageInfo

	mu       sync.Mutex
	objects  map[models.ObjectID]*object
	children map[models.ObjectID][]models.ObjectID
	nextID   models.ObjectID

	listErr   map[models.ObjectID]error
	readErr   map[models.ObjectID]error
	deleteErr map[models.ObjectID]error
	writeErr  map[string]error
	dropAfter map[models.ObjectID]int

	calls        []Call
	disconnected bool
	closed       int
}

// New returns an empty Kindle-like device at bus 1, address 4.
func New() *Device {
	return &Device{
		Raw: device.RawDevice{
			VendorID:  device.AmazonVendorID,
			ProductID: 0x0004,
			Vendor:    "Amazon",
			Product:   "Kindle",
			Bus:       1,
			DevNum:    4,
		},
		Info: models.DeviceInfo{
			Manufacturer: "Amazon",
			Model:        "Kindle Paperwhite",
			Serial:       "G000TEST0001",
			FriendlyName: "Test Kindle",
		},
		Storage: models.StorageInfo{
			Description:   "Internal Storage",
			TotalCapacity: 8_000_000_000,
			FreeCapacity:  6_000_000_000,
		},
		objects:   map[models.ObjectID]*object{},
		children:  map[models.ObjectID][]models.ObjectID{},
		nextID:    100,
		listErr:   map[models.ObjectID]error{},
		readErr:   map[models.ObjectID]error{},
		deleteErr: map[models.ObjectID]error{},
		writeErr:  map[string]error{},
		dropAfter: map[models.ObjectID]int{},
	}
}

func (d *Device) add(parent models.ObjectID, name string, kind models.ObjectKind, content []byte) models.ObjectID {
	id := d.nextID
	d.nextID++
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	d.objects[id] = &object{
		entry: models.ObjectEntry{
			ID:       id,
			Name:     name,
			Kind:     kind,
			Size:     uint64(len(content)),
			Parent:   parent,
			Modified: &mtime,
		},
		content: content,
	}
	d.children[parent] = append(d.children[parent], id)
	return id
}

// AddDir adds a directory under parent, even if the name is taken.
func (d *Device) AddDir(parent models.ObjectID, name string) models.ObjectID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.add(parent, name, models.KindDirectory, nil)
}

// AddFile adds a file under parent, even if the name is taken.
func (d *Device) AddFile(parent models.ObjectID, name string, content []byte) models.ObjectID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.add(parent, name, models.KindFile, content)
}

func (d *Device) findChild(parent models.ObjectID, name string) (models.ObjectID, bool) {
	for _, id := range d.children[parent] {
		if d.objects[id].entry.Name == name {
			return id, true
		}
	}
	return 0, false
}

// Mkdir creates every missing directory along path and returns the last.
func (d *Device) Mkdir(path string) models.ObjectID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mkdirLocked(splitPath(path))
}

func (d *Device) mkdirLocked(segs []string) models.ObjectID {
	cur := models.RootID
	for _, name := range segs {
		if id, ok := d.findChild(cur, name); ok {
			cur = id
			continue
		}
		cur = d.add(cur, name, models.KindDirectory, nil)
	}
	return cur
}

// PutFile creates a file at path, creating parent directories.
func (d *Device) PutFile(path string, content []byte) models.ObjectID {
	d.mu.Lock()
	defer d.mu.Unlock()
	segs := splitPath(path)
	parent := d.mkdirLocked(segs[:len(segs)-1])
	return d.add(parent, segs[len(segs)-1], models.KindFile, content)
}

// ID returns the object at path (first match per segment).
func (d *Device) ID(path string) (models.ObjectID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := models.RootID
	for _, name := range splitPath(path) {
		id, ok := d.findChild(cur, name)
		if !ok {
			return 0, false
		}
		cur = id
	}
	return cur, true
}

// MustID is ID for paths known to exist.
func (d *Device) MustID(path string) models.ObjectID {
	id, ok := d.ID(path)
	if !ok {
		panic("devicetest: no object at " + path)
	}
	return id
}

// Exists reports whether id is still on the device.
func (d *Device) Exists(id models.ObjectID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.objects[id]
	return ok
}

// Content returns a file's bytes.
func (d *Device) Content(id models.ObjectID) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if o, ok := d.objects[id]; ok {
		return append([]byte(nil), o.content...)
	}
	return nil
}

// Entry returns the entry for id.
func (d *Device) Entry(id models.ObjectID) (models.ObjectEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.objects[id]
	if !ok {
		return models.ObjectEntry{}, false
	}
	return o.entry, true
}

// FailList makes listings of parent fail with err.
func (d *Device) FailList(parent models.ObjectID, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listErr[parent] = err
}

// FailRead makes reads of id fail with err before any byte is written.
func (d *Device) FailRead(id models.ObjectID, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readErr[id] = err
}

// DropDuring disconnects the device after n bytes of id were delivered.
// Every later call fails with a no-device error.
func (d *Device) DropDuring(id models.ObjectID, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropAfter[id] = n
}

// FailDelete makes deletion of id fail with err.
func (d *Device) FailDelete(id models.ObjectID, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleteErr[id] = err
}

// FailWrite makes uploads named name fail with err, after the data was read.
func (d *Device) FailWrite(name string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeErr[name] = err
}

// Calls returns a copy of the journal.
func (d *Device) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// CallsOf returns the journaled calls with the given op.
func (d *Device) CallsOf(op string) []Call {
	var out []Call
	for _, c := range d.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// ListCount returns how many times parent was listed.
func (d *Device) ListCount(parent models.ObjectID) int {
	n := 0
	for _, c := range d.CallsOf("list") {
		if c.ID == parent {
			n++
		}
	}
	return n
}

// ResetCalls clears the journal.
func (d *Device) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

// Closed returns how many times Close was called.
func (d *Device) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Err builds a protocol error with the given code.
func Err(code device.Code, op string) error {
	return &device.ProtocolError{Code: code, Op: op}
}

func (d *Device) record(op string, id models.ObjectID, name string) error {
	d.calls = append(d.calls, Call{Op: op, ID: id, Name: name})
	if d.disconnected {
		return &device.ProtocolError{Code: device.CodeNoDevice, Op: op, Msg: "device disconnected"}
	}
	return nil
}

// DeviceInfo implements device.Conn.
func (d *Device) DeviceInfo(ctx context.Context) (models.DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("info", 0, ""); err != nil {
		return models.DeviceInfo{}, err
	}
	return d.Info, nil
}

// StorageInfo implements device.Conn.
func (d *Device) StorageInfo(ctx context.Context) (models.StorageInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("storage", 0, ""); err != nil {
		return models.StorageInfo{}, err
	}
	return d.Storage, nil
}

// ListChildren implements device.Conn.
func (d *Device) ListChildren(ctx context.Context, parent models.ObjectID) ([]models.ObjectEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("list", parent, ""); err != nil {
		return nil, err
	}
	if err := d.listErr[parent]; err != nil {
		return nil, err
	}
	if parent != models.RootID {
		o, ok := d.objects[parent]
		if !ok {
			return nil, &device.ProtocolError{Code: device.CodeNotFound, Op: "list"}
		}
		if !o.entry.IsDir() {
			return nil, nil
		}
	}
	ids := d.children[parent]
	out := make([]models.ObjectEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.objects[id].entry)
	}
	return out, nil
}

// ReadFile implements device.Conn.
func (d *Device) ReadFile(ctx context.Context, id models.ObjectID, w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("read", id, ""); err != nil {
		return err
	}
	if err := d.readErr[id]; err != nil {
		return err
	}
	o, ok := d.objects[id]
	if !ok || o.entry.IsDir() {
		return &device.ProtocolError{Code: device.CodeNotFound, Op: "read"}
	}
	content := o.content
	if n, ok := d.dropAfter[id]; ok {
		if n > len(content) {
			n = len(content)
		}
		if _, err := w.Write(content[:n]); err != nil {
			return err
		}
		d.disconnected = true
		return &device.ProtocolError{Code: device.CodeNoDevice, Op: "read", Msg: "device disconnected"}
	}
	// Deliver in small chunks so cancellation between chunks is observed.
	r := bytes.NewReader(content)
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			return nil
		}
	}
}

// WriteFile implements device.Conn.
func (d *Device) WriteFile(ctx context.Context, parent models.ObjectID, name string, r io.Reader, size uint64) (models.ObjectID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("write", parent, name); err != nil {
		return 0, err
	}
	if size > d.Storage.FreeCapacity {
		return 0, &device.ProtocolError{Code: device.CodeStorageFull, Op: "write"}
	}
	if parent != models.RootID {
		if o, ok := d.objects[parent]; !ok || !o.entry.IsDir() {
			return 0, &device.ProtocolError{Code: device.CodeNotFound, Op: "write", Msg: "no such parent"}
		}
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	if uint64(len(content)) != size {
		return 0, &device.ProtocolError{Code: device.CodeGeneral, Op: "write",
			Msg: fmt.Sprintf("expected %d bytes, got %d", size, len(content))}
	}
	if err := d.writeErr[name]; err != nil {
		return 0, err
	}
	d.Storage.FreeCapacity -= size
	return d.add(parent, name, models.KindFile, content), nil
}

// DeleteObject implements device.Conn. Non-empty directories are refused.
func (d *Device) DeleteObject(ctx context.Context, id models.ObjectID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("delete", id, ""); err != nil {
		return err
	}
	if err := d.deleteErr[id]; err != nil {
		return err
	}
	o, ok := d.objects[id]
	if !ok {
		return &device.ProtocolError{Code: device.CodeNotFound, Op: "delete"}
	}
	if len(d.children[id]) > 0 {
		return &device.ProtocolError{Code: device.CodeGeneral, Op: "delete", Msg: "directory not empty"}
	}
	siblings := d.children[o.entry.Parent]
	for i, sid := range siblings {
		if sid == id {
			d.children[o.entry.Parent] = append(siblings[:i:i], siblings[i+1:]...)
			break
		}
	}
	d.Storage.FreeCapacity += o.entry.Size
	delete(d.objects, id)
	delete(d.children, id)
	return nil
}

// CreateFolder implements device.Conn.
func (d *Device) CreateFolder(ctx context.Context, parent models.ObjectID, name string) (models.ObjectID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("mkdir", parent, name); err != nil {
		return 0, err
	}
	if parent != models.RootID {
		if o, ok := d.objects[parent]; !ok || !o.entry.IsDir() {
			return 0, &device.ProtocolError{Code: device.CodeNotFound, Op: "mkdir", Msg: "no such parent"}
		}
	}
	return d.add(parent, name, models.KindDirectory, nil), nil
}

// Close implements device.Conn.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

// Tree renders the device as sorted "/path" lines, directories suffixed
// with "/".
func (d *Device) Tree() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	var walk func(parent models.ObjectID, prefix string)
	walk = func(parent models.ObjectID, prefix string) {
		for _, id := range d.children[parent] {
			e := d.objects[id].entry
			p := prefix + "/" + e.Name
			if e.IsDir() {
				out = append(out, p+"/")
				walk(id, p)
			} else {
				out = append(out, p)
			}
		}
	}
	walk(models.RootID, "")
	sort.Strings(out)
	return out
}

func splitPath(p string) []string {
	var segs []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// Library is a device.Library over simulated devices.
type Library struct {
	Devices      []*Device
	EnumerateErr error
	OpenErr      error
}

// NewLibrary returns a library exposing devs.
func NewLibrary(devs ...*Device) *Library {
	return &Library{Devices: devs}
}

// Enumerate implements device.Library.
func (l *Library) Enumerate(ctx context.Context) ([]device.RawDevice, error) {
	if l.EnumerateErr != nil {
		return nil, l.EnumerateErr
	}
	out := make([]device.RawDevice, 0, len(l.Devices))
	for _, d := range l.Devices {
		out = append(out, d.Raw)
	}
	return out, nil
}

// Open implements device.Library.
func (l *Library) Open(ctx context.Context, raw device.RawDevice) (device.Conn, error) {
	if l.OpenErr != nil {
		return nil, l.OpenErr
	}
	for _, d := range l.Devices {
		if d.Raw.Location() == raw.Location() {
			return d, nil
		}
	}
	return nil, &device.ProtocolError{Code: device.CodeNoDevice, Op: "open"}
}
