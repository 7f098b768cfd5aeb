package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/kindlemtp/kindle-mtp/internal/errkind"
	"github.com/kindlemtp/kindle-mtp/internal/lock"
	"github.com/kindlemtp/kindle-mtp/internal/logging"
	"github.com/kindlemtp/kindle-mtp/internal/metrics"
	"github.com/kindlemtp/kindle-mtp/internal/models"
	"github.com/kindlemtp/kindle-mtp/internal/sink"
)

// Options configure Open.
type Options struct {
	AllowList AllowList

	// Selector picks one device by USB location ("BUS:DEVNUM").
	Selector string

	// LockPath, if set, is flocked for the session lifetime.
	LockPath string
}

// Session is the single open handle to a device for one command.
// Closing the handle resets the USB connection on most hosts, so a
// multi-step operation must finish inside one Session.
type Session struct {
	conn   Conn
	raw    RawDevice
	lock   *lock.File
	opened time.Time

	closeOnce sync.Once
	closeErr  error
}

// Open enumerates attached devices, keeps the ones opts.AllowList accepts
// and opens the only match.
func Open(ctx context.Context, lib Library, opts Options) (*Session, error) {
	s, err := open(ctx, lib, opts)
	metrics.RecordSessionOpen(err == nil)
	return s, err
}

func open(ctx context.Context, lib Library, opts Options) (*Session, error) {
	log := logging.WithContext(ctx)

	var held *lock.File
	if opts.LockPath != "" {
		l, err := lock.Acquire(opts.LockPath)
		if errors.Is(err, lock.ErrBusy) {
			return nil, errkind.E(errkind.DeviceNotFound, "open", "", fmt.Errorf("device busy: another kindle-mtp command is running"))
		}
		if err != nil {
			return nil, errkind.FromLocal("lock", opts.LockPath, err)
		}
		held = l
	}
	release := func() {
		if held != nil {
			held.Release()
		}
	}

	devs, err := lib.Enumerate(ctx)
	if err != nil {
		release()
		return nil, classify("enumerate", "", err, errkind.DeviceNotFound)
	}

	var matches []RawDevice
	for _, d := range devs {
		if !opts.AllowList.Allows(d) {
			log.Debug("skipping device outside allow-list",
				logging.String("device", d.String()))
			continue
		}
		if opts.Selector != "" && d.Location() != opts.Selector {
			continue
		}
		matches = append(matches, d)
	}

	switch len(matches) {
	case 0:
		release()
		if opts.Selector != "" {
			return nil, errkind.E(errkind.DeviceNotFound, "open", "", fmt.Errorf("no device with vendor %s at %s", opts.AllowList, opts.Selector))
		}
		return nil, errkind.E(errkind.DeviceNotFound, "open", "", fmt.Errorf("no device with vendor %s attached", opts.AllowList))
	case 1:
	default:
		release()
		locs := make([]string, len(matches))
		for i, m := range matches {
			locs[i] = m.Location()
		}
		return nil, errkind.E(errkind.AmbiguousDevice, "open", "",
			fmt.Errorf("%d devices attached (%s); use --device to select one", len(matches), strings.Join(locs, ", ")))
	}

	dev := matches[0]
	conn, err := lib.Open(ctx, dev)
	if err != nil {
		release()
		return nil, classify("open", dev.Location(), err, errkind.DeviceNotFound)
	}

	log.Debug("session opened", logging.String("device", dev.String()))
	return &Session{conn: conn, raw: dev, lock: held, opened: time.Now()}, nil
}

// Device returns the enumerated device the session is bound to.
func (s *Session) Device() RawDevice {
	return s.raw
}

// Info returns device identity strings merged with the USB identity.
func (s *Session) Info(ctx context.Context) (models.DeviceInfo, error) {
	info, err := s.conn.DeviceInfo(ctx)
	if err != nil {
		return models.DeviceInfo{}, classify("info", "", err, errkind.Internal)
	}
	info.VendorID = s.raw.VendorID
	info.ProductID = s.raw.ProductID
	info.Location = s.raw.Location()
	if info.Manufacturer == "" {
		info.Manufacturer = s.raw.Vendor
	}
	if info.Model == "" {
		info.Model = s.raw.Product
	}
	return info, nil
}

// StorageInfo queries capacity of the session storage. It is not cached.
func (s *Session) StorageInfo(ctx context.Context) (models.StorageInfo, error) {
	info, err := s.conn.StorageInfo(ctx)
	if err != nil {
		return models.StorageInfo{}, classify("storage", "", err, errkind.Internal)
	}
	return info, nil
}

// ListChildren issues one non-recursive listing. The result is in device
// order.
func (s *Session) ListChildren(ctx context.Context, parent models.ObjectID) ([]models.ObjectEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, errkind.E(errkind.TransferFailed, "list", "", err)
	}
	metrics.RecordListing()
	entries, err := s.conn.ListChildren(ctx, parent)
	if err != nil {
		return nil, classify("list", parent.String(), err, errkind.Internal)
	}
	logging.WithContext(ctx).Debug("listed children",
		logging.String("parent", parent.String()),
		logging.Int("count", len(entries)))
	return entries, nil
}

// Fetch streams entry into dst at rel. Nothing is left at rel unless the
// whole content arrived.
func (s *Session) Fetch(ctx context.Context, entry models.ObjectEntry, remote string, dst sink.Destination, rel string) (sink.Result, error) {
	res, err := s.fetch(ctx, entry, remote, dst, rel)
	metrics.RecordPull(res.Bytes, err == nil)
	return res, err
}

func (s *Session) fetch(ctx context.Context, entry models.ObjectEntry, remote string, dst sink.Destination, rel string) (sink.Result, error) {
	if entry.IsDir() {
		return sink.Result{}, errkind.E(errkind.Internal, "fetch", remote, fmt.Errorf("is a directory"))
	}
	p, err := dst.Create(ctx, rel)
	if err != nil {
		return sink.Result{}, err
	}

	cw := &countingWriter{w: p}
	if err := s.conn.ReadFile(ctx, entry.ID, cw); err != nil {
		p.Abort()
		return sink.Result{}, classify("fetch", remote, err, errkind.TransferFailed)
	}
	if entry.Size > 0 && cw.n != entry.Size {
		p.Abort()
		return sink.Result{}, errkind.E(errkind.TransferFailed, "fetch", remote,
			fmt.Errorf("short transfer: got %d of %d bytes", cw.n, entry.Size))
	}

	res, err := p.Commit(ctx)
	if err != nil {
		return sink.Result{}, err
	}
	logging.WithContext(ctx).Debug("fetched file",
		logging.String("remote", remote),
		logging.String("dest", res.Location),
		logging.Int64("bytes", res.Bytes))
	return res, nil
}

// Send uploads size bytes from r as name under parent.
func (s *Session) Send(ctx context.Context, parent models.ObjectID, name string, r io.Reader, size uint64, remote string) (models.ObjectID, error) {
	if err := ctx.Err(); err != nil {
		return 0, errkind.E(errkind.TransferFailed, "send", remote, err)
	}
	id, err := s.conn.WriteFile(ctx, parent, name, r, size)
	metrics.RecordPush(int64(size), err == nil)
	if err != nil {
		return 0, classify("send", remote, err, errkind.TransferFailed)
	}
	logging.WithContext(ctx).Debug("sent file",
		logging.String("remote", remote),
		logging.Uint64("bytes", size),
		logging.String("id", id.String()))
	return id, nil
}

// Delete removes one object. Directories must already be empty.
func (s *Session) Delete(ctx context.Context, id models.ObjectID, remote string) error {
	if err := ctx.Err(); err != nil {
		return errkind.E(errkind.TransferFailed, "delete", remote, err)
	}
	err := s.conn.DeleteObject(ctx, id)
	metrics.RecordDelete(err == nil)
	if err != nil {
		return classify("delete", remote, err, errkind.Internal)
	}
	logging.WithContext(ctx).Debug("deleted object", logging.String("remote", remote))
	return nil
}

// CreateDirectory creates name under parent and returns its ID.
func (s *Session) CreateDirectory(ctx context.Context, parent models.ObjectID, name, remote string) (models.ObjectID, error) {
	if err := ctx.Err(); err != nil {
		return 0, errkind.E(errkind.TransferFailed, "mkdir", remote, err)
	}
	id, err := s.conn.CreateFolder(ctx, parent, name)
	if err != nil {
		return 0, classify("mkdir", remote, err, errkind.Internal)
	}
	logging.WithContext(ctx).Debug("created directory",
		logging.String("remote", remote),
		logging.String("id", id.String()))
	return id, nil
}

// Close releases the device handle and the session lock. It is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
		if s.lock != nil {
			s.lock.Release()
		}
		logging.Debug("session closed",
			logging.String("device", s.raw.Location()),
			logging.Duration("lifetime", time.Since(s.opened)))
	})
	if s.closeErr != nil {
		return classify("close", "", s.closeErr, errkind.Internal)
	}
	return nil
}

// classify turns anything a Conn returns into an *errkind.Error. Errors
// that already carry a kind (e.g. a local write failure surfaced through
// ReadFile) keep it. fallback applies to general protocol failures.
func classify(op, path string, err error, fallback errkind.Kind) error {
	var ke *errkind.Error
	if errors.As(err, &ke) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errkind.E(errkind.TransferFailed, op, path, err)
	}
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		return errkind.E(errkind.Internal, op, path, err)
	}
	kind := fallback
	switch pe.Code {
	case CodeNoDevice:
		// A transfer cut short by a disconnect is still a failed transfer.
		if fallback != errkind.TransferFailed {
			kind = errkind.DeviceNotFound
		}
		return errkind.E(kind, op, path, fmt.Errorf("%w: %w", errkind.ErrSessionLost, err))
	case CodeStorageFull:
		kind = errkind.StorageFull
	case CodeAccessDenied:
		kind = errkind.PermissionDenied
	case CodeNotFound:
		kind = errkind.PathNotFound
	case CodeCancelled:
		kind = errkind.TransferFailed
	}
	return errkind.E(kind, op, path, err)
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}
