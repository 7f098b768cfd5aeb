package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/kindlemtp/kindle-mtp/internal/models"
	"github.com/kindlemtp/kindle-mtp/internal/transfer"
)

// Status is the "status" payload.
type Status struct {
	Connected  bool   `json:"connected"`
	Model      string `json:"model"`
	Location   string `json:"location"`
	FreeBytes  uint64 `json:"free_bytes"`
	TotalBytes uint64 `json:"total_bytes"`
}

func (s Status) Human() string {
	if !s.Connected {
		return "No Kindle connected"
	}
	return fmt.Sprintf("%s connected - %s free of %s", s.Model, formatGB(s.FreeBytes), formatGB(s.TotalBytes))
}

// Info is the "info" payload.
type Info struct {
	Device             string `json:"device"`
	Manufacturer       string `json:"manufacturer"`
	Model              string `json:"model"`
	Serial             string `json:"serial"`
	VendorID           string `json:"vendor_id"`
	ProductID          string `json:"product_id"`
	Location           string `json:"location"`
	StorageDescription string `json:"storage_description"`
	TotalBytes         uint64 `json:"total_bytes"`
	FreeBytes          uint64 `json:"free_bytes"`
}

// NewInfo combines device and storage details.
func NewInfo(d models.DeviceInfo, s models.StorageInfo) Info {
	return Info{
		Device:             d.FriendlyName,
		Manufacturer:       d.Manufacturer,
		Model:              d.Model,
		Serial:             d.Serial,
		VendorID:           fmt.Sprintf("0x%04x", d.VendorID),
		ProductID:          fmt.Sprintf("0x%04x", d.ProductID),
		Location:           d.Location,
		StorageDescription: s.Description,
		TotalBytes:         s.TotalCapacity,
		FreeBytes:          s.FreeCapacity,
	}
}

func (i Info) Human() string {
	serial := i.Serial
	if serial == "" {
		serial = "(not available)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Device: %s\n", i.Device)
	fmt.Fprintf(&b, "Manufacturer: %s\n", i.Manufacturer)
	fmt.Fprintf(&b, "Model: %s\n", i.Model)
	fmt.Fprintf(&b, "Serial: %s\n", serial)
	fmt.Fprintf(&b, "USB: %s:%s at %s\n", i.VendorID, i.ProductID, i.Location)
	fmt.Fprintf(&b, "Storage: %s (%s)\n", i.StorageDescription, formatGB(i.TotalBytes))
	fmt.Fprintf(&b, "Free: %s", formatGB(i.FreeBytes))
	return b.String()
}

// LsEntry is one listed object.
type LsEntry struct {
	Name     string     `json:"name"`
	Size     uint64     `json:"size"`
	IsFolder bool       `json:"is_folder"`
	ID       uint32     `json:"id"`
	Modified *time.Time `json:"modified,omitempty"`
}

// Listing is the "ls" payload.
type Listing struct {
	Path    string    `json:"path"`
	Entries []LsEntry `json:"entries"`

	Long  bool `json:"-"`
	Width int  `json:"-"`
}

// NewListing converts sorted entries for display.
func NewListing(path string, entries []models.ObjectEntry, long bool, width int) Listing {
	out := make([]LsEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, LsEntry{
			Name:     e.Name,
			Size:     e.Size,
			IsFolder: e.IsDir(),
			ID:       uint32(e.ID),
			Modified: e.Modified,
		})
	}
	return Listing{Path: path, Entries: out, Long: long, Width: width}
}

func (l Listing) Human() string {
	if len(l.Entries) == 0 {
		return "(empty)"
	}
	if l.Long {
		return l.long()
	}
	lines := make([]string, 0, len(l.Entries))
	for _, e := range l.Entries {
		name := e.Name
		if e.IsFolder {
			name += "/"
		}
		lines = append(lines, truncate(name, l.Width))
	}
	return strings.Join(lines, "\n")
}

func (l Listing) long() string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	// Type, size and date columns take at most 32 columns.
	nameWidth := 0
	if l.Width > 0 {
		nameWidth = max(l.Width-32, 8)
	}
	for _, e := range l.Entries {
		typ, size := "-", FormatSize(e.Size)
		if e.IsFolder {
			typ, size = "d", "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", typ, size, formatTime(e.Modified), truncate(e.Name, nameWidth))
	}
	w.Flush()
	return strings.TrimRight(buf.String(), "\n")
}

// Report renders a pull, rm or push report.
type Report struct {
	*transfer.Report
}

// MarshalJSON flattens failures into path/kind/message triples.
func (r Report) MarshalJSON() ([]byte, error) {
	type alias transfer.Report
	return json.Marshal(struct {
		*alias
		Failures []failureJSON `json:"failures,omitempty"`
	}{(*alias)(r.Report), toFailureJSON(r.Failures)})
}

func (r Report) Human() string {
	var b strings.Builder
	files := 0
	for _, e := range r.Entries {
		if e.Kind == models.KindFile {
			files++
		}
	}

	switch r.Op {
	case "pull":
		if r.Planned == 1 && len(r.Entries) == 1 {
			e := r.Entries[0]
			fmt.Fprintf(&b, "Pulled %s -> %s (%s)", e.Path, e.Location, FormatSize(uint64(e.Bytes)))
			if e.Checksum != "" {
				fmt.Fprintf(&b, "\nblake2b-256 %s", e.Checksum)
			}
			return b.String()
		}
		fmt.Fprintf(&b, "Pulled %d files (%s) from %s in %s", files, FormatSize(uint64(r.Bytes)), r.Root, r.Duration.Round(time.Millisecond))
		for _, e := range r.Entries {
			if e.Checksum != "" {
				fmt.Fprintf(&b, "\n%s  %s", e.Checksum, e.Path)
			}
		}
	case "rm":
		if r.Planned == 1 && len(r.Entries) == 1 {
			fmt.Fprintf(&b, "Removed %s", r.Entries[0].Path)
			return b.String()
		}
		fmt.Fprintf(&b, "Removed %d entries under %s", len(r.Entries), r.Root)
	case "push":
		if len(r.Entries) == 1 {
			e := r.Entries[0]
			fmt.Fprintf(&b, "Pushed %s -> %s (%s)", e.Location, e.Path, FormatSize(uint64(e.Bytes)))
		}
	default:
		fmt.Fprintf(&b, "%s %s: %s", r.Op, r.Root, r.State)
	}
	if len(r.Failures) > 0 {
		fmt.Fprintf(&b, "\n%d of %d entries failed", len(r.Failures), r.Planned)
	}
	return b.String()
}

// Mkdir is the "mkdir" payload.
type Mkdir struct {
	transfer.MkdirResult
}

func (m Mkdir) Human() string {
	if !m.Created {
		return fmt.Sprintf("%s already exists", m.Path)
	}
	return fmt.Sprintf("Created %s", m.Path)
}

// Mount is printed once a mount is serving.
type Mount struct {
	Mountpoint string `json:"mountpoint"`
	Device     string `json:"device"`
}

func (m Mount) Human() string {
	return fmt.Sprintf("Mounted %s read-only at %s (Ctrl-C or umount to stop)", m.Device, m.Mountpoint)
}

// Version is the "version" payload.
type Version struct {
	Version string `json:"version"`
}

func (v Version) Human() string {
	return "kindle-mtp " + v.Version
}
