package transfer

import (
	"time"

	"github.com/kindlemtp/kindle-mtp/internal/errkind"
	"github.com/kindlemtp/kindle-mtp/internal/models"
)

// State is the lifecycle of one top-level operation.
type State int

const (
	Planning State = iota
	Executing
	Completed
	PartiallyFailed
	Aborted
)

func (s State) String() string {
	switch s {
	case Planning:
		return "planning"
	case Executing:
		return "executing"
	case Completed:
		return "completed"
	case PartiallyFailed:
		return "partially_failed"
	default:
		return "aborted"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EntryResult is one plan entry that completed.
type EntryResult struct {
	Path     string            `json:"path"`
	Kind     models.ObjectKind `json:"kind"`
	Location string            `json:"location,omitempty"`
	ID       models.ObjectID   `json:"id,omitempty"`
	Bytes    int64             `json:"bytes"`
	Checksum string            `json:"blake2b,omitempty"`
}

// Report is the outcome of a pull, rm or push.
type Report struct {
	Op       string            `json:"op"`
	Root     string            `json:"root"`
	State    State             `json:"state"`
	Planned  int               `json:"planned"`
	Entries  []EntryResult     `json:"entries"`
	Failures []errkind.Failure `json:"failures,omitempty"`
	Bytes    int64             `json:"bytes"`
	Duration time.Duration     `json:"duration_ns"`

	started time.Time
	cause   error
	single  bool
}

func newReport(op, root string) *Report {
	return &Report{Op: op, Root: root, State: Planning, Entries: []EntryResult{}, started: time.Now()}
}

func (r *Report) succeed(e EntryResult) {
	r.Entries = append(r.Entries, e)
	r.Bytes += e.Bytes
}

func (r *Report) fail(path string, err error) {
	r.Failures = append(r.Failures, errkind.Failure{Path: path, Kind: errkind.KindOf(err), Err: err})
}

// abort ends the operation without exhausting the plan.
func (r *Report) abort(err error) *Report {
	r.State = Aborted
	r.cause = err
	r.Duration = time.Since(r.started)
	return r
}

// finish settles the terminal state after the whole plan ran.
func (r *Report) finish() *Report {
	if len(r.Failures) == 0 {
		r.State = Completed
	} else {
		r.State = PartiallyFailed
	}
	r.Duration = time.Since(r.started)
	return r
}

// Err is the error the command exits with: nil when Completed, the cause
// when Aborted, PartiallyFailed otherwise. A single-file operation reports
// its one failure with that failure's own kind.
func (r *Report) Err() error {
	switch r.State {
	case Completed:
		return nil
	case Aborted:
		if r.cause != nil {
			return r.cause
		}
		return errkind.E(errkind.Internal, r.Op, r.Root, nil)
	default:
		if r.single && len(r.Failures) == 1 && r.Failures[0].Err != nil {
			return r.Failures[0].Err
		}
		return errkind.Partial(r.Op, r.Root, r.Failures)
	}
}

// FailedPaths returns the paths of every failed entry.
func (r *Report) FailedPaths() []string {
	out := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		out = append(out, f.Path)
	}
	return out
}
