// Package output renders command payloads and errors as human-readable
// text or JSON.
package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/kindlemtp/kindle-mtp/internal/errkind"
)

// Payload is a successful command result. JSON rendering marshals the
// payload itself.
type Payload interface {
	Human() string
}

// Renderer prints payloads to stdout and errors to stderr.
type Renderer interface {
	Print(p Payload) error
	Error(err error)
}

// New returns the JSON or human renderer. quiet suppresses successful
// payloads, never errors.
func New(jsonOutput, quiet bool, stdout, stderr io.Writer) Renderer {
	if jsonOutput {
		return &JSON{out: stdout, errOut: stderr, quiet: quiet}
	}
	return &Human{out: stdout, errOut: stderr, quiet: quiet}
}

// Human renders plain text.
type Human struct {
	out    io.Writer
	errOut io.Writer
	quiet  bool
}

// Print writes p.Human() followed by a newline.
func (h *Human) Print(p Payload) error {
	if h.quiet {
		return nil
	}
	_, err := fmt.Fprintln(h.out, p.Human())
	return err
}

// Error writes "Error: ..." and one line per failed entry.
func (h *Human) Error(err error) {
	fmt.Fprintf(h.errOut, "Error: %v\n", err)
	for _, f := range failuresOf(err) {
		fmt.Fprintf(h.errOut, "  %s: %s (%s)\n", f.Path, f.Message, f.Kind)
	}
}

// JSON renders pretty-printed JSON.
type JSON struct {
	out    io.Writer
	errOut io.Writer
	quiet  bool
}

// Print marshals p.
func (j *JSON) Print(p Payload) error {
	if j.quiet {
		return nil
	}
	return writeJSON(j.out, p)
}

// Error writes {"error": {...}} to stderr.
func (j *JSON) Error(err error) {
	kind := errkind.KindOf(err)
	body := struct {
		Error errorJSON `json:"error"`
	}{errorJSON{
		Kind:     kind.String(),
		Message:  err.Error(),
		ExitCode: errkind.ExitCode(err),
		Failures: failuresOf(err),
	}}
	writeJSON(j.errOut, body)
}

type errorJSON struct {
	Kind     string        `json:"kind"`
	Message  string        `json:"message"`
	ExitCode int           `json:"exit_code"`
	Failures []failureJSON `json:"failures,omitempty"`
}

type failureJSON struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func toFailureJSON(fs []errkind.Failure) []failureJSON {
	if len(fs) == 0 {
		return nil
	}
	out := make([]failureJSON, 0, len(fs))
	for _, f := range fs {
		out = append(out, failureJSON{Path: f.Path, Kind: f.Kind.String(), Message: f.Message()})
	}
	return out
}

func failuresOf(err error) []failureJSON {
	var e *errkind.Error
	if errors.As(err, &e) {
		return toFailureJSON(e.Failures)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// TerminalWidth returns the column count of f, or 0 when f is not a
// terminal.
func TerminalWidth(f *os.File) int {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	w, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return w
}
