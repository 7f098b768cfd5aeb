// Package tree provides path utilities for the device object graph.
//
// Paths are always anchored at a single logical root. "." and ".." carry no
// traversal meaning: device-assigned names may contain them literally, so
// they are kept as ordinary segments.
package tree

import "strings"

// Separator is the device path separator.
const Separator = "/"

// Segments is a normalized path: an ordered list of non-empty names.
// The empty list is the root.
type Segments []string

// Parse splits a path string into normalized segments. Repeated and
// trailing separators are dropped; a missing leading separator is implied.
func Parse(path string) Segments {
	parts := strings.Split(path, Separator)
	segs := make(Segments, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}

// Normalize returns the canonical string form of path.
func Normalize(path string) string {
	return Parse(path).String()
}

func (s Segments) String() string {
	return Separator + strings.Join(s, Separator)
}

// IsRoot reports whether s names the logical root.
func (s Segments) IsRoot() bool {
	return len(s) == 0
}

// Base returns the last segment, or "" for the root.
func (s Segments) Base() string {
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

// Parent returns s without its last segment. The root is its own parent.
func (s Segments) Parent() Segments {
	if len(s) == 0 {
		return Segments{}
	}
	return append(Segments{}, s[:len(s)-1]...)
}

// Child returns a new path with name appended.
func (s Segments) Child(name string) Segments {
	out := make(Segments, 0, len(s)+1)
	out = append(out, s...)
	return append(out, name)
}

// Join returns a new path with rel appended.
func (s Segments) Join(rel Segments) Segments {
	out := make(Segments, 0, len(s)+len(rel))
	out = append(out, s...)
	return append(out, rel...)
}

// Equal reports whether two paths name the same location.
func (s Segments) Equal(o Segments) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// BuildChildPath constructs a child path string from parent + name.
func BuildChildPath(parentPath, name string) string {
	if parentPath == Separator || parentPath == "" {
		return Separator + name
	}
	return parentPath + Separator + name
}
