package transfer

import (
	"fmt"
	"path"

	"github.com/gobwas/glob"

	"github.com/kindlemtp/kindle-mtp/internal/errkind"
)

// Filter selects files of a recursive pull by glob. Patterns are matched
// against the path relative to the pulled directory and against the base
// name; "*" does not cross "/" while "**" does.
type Filter struct {
	include []glob.Glob
	exclude []glob.Glob
}

// NewFilter compiles include and exclude patterns.
func NewFilter(include, exclude []string) (*Filter, error) {
	f := &Filter{}
	var err error
	if f.include, err = compileAll(include); err != nil {
		return nil, err
	}
	if f.exclude, err = compileAll(exclude); err != nil {
		return nil, err
	}
	return f, nil
}

func compileAll(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, errkind.E(errkind.Internal, "filter", p, fmt.Errorf("invalid pattern: %w", err))
		}
		out = append(out, g)
	}
	return out, nil
}

func anyMatch(globs []glob.Glob, rel string) bool {
	base := path.Base(rel)
	for _, g := range globs {
		if g.Match(rel) || g.Match(base) {
			return true
		}
	}
	return false
}

// Match reports whether the file at rel is transferred. A nil Filter
// matches everything.
func (f *Filter) Match(rel string) bool {
	if f == nil {
		return true
	}
	if len(f.include) > 0 && !anyMatch(f.include, rel) {
		return false
	}
	return !anyMatch(f.exclude, rel)
}

// Empty reports whether the filter has no patterns.
func (f *Filter) Empty() bool {
	return f == nil || (len(f.include) == 0 && len(f.exclude) == 0)
}
