// Package mirror diffs the ref sets of two repositories and drives the
// transport engine to make the target agree with the source.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package mirror

import (
	"github.com/gobwas/glob"
	"github.com/pkg/errors"
)

// DefaultInclude covers what a mirror conventionally tracks.
var DefaultInclude = []string{"refs/heads/*", "refs/tags/*"}

// Filter decides which ref names participate in mirroring: a name passes
// when it matches any include pattern and no exclude pattern.
type Filter struct {
	include []glob.Glob
	exclude []glob.Glob
}

// NewFilter compiles the glob patterns. Empty include means DefaultInclude;
// patterns match the whole ref name, with '*' crossing slashes.
func NewFilter(include, exclude []string) (*Filter, error) {
	if len(include) == 0 {
		include = DefaultInclude
	}
	f := &Filter{}
	for _, pat := range include {
		g, err := glob.Compile(pat)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid include pattern %q", pat)
		}
		f.include = append(f.include, g)
	}
	for _, pat := range exclude {
		g, err := glob.Compile(pat)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid exclude pattern %q", pat)
		}
		f.exclude = append(f.exclude, g)
	}
	return f, nil
}

func (f *Filter) Match(name string) bool {
	included := false
	for _, g := range f.include {
		if g.Match(name) {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, g := range f.exclude {
		if g.Match(name) {
			return false
		}
	}
	return true
}
