// Package xattrsource implements the "xattr" claim source: files and
// directories carrying the user.component xattr pin their own (and, per
// SPEC_FULL.md §4, their descendants') component assignment (spec §4.3.2).
package xattrsource

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/chunkah/chunkah/model"
)

const (
	sourceName = "xattr"
	// Priority is the lowest numeric value among the built-in sources so
	// that explicit user intent always overrides package claims (spec
	// §4.3.2).
	Priority = 0
)

// Source resolves user.component xattrs, including directory
// inheritance: a directory's xattr applies to every descendant that does
// not carry its own, nearer override (SPEC_FULL.md §4, grounded on
// original_source/src/components/xattr.rs).
type Source struct {
	// effective maps every path with a resolved component (own xattr or
	// inherited) to that component's name. Pre-computed by Load so that
	// Claim is a pure lookup.
	effective map[string]string
}

// Load pre-computes directory inheritance over every entry in paths. It
// returns (nil, false) if no path carries the xattr at all, matching the
// original's "contributes no claims" behavior for an absent feature
// rather than an error.
func Load(paths model.PathMap) (*Source, bool, error) {
	effective := map[string]string{}

	type frame struct {
		dir  string
		name string
	}
	var stack []frame

	for _, path := range paths.SortedPaths() {
		entry := paths[path]

		for len(stack) > 0 && !isAncestor(stack[len(stack)-1].dir, path) {
			stack = stack[:len(stack)-1]
		}

		own, err := componentXattr(entry)
		if err != nil {
			return nil, false, errors.Wrapf(err, "reading xattr for %s", path)
		}

		if own != "" && entry.Type == model.Directory {
			stack = append(stack, frame{dir: path, name: own})
		}

		name := own
		if name == "" && len(stack) > 0 {
			name = stack[len(stack)-1].name
		}
		if name != "" {
			effective[path] = name
		}
	}

	if len(effective) == 0 {
		return nil, false, nil
	}
	return &Source{effective: effective}, true, nil
}

func isAncestor(dir, path string) bool {
	return path == dir || strings.HasPrefix(path, dir+"/")
}

func componentXattr(entry model.Entry) (string, error) {
	raw, ok := entry.Xattr(model.ComponentXattr)
	if !ok {
		return "", nil
	}
	return string(raw), nil
}

func (s *Source) Name() string  { return sourceName }
func (s *Source) Priority() int { return Priority }

func (s *Source) Claim(path string, _ model.Entry) (string, bool) {
	name, ok := s.effective[path]
	return name, ok
}
