// Package bigfiles implements the "bigfiles" claim source: regular files
// above a configured size threshold are isolated into their own
// components so they can float into standalone layers (spec §4.3.2).
package bigfiles

import (
	"path"
	"regexp"

	"github.com/chunkah/chunkah/model"
)

const (
	sourceName = "bigfiles"
	// DefaultThreshold is 1 MiB, per spec §4.3.2.
	DefaultThreshold = 1 << 20
	// Priority ranks bigfiles below both xattr (0) and rpm (10): lower
	// values win, so an RPM-owned or xattr-tagged path is never taken
	// away from its component by this size-based fallback.
	Priority = 20
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Source claims any regular file whose size exceeds Threshold.
type Source struct {
	Threshold uint64
}

// New returns a Source using threshold, or DefaultThreshold if threshold
// is 0.
func New(threshold uint64) *Source {
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	return &Source{Threshold: threshold}
}

func (s *Source) Name() string  { return sourceName }
func (s *Source) Priority() int { return Priority }

func (s *Source) Claim(p string, entry model.Entry) (string, bool) {
	if entry.Type != model.Regular || entry.Size <= s.Threshold {
		return "", false
	}
	return sanitize(path.Base(p)), true
}

// sanitize strips anything that isn't safe in a component id segment,
// matching the "<source>/<sanitized-basename>" shape from spec §4.3.
func sanitize(name string) string {
	cleaned := unsafeChars.ReplaceAllString(name, "-")
	if cleaned == "" {
		return "file"
	}
	return cleaned
}
