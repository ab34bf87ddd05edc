// Package rpmsource implements the "rpm" claim source: every path owned by
// an installed RPM is grouped by that package's source RPM (SRPM) name, so
// packages built from the same source tree land in the same component
// (spec §4.3.1, grounded on original_source/src/components/rpm.rs).
package rpmsource

import (
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/chunkah/chunkah/model"
)

// buildTimeAnnotation is carried through onto every component this source
// claims (SPEC_FULL.md §4): packing ignores it, but it's cheap to keep and
// useful to downstream tooling that does care about package freshness.
const buildTimeAnnotation = "org.chunkah.srpm-buildtime"

const (
	sourceName = "rpm"
	// Priority sits below xattr (0, explicit user intent always wins) and
	// above bigfiles (20, a generic fallback grouping), so an RPM-owned
	// path is grouped with its package unless a file or directory xattr
	// overrides it (spec §4.4).
	Priority = 10

	dbRelPath = "usr/lib/sysimage/rpm/rpmdb.sqlite"
)

// excludedPrefixes lists the RPM database's own on-disk locations. Their
// paths are never claimed by this source (they fall through to
// chunkah/unclaimed), matching original_source's RPMDB_PATHS exclusion —
// the database describes the packages, it isn't part of any of them.
var excludedPrefixes = []string{
	"/usr/lib/sysimage/rpm",
	"/usr/share/rpm",
	"/var/lib/rpm",
}

// Source maps paths to the SRPM name that owns them.
type Source struct {
	owners     map[string]string
	buildTimes map[string]uint64 // srpm name -> owning package's BUILDTIME tag
}

// Load opens rootDir's rpmdb.sqlite, if present, and resolves every row in
// its Packages table into the set of paths it owns. Per spec §4.3.1, an
// absent database is not an error: Load returns (nil, false, nil) so the
// caller simply omits this source from the registry.
func Load(rootDir string, paths model.PathMap) (*Source, bool, error) {
	dbPath := filepath.Join(rootDir, dbRelPath)
	if _, err := os.Stat(dbPath); err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "statting %s", dbPath)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, false, errors.Wrapf(err, "opening %s", dbPath)
	}
	defer db.Close()

	rows, err := db.Query(`SELECT blob FROM Packages`)
	if err != nil {
		return nil, false, errors.Wrap(err, "querying Packages table")
	}
	defer rows.Close()

	owners := map[string]string{}
	buildTimes := map[string]uint64{}
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, false, errors.Wrap(err, "scanning Packages row")
		}

		h, err := parseHeader(blob)
		if err != nil {
			// A single malformed/foreign-format header shouldn't sink the
			// whole source; the paths it would have owned simply stay
			// unclaimed.
			continue
		}

		srpm := parseSRPMName(h.sourceRPM)
		if srpm == "" {
			srpm = h.name
		}
		if srpm == "" {
			continue
		}

		if h.buildTime > 0 {
			buildTimes[srpm] = h.buildTime
		}

		for _, f := range h.files() {
			if isExcluded(f) {
				continue
			}
			if _, known := paths[f]; !known {
				continue
			}
			owners[f] = srpm
		}
	}
	if err := rows.Err(); err != nil {
		return nil, false, errors.Wrap(err, "iterating Packages rows")
	}

	if len(owners) == 0 {
		return nil, false, nil
	}
	return &Source{owners: owners, buildTimes: buildTimes}, true, nil
}

func (s *Source) Name() string  { return sourceName }
func (s *Source) Priority() int { return Priority }

func (s *Source) Claim(path string, _ model.Entry) (string, bool) {
	if isExcluded(path) {
		return "", false
	}
	name, ok := s.owners[path]
	return name, ok
}

// Annotate carries the owning SRPM's build time onto the component, so a
// layer packing together this component's files still records when the
// source package it came from was built.
func (s *Source) Annotate(_ string, name string) (string, string, bool) {
	bt, ok := s.buildTimes[name]
	if !ok {
		return "", "", false
	}
	return buildTimeAnnotation, strconv.FormatUint(bt, 10), true
}

func isExcluded(path string) bool {
	for _, prefix := range excludedPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// parseSRPMName extracts the source package name from a full SRPM
// filename, e.g. "bash-5.2.15-5.fc40.src.rpm" -> "bash". Ported from
// original_source/src/components/rpm.rs's parse_srpm_name: strip the
// ".src.rpm" suffix, then split from the right on '-' into at most three
// parts (release, version, name) and keep the name.
func parseSRPMName(srpm string) string {
	withoutSuffix := strings.TrimSuffix(srpm, ".src.rpm")
	parts := rsplitN(withoutSuffix, "-", 3)
	if len(parts) >= 3 {
		return parts[2]
	}
	return withoutSuffix
}

// rsplitN mirrors Rust's str::rsplitn(n, sep): splits from the right,
// collecting at most n elements, with the final (leftmost) element holding
// whatever remains unsplit.
func rsplitN(s, sep string, n int) []string {
	var parts []string
	for len(parts) < n-1 {
		idx := strings.LastIndex(s, sep)
		if idx < 0 {
			break
		}
		parts = append(parts, s[idx+len(sep):])
		s = s[:idx]
	}
	parts = append(parts, s)
	return parts
}
