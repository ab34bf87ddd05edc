// Package components resolves scanned paths into named components via a
// priority-ordered set of pluggable claim sources (spec §4.3, §4.4).
package components

import (
	"sort"

	"github.com/chunkah/chunkah/model"
)

// UnclaimedComponent is the reserved component id for paths no source
// claims (spec §3, §9).
const UnclaimedComponent = "chunkah/unclaimed"

// ClaimSource is a capability that maps paths to component ids. Lower
// Priority values win; the Registry consults sources in ascending
// priority order and stops at the first non-empty claim (spec §4.4).
type ClaimSource interface {
	// Name identifies the source for logging and for the "<source>/<name>"
	// component id format.
	Name() string

	// Priority orders sources relative to one another; lower wins.
	Priority() int

	// Claim returns the component name this source assigns to path, or
	// ok=false if the source has no opinion about it. The returned name
	// is the part after "<source>/".
	Claim(path string, entry model.Entry) (name string, ok bool)
}

// Annotator is an optional capability a ClaimSource can implement to carry
// extra metadata onto the components it claims (SPEC_FULL.md §4: rpmsource
// carries each SRPM's build time through as a component annotation, even
// though packing itself ignores it).
type Annotator interface {
	// Annotate returns the annotation key/value this source wants attached
	// to the component named name (the same value Claim returned for
	// path), or ok=false if it has nothing to add.
	Annotate(path, name string) (key, value string, ok bool)
}

// Component is the accumulated state for one ComponentId: its member
// paths (in insertion order; callers needing determinism should sort) and
// its cumulative byte size.
type Component struct {
	ID          string
	Paths       []string
	ByteSize    uint64
	Sources     []string          // distinct claim source names that fed this component, for annotations
	Annotations map[string]string // extra metadata contributed by Annotator sources
}

// ComponentMap is the output of Registry.Resolve: component id -> Component
// (spec §3, §4.4).
type ComponentMap map[string]*Component

// SortedIDs returns every component id in lexicographic order.
func (m ComponentMap) SortedIDs() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Warning is a non-fatal diagnostic raised during resolution, e.g. a
// hardlink group folded across components (spec §7: warnings don't
// affect exit status).
type Warning struct {
	Op     string
	Path   string
	Detail string
}

// Registry resolves claims from an ordered set of ClaimSources into a
// single ComponentMap (spec §4.4).
type Registry struct {
	sources []ClaimSource
}

// NewRegistry builds a Registry from the given sources, sorted by
// ascending priority (ties keep source-declaration order, per spec §9
// Open Question (i)).
func NewRegistry(sources ...ClaimSource) *Registry {
	ordered := make([]ClaimSource, len(sources))
	copy(ordered, sources)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() < ordered[j].Priority()
	})
	return &Registry{sources: ordered}
}

// Resolve walks every path in paths and assigns it to exactly one
// component: the first source (in priority order) that claims it, or
// UnclaimedComponent if none do.
//
// Size accounting and hardlink folding follow spec §4.4 exactly: a
// hardlink group's content size is attributed once, to the component of
// its lexicographically-first member (model.Entry.HardlinkGroup), and any
// other member that would otherwise land in a different component is
// folded into that first member's component instead, with a Warning.
func (r *Registry) Resolve(paths model.PathMap) (ComponentMap, []Warning) {
	components := ComponentMap{}
	var warnings []Warning

	// component id each path was assigned to, needed to detect and fold
	// hardlink-across-components conflicts.
	assigned := map[string]string{}

	get := func(id string) *Component {
		c, ok := components[id]
		if !ok {
			c = &Component{ID: id}
			components[id] = c
		}
		return c
	}

	addSource := func(c *Component, source string) {
		for _, s := range c.Sources {
			if s == source {
				return
			}
		}
		c.Sources = append(c.Sources, source)
	}

	for _, path := range paths.SortedPaths() {
		entry := paths[path]

		id := UnclaimedComponent
		source := "chunkah"
		var claimedName string
		var claimedBy ClaimSource
		for _, src := range r.sources {
			if name, ok := src.Claim(path, entry); ok {
				id = src.Name() + "/" + name
				source = src.Name()
				claimedName = name
				claimedBy = src
				break
			}
		}

		if entry.HardlinkGroup != "" && entry.HardlinkGroup != path {
			firstID, seen := assigned[entry.HardlinkGroup]
			if seen && firstID != id {
				warnings = append(warnings, Warning{
					Op:   "folding hardlink member into first member's component",
					Path: path,
					Detail: "hardlink group " + entry.HardlinkGroup + " claimed by " + id +
						" but first member is in " + firstID,
				})
				id = firstID
			}
		}

		c := get(id)
		c.Paths = append(c.Paths, path)
		addSource(c, source)

		if annotator, ok := claimedBy.(Annotator); ok {
			if key, value, ok := annotator.Annotate(path, claimedName); ok {
				if c.Annotations == nil {
					c.Annotations = map[string]string{}
				}
				c.Annotations[key] = value
			}
		}

		// Directories and symlinks contribute 0. A hardlink group
		// contributes its content size exactly once, via its
		// lexicographically-first member (spec §4.4).
		isFirstMemberOrUnique := entry.HardlinkGroup == "" || entry.HardlinkGroup == path
		if entry.Type == model.Regular && isFirstMemberOrUnique {
			c.ByteSize += entry.Size
		}

		if entry.HardlinkGroup == path {
			assigned[path] = id
		}
	}

	return components, warnings
}
