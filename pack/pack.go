// Package pack implements the layer packer: it maps a components.ComponentMap
// onto a bounded LayerPlan via greedy size-balanced bin packing (spec §4.5).
package pack

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/chunkah/chunkah/components"
)

const (
	// DefaultMaxLayers is the packer's default layer budget.
	DefaultMaxLayers = 64
	// MaxLayersHardCap keeps the emitted image within practical OCI
	// limits and leaves room for a handful of reserved slots.
	MaxLayersHardCap = 448
	// UnclaimedSoftBoundBytes is the soft size bound for the reserved
	// chunkah/unclaimed layer; exceeding it is a warning, not an error.
	UnclaimedSoftBoundBytes = 100 << 20
)

// Layer is one bin of the plan: a set of component ids packed together and
// their combined byte size.
type Layer struct {
	ComponentIDs []string
	ByteSize     uint64
}

// LayerPlan is the packer's output: layers in final emission order (spec
// §4.5 step 5).
type LayerPlan struct {
	Layers []Layer
}

// Warning mirrors components.Warning's shape for packer-level diagnostics
// (e.g. the unclaimed layer exceeding its soft bound).
type Warning struct {
	Op     string
	Detail string
}

// Pack maps cm onto a LayerPlan of at most maxLayers layers.
//
// maxLayers must be in [1, MaxLayersHardCap]; 0 is rejected per spec §4.5
// ("max_layers = 0 is rejected"), and anything beyond the hard cap is
// clamped down to it.
func Pack(cm components.ComponentMap, maxLayers int) (LayerPlan, []Warning, error) {
	if maxLayers == 0 {
		return LayerPlan{}, nil, errors.New("max-layers must be at least 1")
	}
	if maxLayers < 0 {
		return LayerPlan{}, nil, errors.Errorf("max-layers must be positive, got %d", maxLayers)
	}
	if maxLayers > MaxLayersHardCap {
		maxLayers = MaxLayersHardCap
	}

	if len(cm) == 0 {
		return LayerPlan{}, nil, nil
	}

	var warnings []Warning
	reserved := 0

	var unclaimed *components.Component
	rest := make([]*components.Component, 0, len(cm))
	for _, id := range cm.SortedIDs() {
		c := cm[id]
		if id == components.UnclaimedComponent {
			unclaimed = c
			continue
		}
		rest = append(rest, c)
	}

	if unclaimed != nil {
		reserved = 1
		if unclaimed.ByteSize > UnclaimedSoftBoundBytes {
			warnings = append(warnings, Warning{
				Op:     "packing chunkah/unclaimed layer",
				Detail: "exceeds soft bound of 100 MiB; not split",
			})
		}
	}

	sort.Slice(rest, func(i, j int) bool {
		if rest[i].ByteSize != rest[j].ByteSize {
			return rest[i].ByteSize > rest[j].ByteSize
		}
		return rest[i].ID < rest[j].ID
	})

	budget := maxLayers - reserved
	if budget < 0 {
		budget = 0
	}

	var layers []Layer

	if budget == 0 {
		// max-layers collapses everything, including the reserved slot,
		// into a single bin (the max_layers=1 edge case, and any case
		// where the unclaimed reservation alone exceeds the budget).
		layer := Layer{}
		if unclaimed != nil {
			layer.ComponentIDs = append(layer.ComponentIDs, unclaimed.ID)
			layer.ByteSize += unclaimed.ByteSize
		}
		for _, c := range rest {
			layer.ComponentIDs = append(layer.ComponentIDs, c.ID)
			layer.ByteSize += c.ByteSize
		}
		if len(layer.ComponentIDs) > 0 {
			layers = append(layers, layer)
		}
	} else if len(rest) <= budget {
		// One component per layer, in descending size order (spec §4.5
		// step 3).
		for _, c := range rest {
			layers = append(layers, Layer{ComponentIDs: []string{c.ID}, ByteSize: c.ByteSize})
		}
		if unclaimed != nil {
			layers = append(layers, Layer{ComponentIDs: []string{unclaimed.ID}, ByteSize: unclaimed.ByteSize})
		}
	} else {
		layers = binPack(rest, budget)
		if unclaimed != nil {
			layers = append(layers, Layer{ComponentIDs: []string{unclaimed.ID}, ByteSize: unclaimed.ByteSize})
		}
	}

	orderByPrimaryComponent(layers)

	return LayerPlan{Layers: layers}, warnings, nil
}

// binPack implements Longest-Processing-Time bin packing: comps are
// already sorted descending by size; each is placed into the currently
// smallest bin, ties broken by lowest bin index (spec §4.5 step 4).
func binPack(comps []*components.Component, binCount int) []Layer {
	bins := make([]Layer, binCount)
	for _, c := range comps {
		smallest := 0
		for i := 1; i < binCount; i++ {
			if bins[i].ByteSize < bins[smallest].ByteSize {
				smallest = i
			}
		}
		bins[smallest].ComponentIDs = append(bins[smallest].ComponentIDs, c.ID)
		bins[smallest].ByteSize += c.ByteSize
	}

	out := make([]Layer, 0, binCount)
	for _, b := range bins {
		if len(b.ComponentIDs) > 0 {
			out = append(out, b)
		}
	}
	return out
}

// orderByPrimaryComponent sorts layers by their primary (largest, and thus
// first-listed) component's id, for manifest stability across equivalent
// runs (spec §4.5 step 5).
func orderByPrimaryComponent(layers []Layer) {
	sort.SliceStable(layers, func(i, j int) bool {
		return primaryID(layers[i]) < primaryID(layers[j])
	})
}

func primaryID(l Layer) string {
	if len(l.ComponentIDs) == 0 {
		return ""
	}
	return l.ComponentIDs[0]
}
