// Package ociimage assembles a LayerPlan and a PathMap into an OCI Image
// Layout archive on disk: oci-layout, index.json, and blobs/sha256/<hex>
// for every layer, the config and the manifest (spec §4.6).
package ociimage

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	digest "github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/chunkah/chunkah/components"
	"github.com/chunkah/chunkah/imageconfig"
	"github.com/chunkah/chunkah/model"
	"github.com/chunkah/chunkah/pack"
	"github.com/chunkah/chunkah/tarlayer"
)

// ComponentAnnotation is the layer-descriptor annotation naming the
// component ids packed into that layer (spec §4.6).
const ComponentAnnotation = "org.chunkah.component"

// Options configures a single Build call.
type Options struct {
	Root             string
	Paths            model.PathMap
	Components       components.ComponentMap
	Plan             pack.LayerPlan
	Config           *v1.Image
	Annotations      map[string]string // manifest-level annotations
	ExtraLabels      map[string]string // merged into the image config's Config.Labels
	Compression      tarlayer.Compression
	Epoch            uint64
	SkipSpecialFiles bool
	OutputDir        string // OCI image layout root; created if absent
}

type layerResult struct {
	descriptor v1.Descriptor
	diffID     digest.Digest
}

// Build writes the OCI image layout described by opts. Layers are emitted
// in parallel (one worker per layer, spec §5); blob writes go through a
// scratch file that is only renamed into place once fully written, so a
// cancelled or failed build never leaves a partial blob behind. The
// returned warnings report entries tarlayer had to drop (e.g. sockets).
func Build(ctx context.Context, opts Options) ([]tarlayer.Warning, error) {
	if err := writeLayout(opts.OutputDir); err != nil {
		return nil, err
	}

	members := layerMembers(opts.Plan, opts.Components)

	results := make([]layerResult, len(opts.Plan.Layers))
	layerWarnings := make([][]tarlayer.Warning, len(opts.Plan.Layers))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, layer := range opts.Plan.Layers {
		i, layer := i, layer
		eg.Go(func() error {
			select {
			case <-egCtx.Done():
				return egCtx.Err()
			default:
			}
			res, warnings, err := buildLayer(opts, layer, members[i])
			if err != nil {
				return errors.Wrapf(err, "building layer %d", i)
			}
			results[i] = res
			layerWarnings[i] = warnings
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var warnings []tarlayer.Warning
	for _, w := range layerWarnings {
		warnings = append(warnings, w...)
	}

	diffIDs := make([]digest.Digest, len(results))
	layerDescs := make([]v1.Descriptor, len(results))
	for i, r := range results {
		diffIDs[i] = r.diffID
		layerDescs[i] = r.descriptor
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = &v1.Image{}
	}
	imageconfig.Finalize(cfg, diffIDs, opts.Epoch, opts.ExtraLabels)

	cfgBytes, err := imageconfig.Marshal(cfg)
	if err != nil {
		return warnings, err
	}
	cfgDigest := digest.FromBytes(cfgBytes)
	if err := writeBlob(opts.OutputDir, cfgDigest, cfgBytes); err != nil {
		return warnings, errors.Wrap(err, "writing image config blob")
	}

	manifest := v1.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: v1.MediaTypeImageManifest,
		Config: v1.Descriptor{
			MediaType: v1.MediaTypeImageConfig,
			Digest:    cfgDigest,
			Size:      int64(len(cfgBytes)),
		},
		Layers:      layerDescs,
		Annotations: opts.Annotations,
	}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return warnings, errors.Wrap(err, "marshaling manifest")
	}
	manifestDigest := digest.FromBytes(manifestBytes)
	if err := writeBlob(opts.OutputDir, manifestDigest, manifestBytes); err != nil {
		return warnings, errors.Wrap(err, "writing manifest blob")
	}

	index := v1.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: v1.MediaTypeImageIndex,
		Manifests: []v1.Descriptor{
			{
				MediaType: v1.MediaTypeImageManifest,
				Digest:    manifestDigest,
				Size:      int64(len(manifestBytes)),
			},
		},
	}
	indexBytes, err := json.Marshal(index)
	if err != nil {
		return warnings, errors.Wrap(err, "marshaling index")
	}
	if err := os.WriteFile(filepath.Join(opts.OutputDir, "index.json"), indexBytes, 0o644); err != nil {
		return warnings, errors.Wrap(err, "writing index.json")
	}

	return warnings, nil
}

// layerMembers resolves, per layer, the lexicographically ordered union of
// every path owned by that layer's components (spec §4.6 "ordered set
// union across components, lexicographic").
func layerMembers(plan pack.LayerPlan, cm components.ComponentMap) [][]string {
	out := make([][]string, len(plan.Layers))
	for i, layer := range plan.Layers {
		var paths []string
		for _, id := range layer.ComponentIDs {
			c, ok := cm[id]
			if !ok {
				continue
			}
			paths = append(paths, c.Paths...)
		}
		sort.Strings(paths)
		out[i] = paths
	}
	return out
}

func buildLayer(opts Options, layer pack.Layer, members []string) (layerResult, []tarlayer.Warning, error) {
	var raw bytes.Buffer
	warnings, err := tarlayer.Write(&raw, opts.Root, opts.Paths, members, tarlayer.None, opts.Epoch, opts.SkipSpecialFiles)
	if err != nil {
		return layerResult{}, warnings, errors.Wrap(err, "writing uncompressed layer for diff-id")
	}
	diffID := digest.FromBytes(raw.Bytes())

	var blob bytes.Buffer
	if _, err := tarlayer.Write(&blob, opts.Root, opts.Paths, members, opts.Compression, opts.Epoch, opts.SkipSpecialFiles); err != nil {
		return layerResult{}, warnings, errors.Wrap(err, "writing compressed layer")
	}
	blobDigest := digest.FromBytes(blob.Bytes())

	if err := writeBlob(opts.OutputDir, blobDigest, blob.Bytes()); err != nil {
		return layerResult{}, warnings, errors.Wrap(err, "writing layer blob")
	}

	sortedIDs := append([]string(nil), layer.ComponentIDs...)
	sort.Strings(sortedIDs)

	annotations := map[string]string{
		ComponentAnnotation: strings.Join(sortedIDs, ","),
	}
	for key, value := range layerAnnotations(opts.Components, sortedIDs) {
		annotations[key] = value
	}

	desc := v1.Descriptor{
		MediaType:   layerMediaType(opts.Compression),
		Digest:      blobDigest,
		Size:        int64(blob.Len()),
		Annotations: annotations,
	}

	return layerResult{descriptor: desc, diffID: diffID}, warnings, nil
}

// layerAnnotations merges every member component's own Annotations (e.g.
// rpmsource's per-SRPM build time) into the layer's annotation set. A key
// carried by more than one component in the layer gets a sorted,
// comma-joined, de-duplicated value list rather than picking one arbitrarily.
func layerAnnotations(cm components.ComponentMap, componentIDs []string) map[string]string {
	collected := map[string]map[string]bool{}
	for _, id := range componentIDs {
		c, ok := cm[id]
		if !ok {
			continue
		}
		for key, value := range c.Annotations {
			if collected[key] == nil {
				collected[key] = map[string]bool{}
			}
			collected[key][value] = true
		}
	}

	out := map[string]string{}
	for key, values := range collected {
		distinct := make([]string, 0, len(values))
		for v := range values {
			distinct = append(distinct, v)
		}
		sort.Strings(distinct)
		out[key] = strings.Join(distinct, ",")
	}
	return out
}

func layerMediaType(c tarlayer.Compression) string {
	return v1.MediaTypeImageLayer + c.MediaTypeSuffix()
}

func writeLayout(outputDir string) error {
	if err := os.MkdirAll(filepath.Join(outputDir, "blobs", "sha256"), 0o755); err != nil {
		return errors.Wrap(err, "creating OCI layout directories")
	}
	layout := struct {
		ImageLayoutVersion string `json:"imageLayoutVersion"`
	}{ImageLayoutVersion: "1.0.0"}
	data, err := json.Marshal(layout)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outputDir, "oci-layout"), data, 0o644)
}

// writeBlob writes data to a scratch file under blobs/sha256 and renames
// it into its final digest-addressed path only once fully written (spec
// §5 "scratch directory ... promoted to final paths only after successful
// digest verification").
func writeBlob(outputDir string, d digest.Digest, data []byte) error {
	dir := filepath.Join(outputDir, "blobs", "sha256")
	final := filepath.Join(dir, d.Encoded())

	tmp, err := os.CreateTemp(dir, ".tmp-blob-")
	if err != nil {
		return errors.Wrap(err, "creating scratch blob file")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "writing blob contents")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "closing scratch blob file")
	}
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "promoting blob into place")
	}
	return nil
}
