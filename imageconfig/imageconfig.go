// Package imageconfig loads a user-supplied image configuration in either
// of the two shapes spec §6 accepts (a native OCI image-config, or a
// `podman inspect` / `docker inspect` array), and finalizes it for
// embedding into the built image: platform defaults, diff_ids, epoch,
// labels (spec §4.6 "Image config"). Inspect-shape annotations are only
// returned by Load; placing them on the manifest is left to the caller.
package imageconfig

import (
	"bytes"
	"encoding/json"
	"time"

	digest "github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

// inspectEntry models the single element of a `podman inspect` /
// `docker inspect` array this source cares about (spec §6: "the builder
// extracts [0].Config (Entrypoint, Cmd, Env, WorkingDir, Labels) and
// [0].Annotations").
type inspectEntry struct {
	Config struct {
		Entrypoint []string          `json:"Entrypoint"`
		Cmd        []string          `json:"Cmd"`
		Env        []string          `json:"Env"`
		WorkingDir string            `json:"WorkingDir"`
		Labels     map[string]string `json:"Labels"`
	} `json:"Config"`
	Annotations map[string]string `json:"Annotations"`
}

// Load parses raw into an OCI v1.Image plus any podman/docker inspect
// Annotations carried alongside it (nil for the native OCI shape, which
// has no separate annotations field of its own). The shape is
// auto-detected from the JSON top level: an array is the inspect shape,
// an object is taken to already be an OCI image-config.
func Load(raw []byte) (*v1.Image, map[string]string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return &v1.Image{}, nil, nil
	}

	switch trimmed[0] {
	case '[':
		return loadInspectArray(trimmed)
	case '{':
		return loadOCIConfig(trimmed)
	default:
		return nil, nil, errors.New("image config must be a JSON object or array")
	}
}

func loadOCIConfig(raw []byte) (*v1.Image, map[string]string, error) {
	var img v1.Image
	if err := json.Unmarshal(raw, &img); err != nil {
		return nil, nil, errors.Wrap(err, "decoding OCI image config")
	}
	return &img, nil, nil
}

func loadInspectArray(raw []byte) (*v1.Image, map[string]string, error) {
	var entries []inspectEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, nil, errors.Wrap(err, "decoding inspect array")
	}
	if len(entries) == 0 {
		return nil, nil, errors.New("inspect array is empty")
	}

	entry := entries[0]
	img := &v1.Image{
		Config: v1.ImageConfig{
			Entrypoint: entry.Config.Entrypoint,
			Cmd:        entry.Config.Cmd,
			Env:        entry.Config.Env,
			WorkingDir: entry.Config.WorkingDir,
			Labels:     entry.Config.Labels,
		},
	}
	return img, entry.Annotations, nil
}

// Finalize overwrites img's platform defaults, diff_ids, created time, and
// merges extraLabels into img.Config.Labels, matching what the builder
// does to whatever image config it loaded before emitting it (spec §4.6).
func Finalize(img *v1.Image, diffIDs []digest.Digest, epochSeconds uint64, extraLabels map[string]string) {
	if img.Architecture == "" {
		img.Architecture = "amd64"
	}
	if img.OS == "" {
		img.OS = "linux"
	}

	img.RootFS = v1.RootFS{
		Type:    "layers",
		DiffIDs: diffIDs,
	}

	created := time.Unix(int64(epochSeconds), 0).UTC()
	img.Created = &created

	// Per spec §4.6 this build never carries history forward; chunkah
	// repackages a flat rootfs, it does not layer on top of build steps.
	img.History = nil

	if len(extraLabels) == 0 {
		return
	}
	if img.Config.Labels == nil {
		img.Config.Labels = map[string]string{}
	}
	for k, v := range extraLabels {
		img.Config.Labels[k] = v
	}
}

// Marshal renders img as the final OCI image-config JSON blob.
func Marshal(img *v1.Image) ([]byte, error) {
	out, err := json.Marshal(img)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling image config")
	}
	return out, nil
}
