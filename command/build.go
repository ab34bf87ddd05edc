package command

import (
	"context"
	"io/ioutil"
	"strings"
	"time"

	"code.cloudfoundry.org/lager"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"

	"github.com/chunkah/chunkah/imageconfig"
	"github.com/chunkah/chunkah/pipeline"
	"github.com/chunkah/chunkah/scan"
	"github.com/chunkah/chunkah/tarlayer"
)

type buildCommand struct {
	Root   string `long:"root"   required:"true" description:"path to the flat rootfs directory to pack"`
	Output string `long:"output" required:"true" description:"directory to write the OCI image layout to"`

	MaxLayers          int      `long:"max-layers"           default:"64"   description:"maximum number of layers to pack components into"`
	SkipSpecialFiles   bool     `long:"skip-special-files"                  description:"drop fifos from layer tars instead of emitting them (device nodes are always kept, sockets are always dropped)"`
	Prune              []string `long:"prune"                               description:"path to exclude from the scan (repeatable); a trailing / excludes only its contents"`
	BigfilesThreshold  string   `long:"bigfiles-threshold"   default:"1MiB" description:"regular files above this size get their own component"`
	HashWorkers        int      `long:"hash-workers"         default:"4"    description:"bounded worker pool size for content hashing"`
	DebugContentHashes bool     `long:"debug-content-hashes"                description:"eagerly hash every regular file's contents and log them for reproducibility debugging"`

	Config     string   `long:"config"     description:"path to a JSON image config (OCI or podman/docker inspect shape)"`
	ConfigStr  string   `long:"config-str" description:"inline JSON image config, alternative to --config"`
	Annotation []string `long:"annotation" description:"manifest annotation KEY=VALUE (repeatable)"`
	Label      []string `long:"label"      description:"image config label KEY=VALUE (repeatable)"`

	Compression string `long:"compression" default:"gzip" description:"layer compression: gzip|zstd|none"`
	Epoch       int64  `long:"epoch"       description:"clamp every file mtime to this unix epoch (default: now)"`
}

func (c *buildCommand) Execute(args []string) (err error) {
	logger := newLogger()

	compression, err := parseCompression(c.Compression)
	if err != nil {
		return err
	}

	threshold, err := parseBigfilesThreshold(c.BigfilesThreshold)
	if err != nil {
		return err
	}

	epoch := c.Epoch
	if epoch == 0 {
		epoch = time.Now().Unix()
	}

	annotations, err := parseKeyValuePairs(c.Annotation)
	if err != nil {
		err = errors.Wrap(err, "parsing --annotation")
		return
	}
	labels, err := parseKeyValuePairs(c.Label)
	if err != nil {
		err = errors.Wrap(err, "parsing --label")
		return
	}

	cfg, cfgAnnotations, err := c.loadConfig()
	if err != nil {
		return err
	}
	if annotations == nil && len(cfgAnnotations) > 0 {
		annotations = map[string]string{}
	}
	for k, v := range cfgAnnotations {
		if _, overridden := annotations[k]; !overridden {
			annotations[k] = v
		}
	}

	var prunes []scan.Prune
	for _, p := range c.Prune {
		prunes = append(prunes, scan.ParsePrune(p))
	}

	result, err := pipeline.Run(context.Background(), logger, pipeline.Options{
		Root:                 c.Root,
		OutputDir:            c.Output,
		SkipSpecialFiles:     c.SkipSpecialFiles,
		Prunes:               prunes,
		HashWorkers:          c.HashWorkers,
		ComputeContentHashes: c.DebugContentHashes,
		BigfilesThreshold:    threshold,
		MaxLayers:            c.MaxLayers,
		Compression:          compression,
		Epoch:                uint64(epoch),
		Config:               cfg,
		ManifestAnnotations:  annotations,
		ExtraLabels:          labels,
	})
	if err != nil {
		err = errors.Wrap(err, "running build pipeline")
		return
	}

	for _, w := range result.Warnings {
		logger.Info("warning", lager.Data{"detail": w})
	}

	logger.Info("done", lager.Data{
		"components": len(result.Components),
		"layers":     len(result.Plan.Layers),
		"warnings":   len(result.Warnings),
	})
	return nil
}

// loadConfig resolves the --config / --config-str pair into an OCI image
// config and any podman/docker inspect-shape annotations riding along with
// it. Neither flag set is fine: Execute builds from a zero-value v1.Image.
func (c *buildCommand) loadConfig() (*v1.Image, map[string]string, error) {
	if c.Config != "" && c.ConfigStr != "" {
		return nil, nil, errors.New("--config and --config-str are mutually exclusive")
	}

	var raw []byte
	switch {
	case c.Config != "":
		var err error
		raw, err = ioutil.ReadFile(c.Config)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "reading image config %s", c.Config)
		}
	case c.ConfigStr != "":
		raw = []byte(c.ConfigStr)
	default:
		return &v1.Image{}, nil, nil
	}

	img, annotations, err := imageconfig.Load(raw)
	if err != nil {
		return nil, nil, errors.Wrap(err, "loading image config")
	}
	return img, annotations, nil
}

func parseCompression(value string) (tarlayer.Compression, error) {
	switch value {
	case "gzip":
		return tarlayer.Gzip, nil
	case "zstd":
		return tarlayer.Zstd, nil
	case "none":
		return tarlayer.None, nil
	default:
		return tarlayer.None, errors.Errorf("unknown --compression value %q (want gzip, zstd or none)", value)
	}
}

// parseKeyValuePairs turns a set of "KEY=VALUE" strings into a map, the
// format spec §6 uses for --annotation and --label.
func parseKeyValuePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, errors.Errorf("expected KEY=VALUE, got %q", pair)
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}
