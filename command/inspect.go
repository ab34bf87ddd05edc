package command

import (
	"context"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/chunkah/chunkah/components"
	"github.com/chunkah/chunkah/pack"
	"github.com/chunkah/chunkah/pipeline"
	"github.com/chunkah/chunkah/scan"
)

type inspectCommand struct {
	Root   string `long:"root"   required:"true" description:"path to the flat rootfs directory to inspect"`
	Output string `long:"output" default:"-"      description:"where to write the report ('-' for stdout)"`
	Format string `long:"format" default:"json"   description:"report format: json or yaml"`

	SkipSpecialFiles   bool     `long:"skip-special-files"   description:"no effect here: inspect writes no layer tars (with build, it drops fifos from them)"`
	Prune              []string `long:"prune"                description:"path to exclude from the scan (repeatable); a trailing / excludes only its contents"`
	BigfilesThreshold  string   `long:"bigfiles-threshold"  default:"1MiB" description:"regular files above this size get their own component"`
	MaxLayers          int      `long:"max-layers"          default:"64"   description:"maximum number of layers to pack components into"`
	HashWorkers        int      `long:"hash-workers"        default:"4"    description:"bounded worker pool size for content hashing"`
	DebugContentHashes bool     `long:"debug-content-hashes" description:"eagerly hash every regular file's contents and log them for reproducibility debugging"`
}

// reportV1 is the shape inspect renders: every resolved component and the
// layer plan it would pack into, without ever writing image bytes.
type reportV1 struct {
	Kind       string              `json:"kind" yaml:"kind"`
	Components []reportComponentV1 `json:"components" yaml:"components"`
	Layers     []reportLayerV1     `json:"layers" yaml:"layers"`
	Warnings   []string            `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

type reportComponentV1 struct {
	ID          string            `json:"id" yaml:"id"`
	ByteSize    uint64            `json:"byteSize" yaml:"byteSize"`
	PathCount   int               `json:"pathCount" yaml:"pathCount"`
	Sources     []string          `json:"sources" yaml:"sources"`
	Annotations map[string]string `json:"annotations,omitempty" yaml:"annotations,omitempty"`
}

type reportLayerV1 struct {
	ComponentIDs []string `json:"componentIds" yaml:"componentIds"`
	ByteSize     uint64   `json:"byteSize" yaml:"byteSize"`
}

func newReportV1(cm components.ComponentMap, plan pack.LayerPlan, warnings []string) reportV1 {
	report := reportV1{Kind: "chunkah.inspect/v1", Warnings: warnings}

	for _, id := range cm.SortedIDs() {
		c := cm[id]
		report.Components = append(report.Components, reportComponentV1{
			ID:          c.ID,
			ByteSize:    c.ByteSize,
			PathCount:   len(c.Paths),
			Sources:     c.Sources,
			Annotations: c.Annotations,
		})
	}

	for _, layer := range plan.Layers {
		report.Layers = append(report.Layers, reportLayerV1{
			ComponentIDs: layer.ComponentIDs,
			ByteSize:     layer.ByteSize,
		})
	}

	return report
}

func (c *inspectCommand) Execute(args []string) (err error) {
	logger := newLogger()

	threshold, err := parseBigfilesThreshold(c.BigfilesThreshold)
	if err != nil {
		return err
	}

	var prunes []scan.Prune
	for _, p := range c.Prune {
		prunes = append(prunes, scan.ParsePrune(p))
	}

	result, _, err := pipeline.Resolve(context.Background(), logger, pipeline.Options{
		Root:                 c.Root,
		SkipSpecialFiles:     c.SkipSpecialFiles,
		Prunes:               prunes,
		HashWorkers:          c.HashWorkers,
		ComputeContentHashes: c.DebugContentHashes,
		BigfilesThreshold:    threshold,
		MaxLayers:            c.MaxLayers,
	})
	if err != nil {
		err = errors.Wrap(err, "resolving components")
		return
	}

	report := newReportV1(result.Components, result.Plan, result.Warnings)

	var out []byte
	switch c.Format {
	case "json":
		out, err = json.MarshalIndent(report, "", "  ")
	case "yaml":
		out, err = yaml.Marshal(report)
	default:
		err = errors.Errorf("unknown --format value %q (want json or yaml)", c.Format)
	}
	if err != nil {
		return
	}

	w, err := openOutput(c.Output)
	if err != nil {
		err = errors.Wrapf(err, "opening %s", c.Output)
		return
	}
	if f, ok := w.(*os.File); ok && f != os.Stdout {
		defer f.Close()
	}

	_, err = w.Write(out)
	if err != nil {
		err = errors.Wrapf(err, "writing report to %s", c.Output)
	}
	return
}
