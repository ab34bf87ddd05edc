// Package pipeline wires the four stages spec §2 names into the single
// sequential flow: scan, resolve components, pack layers, build the OCI
// image. Cross-stage execution is strictly sequential; only the scanner
// and the OCI builder parallelize internally (spec §5).
package pipeline

import (
	"context"

	"code.cloudfoundry.org/lager"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"

	"github.com/chunkah/chunkah/components"
	"github.com/chunkah/chunkah/components/bigfiles"
	"github.com/chunkah/chunkah/components/rpmsource"
	"github.com/chunkah/chunkah/components/xattrsource"
	"github.com/chunkah/chunkah/model"
	"github.com/chunkah/chunkah/ociimage"
	"github.com/chunkah/chunkah/pack"
	"github.com/chunkah/chunkah/scan"
	"github.com/chunkah/chunkah/tarlayer"
)

// Options configures a full build run.
type Options struct {
	Root                 string
	OutputDir            string
	SkipSpecialFiles     bool
	Prunes               []scan.Prune
	HashWorkers          int
	ComputeContentHashes bool
	BigfilesThreshold    uint64
	MaxLayers            int
	Compression          tarlayer.Compression
	Epoch                uint64
	Config               *v1.Image
	ManifestAnnotations  map[string]string
	ExtraLabels          map[string]string
}

// Result is a summary of a completed build, for the inspect/build command
// surface to report.
type Result struct {
	Components components.ComponentMap
	Plan       pack.LayerPlan

	// Warnings collects every non-fatal diagnostic raised across the run
	// (component resolution, layer packing, layer writing), formatted for
	// direct display (spec §7).
	Warnings []string
}

// Resolve runs the scan -> claim -> resolve -> pack stages and stops
// there, without touching opts.OutputDir. It backs both Run (which builds
// on top of it) and the inspect command surface, which never writes image
// bytes.
func Resolve(ctx context.Context, logger lager.Logger, opts Options) (Result, model.PathMap, error) {
	sess := logger.Session("pipeline")

	sess.Info("scan-start", lager.Data{"root": opts.Root})
	scanner := scan.New(opts.Root).
		Prune(opts.Prunes...).
		HashWorkers(opts.HashWorkers).
		ComputeContentHashes(opts.ComputeContentHashes)

	paths, err := scanner.Scan(ctx)
	if err != nil {
		return Result{}, nil, errors.Wrap(err, "scanning rootfs")
	}

	var special int
	for _, entry := range paths {
		if entry.Type.IsSpecial() {
			special++
		}
	}
	sess.Info("scan-done", lager.Data{"paths": len(paths), "special": special})

	if opts.ComputeContentHashes {
		for path, entry := range paths {
			if entry.Type != model.Regular {
				continue
			}
			sess.Info("content-hash", lager.Data{
				"path":   path,
				"inode":  scan.DeviceInodeKey(entry.Device, entry.Inode),
				"sha256": entry.ContentHash,
			})
		}
	}

	sources, err := loadClaimSources(opts, paths, sess)
	if err != nil {
		return Result{}, nil, err
	}

	registry := components.NewRegistry(sources...)
	resolved, warnings := registry.Resolve(paths)
	var formatted []string
	for _, w := range warnings {
		sess.Info("resolve-warning", lager.Data{"op": w.Op, "path": w.Path, "detail": w.Detail})
		formatted = append(formatted, scan.FormatWarning(w.Op, w.Path, errors.New(w.Detail)))
	}
	sess.Info("resolve-done", lager.Data{"components": len(resolved)})

	maxLayers := opts.MaxLayers
	if maxLayers == 0 {
		maxLayers = pack.DefaultMaxLayers
	}
	plan, packWarnings, err := pack.Pack(resolved, maxLayers)
	if err != nil {
		return Result{}, nil, errors.Wrap(err, "packing layers")
	}
	for _, w := range packWarnings {
		sess.Info("pack-warning", lager.Data{"op": w.Op, "detail": w.Detail})
		formatted = append(formatted, scan.FormatWarning(w.Op, "", errors.New(w.Detail)))
	}
	sess.Info("pack-done", lager.Data{"layers": len(plan.Layers)})

	return Result{Components: resolved, Plan: plan, Warnings: formatted}, paths, nil
}

// Run executes the full scan -> resolve -> pack -> build pipeline.
func Run(ctx context.Context, logger lager.Logger, opts Options) (Result, error) {
	result, paths, err := Resolve(ctx, logger, opts)
	if err != nil {
		return Result{}, err
	}

	buildWarnings, err := ociimage.Build(ctx, ociimage.Options{
		Root:             opts.Root,
		Paths:            paths,
		Components:       result.Components,
		Plan:             result.Plan,
		Config:           opts.Config,
		Annotations:      opts.ManifestAnnotations,
		ExtraLabels:      opts.ExtraLabels,
		Compression:      opts.Compression,
		Epoch:            opts.Epoch,
		SkipSpecialFiles: opts.SkipSpecialFiles,
		OutputDir:        opts.OutputDir,
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "building OCI image")
	}

	sess := logger.Session("pipeline")
	for _, w := range buildWarnings {
		sess.Info("layer-warning", lager.Data{"op": w.Op, "path": w.Path, "detail": w.Detail})
		result.Warnings = append(result.Warnings, scan.FormatWarning(w.Op, w.Path, errors.New(w.Detail)))
	}
	sess.Info("build-done", lager.Data{"output": opts.OutputDir})

	return result, nil
}

// loadClaimSources builds the claim source set in spec §4.3's priority
// order: xattr overrides win, then rpm package grouping, then the
// bigfiles fallback. Each source's own Load contributes "no claims, not
// an error" when its signal is entirely absent from this rootfs. A source
// whose Load fails is left out and logged as a warning; the remaining
// sources still run.
func loadClaimSources(opts Options, paths model.PathMap, sess lager.Logger) ([]components.ClaimSource, error) {
	var sources []components.ClaimSource

	xattrSrc, ok, err := xattrsource.Load(paths)
	if err != nil {
		sess.Error("claim-source-skipped", err, lager.Data{"source": "xattr"})
	} else if ok {
		sources = append(sources, xattrSrc)
	}

	rpmSrc, ok, err := rpmsource.Load(opts.Root, paths)
	if err != nil {
		sess.Error("claim-source-skipped", err, lager.Data{"source": "rpm"})
	} else if ok {
		sources = append(sources, rpmSrc)
		sess.Info("rpm-source-loaded")
	}

	sources = append(sources, bigfiles.New(opts.BigfilesThreshold))

	return sources, nil
}
