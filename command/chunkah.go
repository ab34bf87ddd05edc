// Package command is the CLI surface over the pipeline package: a single
// "build" subcommand that packs a rootfs into an OCI image, and a single
// "inspect" subcommand that reports the resolved components without
// writing an image (spec §1, §6).
package command

import (
	"io"
	"os"

	"code.cloudfoundry.org/lager"
	units "github.com/docker/go-units"
	"github.com/pkg/errors"
)

// Chunkah is the top-level go-flags command group, registered from main.
var Chunkah struct {
	Build   buildCommand   `command:"build"   description:"packs a rootfs directory into a layered OCI image"`
	Inspect inspectCommand `command:"inspect" description:"resolves a rootfs's components and layer plan without writing an image"`
}

func newLogger() lager.Logger {
	logger := lager.NewLogger("chunkah")
	logger.RegisterSink(lager.NewWriterSink(os.Stderr, lager.INFO))
	return logger
}

// openOutput resolves an --output-style flag value into a writer: "-"
// means stdout, anything else is a file path truncated and created as
// needed.
func openOutput(path string) (io.Writer, error) {
	if path == "" || path == "-" {
		return os.Stdout, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// parseBigfilesThreshold parses the --bigfiles-threshold value (e.g.
// "1MiB", "512KB") shared by build and inspect.
func parseBigfilesThreshold(value string) (uint64, error) {
	n, err := units.RAMInBytes(value)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing --bigfiles-threshold value %q", value)
	}
	return uint64(n), nil
}
