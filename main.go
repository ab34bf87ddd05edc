package main

import (
	"os"

	"code.cloudfoundry.org/lager"
	flags "github.com/jessevdk/go-flags"

	"github.com/chunkah/chunkah/command"
)

func main() {
	logger := lager.NewLogger("chunkah")
	logger.RegisterSink(lager.NewWriterSink(os.Stderr, lager.INFO))

	parser := flags.NewParser(&command.Chunkah, flags.HelpFlag|flags.PassDoubleDash)
	parser.NamespaceDelimiter = "-"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		logger.Error("parsing arguments", err)
		os.Exit(1)
	}
}
