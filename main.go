package main

import (
	"os"

	trellis "go.tesserae.dev/trellis/cmd/trellis"

	"go.uber.org/zap"
)

func main() {
	if err := trellis.App.Run(os.Args); err != nil {
		if logger, ok := trellis.App.Metadata["logger"].(*zap.Logger); ok {
			logger.Fatal("error running trellis", zap.Error(err))
		}
		os.Exit(1)
	}
}
