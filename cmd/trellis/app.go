package trellis

import (
	"fmt"
	"runtime"

	"go.tesserae.dev/trellis/cmd/run"
	"go.tesserae.dev/trellis/cmd/status"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Build = "head"
)

var App = cli.App{
	Name:            "trellis",
	Usage:           fmt.Sprintf("build for %s on %s", runtime.GOARCH, runtime.GOOS),
	Version:         Build,
	HideHelpCommand: true,
	Description:     "partition-tolerant group membership over a shared state table",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "verbose",
			Value: false,
			Usage: "enable verbose logging",
		},
	},
	Commands: []*cli.Command{
		run.Generate(),
		status.Generate(),
	},
	Before: ConfigLogger,
}

func ConfigLogger(ctx *cli.Context) error {
	var config zap.Config
	if ctx.Bool("verbose") {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}
	// Redirect everything to stderr
	config.OutputPaths = []string{"stderr"}
	logger, err := config.Build()
	if err != nil {
		return err
	}
	if _, err := zap.RedirectStdLogAt(logger.With(zap.String("subsystem", "unknown")), zapcore.InfoLevel); err != nil {
		return fmt.Errorf("redirecting stdlog output: %w", err)
	}
	ctx.App.Metadata["logger"] = logger
	return nil
}
