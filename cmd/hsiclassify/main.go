package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	arg "github.com/alexflint/go-arg"
	"go.uber.org/zap"

	"hsiclassify/pkg/config"
	"hsiclassify/pkg/logging"
)

type trainCmd struct {
	Train      string `arg:"--train" help:"training manifest (default from config)"`
	Eval       string `arg:"--eval" help:"evaluation manifest scored after every epoch"`
	Checkpoint string `arg:"--checkpoint" help:"checkpoint written on improvement"`
	Epochs     int    `arg:"--epochs" help:"override the configured epoch count"`
	Fresh      bool   `arg:"--fresh" help:"ignore an existing checkpoint"`
}

type evaluateCmd struct {
	Manifest   string `arg:"--manifest" help:"evaluation manifest (default from config)"`
	Checkpoint string `arg:"--checkpoint" help:"trained checkpoint"`
	Maps       string `arg:"--maps" help:"score the maps infer wrote to this directory instead of running the checkpoint"`
}

type inferCmd struct {
	Cubes      []string `arg:"positional,required" help:"cube files or capture directories"`
	Checkpoint string   `arg:"--checkpoint" help:"trained checkpoint"`
	Output     string   `arg:"-o,--output" help:"output directory"`
	Preview    bool     `arg:"--preview" help:"also render composite and class map images"`
}

type auditCmd struct {
	Manifest string `arg:"positional" help:"manifest whose label files are audited (default from config)"`
}

type manifestCmd struct {
	Input    string  `arg:"positional,required" help:"combined manifest to split"`
	Train    string  `arg:"--train" help:"training manifest output"`
	Eval     string  `arg:"--eval" help:"evaluation manifest output"`
	Fraction float64 `arg:"--fraction" help:"share of captures used for training"`
}

type relabelCmd struct {
	Labels    string  `arg:"positional,required" help:"raw label file"`
	Swap      []uint8 `arg:"--swap" help:"two codes to exchange"`
	Replace   []uint8 `arg:"--replace" help:"code to replace followed by its replacement"`
	ShiftDown bool    `arg:"--shift-down" help:"with --replace, subtract one from every code afterwards"`
	Output    string  `arg:"-o,--output" help:"output file (default <name>_CORR.dat)"`
}

type previewCmd struct {
	Cube   string `arg:"positional,required" help:"cube file or capture directory"`
	Output string `arg:"-o,--output" help:"output directory"`
	Bands  []int  `arg:"--bands" help:"bands to export as grayscale images"`
	Region []int  `arg:"--region" help:"crop to row, column, height and width before rendering"`
	Flip   bool   `arg:"--flip" help:"mirror images top to bottom"`
}

type initConfigCmd struct {
	Force bool `arg:"--force" help:"overwrite an existing file"`
}

type args struct {
	Config   string `arg:"-c,--config" default:"hsiclassify.yaml" help:"configuration file"`
	LogLevel string `arg:"--log-level" help:"override the configured log level"`

	Train      *trainCmd      `arg:"subcommand:train" help:"train the spectral classifier"`
	Evaluate   *evaluateCmd   `arg:"subcommand:evaluate" help:"score a checkpoint on labeled captures"`
	Infer      *inferCmd      `arg:"subcommand:infer" help:"classify every pixel of one or more cubes"`
	Audit      *auditCmd      `arg:"subcommand:audit" help:"check label headers against the canonical class order"`
	Manifest   *manifestCmd   `arg:"subcommand:manifest" help:"split a manifest into training and evaluation sets"`
	Relabel    *relabelCmd    `arg:"subcommand:relabel" help:"swap or replace codes in a label file"`
	Preview    *previewCmd    `arg:"subcommand:preview" help:"render band images and an RGB composite of a cube"`
	InitConfig *initConfigCmd `arg:"subcommand:init-config" help:"write the default configuration file"`
}

func (args) Description() string {
	return "hsiclassify classifies hyperspectral captures pixel by pixel with a 1-D convolutional network.\n"
}

func main() {
	var a args
	p := arg.MustParse(&a)
	if p.Subcommand() == nil {
		p.Fail("missing subcommand")
	}

	if a.InitConfig != nil {
		if err := initConfig(a.Config, a.InitConfig.Force); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.LoadConfig(a.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if a.LogLevel != "" {
		cfg.Logging.Level = a.LogLevel
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.String("path", a.Config), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case a.Train != nil:
		err = runTrain(ctx, cfg, a.Train, logger)
	case a.Evaluate != nil:
		err = runEvaluate(ctx, cfg, a.Evaluate, logger)
	case a.Infer != nil:
		err = runInfer(ctx, cfg, a.Infer, logger)
	case a.Audit != nil:
		err = runAudit(cfg, a.Audit, logger)
	case a.Manifest != nil:
		err = runManifest(cfg, a.Manifest, logger)
	case a.Relabel != nil:
		err = runRelabel(cfg, a.Relabel, logger)
	case a.Preview != nil:
		err = runPreview(cfg, a.Preview, logger)
	}
	if err != nil {
		logger.Fatal("command failed", zap.Error(err))
	}
}

func initConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists; pass --force to overwrite it", path)
	}
	if err := config.CreateDefaultConfigFile(path); err != nil {
		return err
	}
	fmt.Printf("wrote default configuration to %s\n", path)
	return nil
}
