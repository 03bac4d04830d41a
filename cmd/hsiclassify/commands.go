package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/rand"

	"hsiclassify/internal/errs"
	"hsiclassify/internal/models"
	"hsiclassify/pkg/config"
	"hsiclassify/pkg/dataset"
	"hsiclassify/pkg/inference"
	"hsiclassify/pkg/labels"
	"hsiclassify/pkg/mapio"
	"hsiclassify/pkg/network"
	"hsiclassify/pkg/training"
	"hsiclassify/pkg/visualization"
)

func pick(flag, fallback string) string {
	if flag != "" {
		return flag
	}
	return fallback
}

// Random streams derived from the configured seed. Each consumer owns its
// generator so dropout draws do not depend on shuffle order.
const (
	streamAugment = iota
	streamShuffle
	streamEvalAugment
	streamEvalShuffle
	streamModel
)

// stream returns the generator of one stream of seed.
func stream(seed uint64, id int) *rand.Rand {
	return rand.New(rand.NewSource(seed + uint64(id)))
}

// loadLoader reads a manifest and wraps its captures in a batch loader.
// augment drives per-sample perturbation and shuffle the epoch order.
func loadLoader(ctx context.Context, cfg *config.Config, manifest string, train bool, augment, shuffle *rand.Rand, logger *zap.Logger) (*dataset.Loader, error) {
	entries, err := dataset.ReadManifest(manifest)
	if err != nil {
		return nil, err
	}
	domain, err := cfg.LabelDomain()
	if err != nil {
		return nil, err
	}
	sources, err := dataset.LoadSources(ctx, entries, dataset.LoadOptions{
		Geometry: cfg.Geometry(),
		Domain:   domain,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	ds, err := dataset.New(sources, cfg.DatasetOptions(train, augment))
	if err != nil {
		return nil, err
	}
	logger.Info("dataset ready",
		zap.String("manifest", manifest),
		zap.Int("captures", len(sources)),
		zap.Int("pixels", ds.BasePixels()),
		zap.Int("samples", ds.Len()),
		zap.Int("bands", ds.Bands()),
		zap.Strings("variants", variantNames(ds.Variants())),
	)
	return dataset.NewLoader(ds, dataset.LoaderOptions{
		BatchSize: cfg.Training.BatchSize,
		Shuffle:   train,
		Workers:   cfg.Dataset.Workers,
		Rand:      shuffle,
	})
}

func variantNames(vs []models.Variant) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.String()
	}
	return out
}

// mapName is the file infer writes the classification map of cubePath to.
func mapName(cubePath string) string {
	return strings.TrimSuffix(filepath.Base(filepath.Clean(cubePath)), filepath.Ext(cubePath))
}

func runTrain(ctx context.Context, cfg *config.Config, cmd *trainCmd, logger *zap.Logger) error {
	seed := cfg.Dataset.Seed
	trainLoader, err := loadLoader(ctx, cfg, pick(cmd.Train, cfg.Manifest.Train), true,
		stream(seed, streamAugment), stream(seed, streamShuffle), logger)
	if err != nil {
		return err
	}
	var evalLoader *dataset.Loader
	if cmd.Eval != "" {
		evalLoader, err = loadLoader(ctx, cfg, cmd.Eval, false,
			stream(seed, streamEvalAugment), stream(seed, streamEvalShuffle), logger)
		if err != nil {
			return err
		}
	}

	model, err := network.New(cfg.Architecture(), stream(seed, streamModel))
	if err != nil {
		return err
	}
	logger.Debug("model", zap.String("summary", model.Summary()))

	epochs := cfg.Training.Epochs
	if cmd.Epochs > 0 {
		epochs = cmd.Epochs
	}
	trainer, err := training.NewTrainer(&training.Params{
		Model:          model,
		Train:          trainLoader,
		Eval:           evalLoader,
		Epochs:         epochs,
		LearningRate:   cfg.Training.LearningRate,
		WeightDecay:    cfg.Training.WeightDecay,
		LabelSmoothing: cfg.Training.LabelSmoothing,
		StepSize:       cfg.Training.StepSize,
		Gamma:          cfg.Training.Gamma,
		CheckpointPath: pick(cmd.Checkpoint, cfg.Training.CheckpointPath),
		Resume:         cfg.Training.Resume && !cmd.Fresh,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	if err := trainer.Run(ctx); err != nil {
		if ctx.Err() != nil {
			logger.Warn("training interrupted", zap.Int("epochs_completed", len(trainer.GetMetrics())))
			return nil
		}
		return err
	}
	logger.Info("training complete",
		zap.Float64("best_accuracy", trainer.BestAccuracy()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func loadModel(cfg *config.Config, path string, logger *zap.Logger) (*network.Model, error) {
	model, c, err := inference.LoadClassifier(path)
	if err != nil {
		return nil, err
	}
	if want := cfg.Trim().Bands(cfg.Cube.Bands); model.InputBands() != want {
		return nil, &errs.ModelLoadError{Path: path, Expected: model.InputBands(), Detected: want}
	}
	logger.Info("loaded checkpoint",
		zap.String("path", path),
		zap.Float64("best_accuracy", c.BestAccuracy),
		zap.String("run_id", c.Metadata.RunID),
		zap.Int("epoch", c.Metadata.Epoch+1),
	)
	return model, nil
}

func runEvaluate(ctx context.Context, cfg *config.Config, cmd *evaluateCmd, logger *zap.Logger) error {
	if cmd.Maps != "" {
		return runEvaluateMaps(cfg, pick(cmd.Manifest, cfg.Manifest.Eval), cmd.Maps, logger)
	}
	path := pick(cmd.Checkpoint, cfg.Training.CheckpointPath)
	model, err := loadModel(cfg, path, logger)
	if err != nil {
		return err
	}
	loader, err := loadLoader(ctx, cfg, pick(cmd.Manifest, cfg.Manifest.Eval), false,
		stream(cfg.Dataset.Seed, streamEvalAugment), stream(cfg.Dataset.Seed, streamEvalShuffle), logger)
	if err != nil {
		return err
	}
	res, err := training.Evaluate(ctx, model, loader)
	if err != nil {
		return err
	}
	logger.Info("evaluation complete",
		zap.Float64("accuracy", res.Accuracy()),
		zap.Float64("macro_f1", res.Confusion.MacroF1()),
		zap.Float64("loss", res.Loss),
		zap.Int("pixels", res.Confusion.Total),
	)
	fmt.Print(res.Confusion.String())
	return nil
}

// runEvaluateMaps scores saved classification maps against the labels of
// every manifest entry and reports the pooled confusion matrix.
func runEvaluateMaps(cfg *config.Config, manifest, dir string, logger *zap.Logger) error {
	entries, err := dataset.ReadManifest(manifest)
	if err != nil {
		return err
	}
	domain, err := cfg.LabelDomain()
	if err != nil {
		return err
	}

	type scored struct {
		path  string
		truth *models.LabelRaster
		pred  *models.LabelRaster
	}
	var (
		pending    []scored
		numClasses = cfg.Model.NumClasses
	)
	for _, e := range entries {
		h, w, err := dataset.CubeShape(e.CubePath, cfg.Geometry())
		if err != nil {
			return err
		}
		truth, _, err := labels.LoadAligned(e.LabelPath, h, w, domain)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, mapName(e.CubePath)+".map")
		m, err := mapio.Load(path, h, w)
		if err != nil {
			return err
		}
		numClasses = max(numClasses, truth.NumClasses)
		pending = append(pending, scored{path: path, truth: truth, pred: mapio.AsLabels(m, cfg.Model.NumClasses)})
	}

	total := training.NewConfusionMatrix(labels.Names(numClasses))
	for _, s := range pending {
		cm, err := training.ScoreRasters(s.truth, s.pred, numClasses)
		if err != nil {
			var se *errs.ShapeMismatchError
			if errors.As(err, &se) {
				se.Path = s.path
			}
			return err
		}
		logger.Debug("scored map", zap.String("map", s.path), zap.Float64("accuracy", cm.Accuracy()))
		total.Merge(cm)
	}
	logger.Info("map evaluation complete",
		zap.Int("maps", len(pending)),
		zap.Float64("accuracy", total.Accuracy()),
		zap.Float64("macro_f1", total.MacroF1()),
		zap.Int("pixels", total.Total),
	)
	fmt.Print(total.String())
	return nil
}

func runInfer(ctx context.Context, cfg *config.Config, cmd *inferCmd, logger *zap.Logger) error {
	path := pick(cmd.Checkpoint, cfg.Training.CheckpointPath)
	model, _, err := inference.LoadClassifier(path)
	if err != nil {
		return err
	}
	outDir := pick(cmd.Output, cfg.Inference.OutputDir)

	for _, cubePath := range cmd.Cubes {
		c, err := dataset.LoadCube(cubePath, cfg.Geometry())
		if err != nil {
			return err
		}
		m, err := inference.ClassifyCube(ctx, c, model, inference.Options{
			Trim:    cfg.Trim(),
			Workers: cfg.Inference.Workers,
			Source:  path,
			Logger:  logger.With(zap.String("cube", cubePath)),
		})
		if err != nil {
			return err
		}

		name := mapName(cubePath)
		mapPath := filepath.Join(outDir, name+".map")
		if err := mapio.Save(mapPath, m); err != nil {
			return err
		}
		logger.Info("wrote classification map", zap.String("path", mapPath), zap.Int("height", m.Height), zap.Int("width", m.Width))

		if cmd.Preview || cfg.Inference.Preview {
			v := visualization.NewViewer(c, cfg.Inference.FlipPreview)
			if err := visualization.SaveImage(v.RenderClassMap(m), filepath.Join(outDir, name+"_classes.png")); err != nil {
				return err
			}
			composite, err := v.DefaultComposite()
			if err != nil {
				return err
			}
			if err := visualization.SaveImage(composite, filepath.Join(outDir, name+"_rgb.png")); err != nil {
				return err
			}
		}
	}
	return nil
}

func runAudit(cfg *config.Config, cmd *auditCmd, logger *zap.Logger) error {
	entries, err := dataset.ReadManifest(pick(cmd.Manifest, cfg.Manifest.Path))
	if err != nil {
		return err
	}
	inconsistent := 0
	for _, e := range entries {
		report, err := labels.AuditFile(e.LabelPath)
		if err != nil {
			logger.Warn("audit skipped", zap.String("labels", e.LabelPath), zap.Error(err))
			continue
		}
		if !report.Consistent() {
			inconsistent++
		}
		fmt.Printf("%s\t%s\t%v\n", report.LabelPath, report.Domain.Name, report.Values())
	}
	logger.Info("audit complete", zap.Int("files", len(entries)), zap.Int("inconsistent", inconsistent))
	return nil
}

func runManifest(cfg *config.Config, cmd *manifestCmd, logger *zap.Logger) error {
	entries, err := dataset.ReadManifest(cmd.Input)
	if err != nil {
		return err
	}
	fraction := cfg.Manifest.SplitFraction
	if cmd.Fraction > 0 {
		fraction = cmd.Fraction
	}
	train, eval, err := dataset.Split(entries, fraction)
	if err != nil {
		return err
	}
	trainPath := pick(cmd.Train, cfg.Manifest.Train)
	evalPath := pick(cmd.Eval, cfg.Manifest.Eval)
	if err := dataset.WriteManifest(trainPath, train); err != nil {
		return err
	}
	if err := dataset.WriteManifest(evalPath, eval); err != nil {
		return err
	}
	logger.Info("manifest split",
		zap.String("train", trainPath),
		zap.Int("train_captures", len(train)),
		zap.String("eval", evalPath),
		zap.Int("eval_captures", len(eval)),
	)
	return nil
}

func runRelabel(cfg *config.Config, cmd *relabelCmd, logger *zap.Logger) error {
	if (len(cmd.Swap) == 0) == (len(cmd.Replace) == 0) {
		return errors.New("pass exactly one of --swap or --replace")
	}
	raster, err := labels.Load(cmd.Labels, cfg.Cube.Height, cfg.Cube.Width)
	if err != nil {
		return err
	}
	switch {
	case len(cmd.Swap) == 2:
		raster = labels.Swap(raster, cmd.Swap[0], cmd.Swap[1])
	case len(cmd.Replace) == 2:
		raster = labels.Replace(raster, cmd.Replace[0], cmd.Replace[1], cmd.ShiftDown)
	default:
		return errors.New("--swap and --replace take exactly two codes")
	}
	out := pick(cmd.Output, labels.CorrectedPath(cmd.Labels))
	if err := labels.Save(out, raster); err != nil {
		return err
	}
	logger.Info("wrote corrected labels", zap.String("path", out), zap.Uint8s("codes", raster.UniqueCodes()))
	return nil
}

func runPreview(cfg *config.Config, cmd *previewCmd, logger *zap.Logger) error {
	c, err := dataset.LoadCube(cmd.Cube, cfg.Geometry())
	if err != nil {
		return err
	}
	outDir := pick(cmd.Output, cfg.Inference.OutputDir)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return errors.Wrapf(err, "creating %s", outDir)
	}
	v := visualization.NewViewer(c, cmd.Flip)
	if len(cmd.Region) > 0 {
		if len(cmd.Region) != 4 {
			return errors.New("--region takes row, column, height and width")
		}
		region, err := v.ExtractRegion(cmd.Region[0], cmd.Region[1], cmd.Region[2], cmd.Region[3])
		if err != nil {
			return err
		}
		v = visualization.NewViewer(region, cmd.Flip)
	}
	composite, err := v.DefaultComposite()
	if err != nil {
		return err
	}
	if err := visualization.SaveImage(composite, filepath.Join(outDir, "composite.png")); err != nil {
		return err
	}
	if len(cmd.Bands) > 0 {
		if err := v.SaveBandSequence(cmd.Bands, outDir); err != nil {
			return err
		}
	}
	logger.Info("wrote preview", zap.String("dir", outDir), zap.Ints("bands", cmd.Bands))
	return nil
}
