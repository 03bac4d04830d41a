// Package inference applies a trained classifier to every pixel of a cube
// and reassembles the predictions into a classification map.
package inference

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hsiclassify/internal/errs"
	"hsiclassify/internal/models"
	"hsiclassify/pkg/checkpoint"
	"hsiclassify/pkg/network"
	"hsiclassify/pkg/spectrum"
	"hsiclassify/pkg/training"
)

// Classifier maps trimmed, normalized spectra to raw class logits.
// *network.Model satisfies it.
type Classifier interface {
	InputBands() int
	NumClasses() int
	Logits(batch [][]float64) ([][]float64, error)
}

// Options configures ClassifyCube.
type Options struct {
	// Trim is the band trim applied at training time.
	Trim spectrum.Trim

	// Workers classifying rows in parallel. Zero means GOMAXPROCS.
	Workers int

	// Source names the classifier in errors, usually its checkpoint path.
	Source string

	Logger *zap.Logger
}

// ClassifyCube predicts a class for every pixel of c. Each spectrum goes
// through the same trim and normalization used in training, and the arg-max
// class is written at the pixel's row-major position. Rows are classified
// concurrently; the classifier must tolerate concurrent Logits calls.
func ClassifyCube(ctx context.Context, c *models.SpectralCube, clf Classifier, opts Options) (*models.ClassificationMap, error) {
	if err := opts.Trim.Validate(c.Bands); err != nil {
		return nil, err
	}
	if got := opts.Trim.Bands(c.Bands); got != clf.InputBands() {
		return nil, &errs.ModelLoadError{Path: opts.Source, Expected: clf.InputBands(), Detected: got}
	}
	if clf.NumClasses() > 256 {
		return nil, errors.Errorf("%d classes do not fit a byte map", clf.NumClasses())
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	start := time.Now()
	out := models.NewClassificationMap(c.Height, c.Width)
	var rows atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for row := 0; row < c.Height; row++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := classifyRow(c, clf, opts.Trim, row, out); err != nil {
				return errors.Wrapf(err, "classifying row %d", row)
			}
			rows.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger.Info("classified cube",
		zap.Int64("rows", rows.Load()),
		zap.Int("height", c.Height),
		zap.Int("width", c.Width),
		zap.Int("bands", c.Bands),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

func classifyRow(c *models.SpectralCube, clf Classifier, trim spectrum.Trim, row int, out *models.ClassificationMap) error {
	batch := make([][]float64, c.Width)
	for col := range batch {
		batch[col] = spectrum.Prepare(nil, c.Spectrum(row*c.Width+col), trim)
	}
	logits, err := clf.Logits(batch)
	if err != nil {
		return err
	}
	if len(logits) != c.Width {
		return errors.Errorf("classifier returned %d rows for %d pixels", len(logits), c.Width)
	}
	for col, class := range training.Argmax(logits) {
		out.Classes[row*c.Width+col] = uint8(class)
	}
	return nil
}

// LoadClassifier rebuilds a model from the checkpoint at path.
func LoadClassifier(path string) (*network.Model, *checkpoint.Checkpoint, error) {
	c, err := checkpoint.Load(path)
	if err != nil {
		return nil, nil, err
	}
	model, err := checkpoint.Build(c, path)
	if err != nil {
		return nil, nil, err
	}
	return model, c, nil
}
