package training

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"hsiclassify/internal/errs"
	"hsiclassify/internal/models"
	"hsiclassify/pkg/dataset"
	"hsiclassify/pkg/labels"
	"hsiclassify/pkg/spectrum"
)

// Scorer produces raw logits for trimmed, normalized spectra.
// *network.Model satisfies it.
type Scorer interface {
	NumClasses() int
	Logits(batch [][]float64) ([][]float64, error)
}

// Result is the outcome of scoring a labeled loader.
type Result struct {
	Confusion *ConfusionMatrix
	Loss      float64
}

// Accuracy is shorthand for Confusion.Accuracy.
func (r *Result) Accuracy() float64 { return r.Confusion.Accuracy() }

// Evaluate scores every sample of loader in inference mode. Class names
// follow the canonical order of the labels package.
func Evaluate(ctx context.Context, model Scorer, loader *dataset.Loader) (*Result, error) {
	if !loader.Dataset().Labeled() {
		return nil, errors.New("evaluation dataset has no labels")
	}
	cm := NewConfusionMatrix(labels.Names(model.NumClasses()))
	var lossSum float64
	err := loader.Epoch(ctx, func(b *dataset.Batch) error {
		for _, s := range b.Spectra {
			spectrum.Normalize(s)
		}
		logits, err := model.Logits(b.Spectra)
		if err != nil {
			return err
		}
		loss, _, err := CrossEntropy(logits, b.Labels, 0)
		if err != nil {
			return err
		}
		lossSum += loss * float64(b.Len())
		cm.Add(b.Labels, Argmax(logits))
		return nil
	})
	if err != nil {
		return nil, err
	}
	res := &Result{Confusion: cm}
	if cm.Total > 0 {
		res.Loss = lossSum / float64(cm.Total)
	}
	return res, nil
}

// ScoreRasters compares predicted class indices against aligned ground truth
// of the same shape. Pixels whose truth or prediction falls outside
// [0, numClasses) are not counted.
func ScoreRasters(truth, predicted *models.LabelRaster, numClasses int) (*ConfusionMatrix, error) {
	if !truth.Aligned || !predicted.Aligned {
		return nil, errors.New("scoring requires aligned class indices")
	}
	if truth.Height != predicted.Height || truth.Width != predicted.Width || len(truth.Codes) != len(predicted.Codes) {
		return nil, &errs.ShapeMismatchError{
			Expected: errs.Shape(truth.Height, truth.Width),
			Detected: fmt.Sprintf("%s (%d codes)", errs.Shape(predicted.Height, predicted.Width), len(predicted.Codes)),
		}
	}
	cm := NewConfusionMatrix(labels.Names(numClasses))
	t := make([]int, len(truth.Codes))
	p := make([]int, len(predicted.Codes))
	for i := range truth.Codes {
		t[i] = int(truth.Codes[i])
		p[i] = int(predicted.Codes[i])
	}
	cm.Add(t, p)
	return cm, nil
}
