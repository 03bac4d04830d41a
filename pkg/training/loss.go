// Package training fits a spectral classifier: label-smoothed cross-entropy,
// the AdamW optimizer, a step learning-rate schedule, checkpointing of the
// best epoch and evaluation against held-out captures.
package training

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// CrossEntropy returns the mean label-smoothed cross-entropy of raw logits
// against class indices, and its gradient with respect to the logits.
//
// With smoothing e and K classes the target distribution puts 1-e+e/K on the
// true class and e/K on every other class. The softmax is taken internally,
// so logits must not already be probabilities.
func CrossEntropy(logits [][]float64, labels []int, smoothing float64) (float64, [][]float64, error) {
	if len(logits) != len(labels) {
		return 0, nil, errors.Errorf("%d logit rows for %d labels", len(logits), len(labels))
	}
	if len(logits) == 0 {
		return 0, nil, errors.New("empty batch")
	}
	if smoothing < 0 || smoothing >= 1 {
		return 0, nil, errors.Errorf("label smoothing %g outside [0, 1)", smoothing)
	}

	n := float64(len(logits))
	total := 0.0
	grad := make([][]float64, len(logits))
	for i, z := range logits {
		k := len(z)
		if labels[i] < 0 || labels[i] >= k {
			return 0, nil, errors.Errorf("label %d outside [0, %d)", labels[i], k)
		}
		off := smoothing / float64(k)
		on := 1 - smoothing + off

		lse := floats.LogSumExp(z)
		g := make([]float64, k)
		for c, v := range z {
			logp := v - lse
			q := off
			if c == labels[i] {
				q = on
			}
			total -= q * logp
			g[c] = (math.Exp(logp) - q) / n
		}
		grad[i] = g
	}
	return total / n, grad, nil
}

// Argmax returns the index of the largest logit in each row.
func Argmax(logits [][]float64) []int {
	out := make([]int, len(logits))
	for i, z := range logits {
		out[i] = floats.MaxIdx(z)
	}
	return out
}
