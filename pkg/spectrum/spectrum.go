// Package spectrum holds the per-pixel preprocessing shared by training and
// inference: band trimming and min-max normalization.
package spectrum

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Epsilon replaces a zero spectral range during normalization.
const Epsilon = 1e-8

// Trim describes how many noisy edge bands to drop from each spectrum.
type Trim struct {
	Leading  int
	Trailing int
}

// Bands returns the number of bands left after trimming a spectrum of n bands.
func (t Trim) Bands(n int) int {
	return n - t.Leading - t.Trailing
}

// Validate checks the trim leaves at least one band of an n-band spectrum.
func (t Trim) Validate(n int) error {
	if t.Leading < 0 || t.Trailing < 0 {
		return errors.Errorf("negative band trim %d/%d", t.Leading, t.Trailing)
	}
	if t.Bands(n) <= 0 {
		return errors.Errorf("trimming %d leading and %d trailing bands leaves nothing of %d", t.Leading, t.Trailing, n)
	}
	return nil
}

// Apply converts raw samples to float64 and drops the trimmed edge bands.
// dst is reused when it has enough capacity.
func (t Trim) Apply(dst []float64, raw []uint16) []float64 {
	kept := raw[t.Leading : len(raw)-t.Trailing]
	if cap(dst) < len(kept) {
		dst = make([]float64, len(kept))
	}
	dst = dst[:len(kept)]
	for i, v := range kept {
		dst[i] = float64(v)
	}
	return dst
}

// Normalize rescales s in place to [0, 1] using its own minimum and maximum.
// A constant spectrum has its range replaced by Epsilon and becomes all zeros.
func Normalize(s []float64) []float64 {
	if len(s) == 0 {
		return s
	}
	lo, hi := floats.Min(s), floats.Max(s)
	span := hi - lo
	if span == 0 {
		span = Epsilon
	}
	floats.AddConst(-lo, s)
	floats.Scale(1/span, s)
	return s
}

// Prepare trims raw and normalizes the result, the exact preprocessing
// applied to every pixel at both training and inference time.
func Prepare(dst []float64, raw []uint16, trim Trim) []float64 {
	return Normalize(trim.Apply(dst, raw))
}
