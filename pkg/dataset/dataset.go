// Package dataset exposes one or more (cube, labels) pairs as a fixed-size,
// randomly accessible collection of single-pixel samples.
//
// The virtual collection expands the P base pixels of all sources by the
// enabled flip variants V and by D = AugmentFactor+1 draws per pixel, for a
// length of P*V*D. An index i decomposes as
//
//	base    = i % P
//	draw    = (i / P) % D
//	variant = (i / P) / D
//
// so the variant is outermost and the draw innermost. Draw 0 is the
// unmodified spectrum; draws above 0 receive the stochastic perturbations.
package dataset

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"hsiclassify/internal/errs"
	"hsiclassify/internal/models"
	"hsiclassify/pkg/spectrum"
)

// Options controls trimming and augmentation.
type Options struct {
	// Trim removes noisy edge bands from every returned spectrum
	Trim spectrum.Trim

	// Augment enables the stochastic draws; AugmentFactor extra draws are
	// added per base pixel
	Augment       bool
	AugmentFactor int

	// VerticalFlip and HorizontalFlip add jointly flipped copies of every
	// source, materialized at construction
	VerticalFlip   bool
	HorizontalFlip bool

	// NoiseProbability is the chance an augmented draw receives additive
	// Gaussian noise whose standard deviation is a fraction, drawn uniformly
	// from NoiseStdFractionRange, of the pixel's mean intensity
	NoiseProbability      float64
	NoiseStdFractionRange [2]float64

	// ScaleProbability is the chance an augmented draw is multiplied by a
	// per-band Gaussian factor centered at 1 with standard deviation drawn
	// the same way from ScaleStdFractionRange
	ScaleProbability      float64
	ScaleStdFractionRange [2]float64

	// Rand drives the draws made through Get. Nil uses a generator seeded
	// with 1.
	Rand *rand.Rand
}

// DefaultOptions returns augmentation settings that match the training
// defaults: no trim, augmentation off, noise and scaling at 50% each.
func DefaultOptions() Options {
	return Options{
		AugmentFactor:         1,
		NoiseProbability:      0.5,
		NoiseStdFractionRange: [2]float64{0.01, 0.05},
		ScaleProbability:      0.5,
		ScaleStdFractionRange: [2]float64{0.00005, 0.0002},
	}
}

// Source is one co-registered (cube, labels) pair. Labels is nil for
// inference-only sources. The dataset takes ownership of both.
type Source struct {
	Name   string
	Cube   *models.SpectralCube
	Labels *models.LabelRaster
}

// Sample is one spectrum with its class index when the dataset is labeled.
type Sample struct {
	Spectrum []float64
	Label    int
	Labeled  bool
}

// Location is the decomposition of a virtual index.
type Location struct {
	Variant models.Variant
	Base    int
	Draw    int
	Source  int
	Pixel   int
}

type view struct {
	cube   *models.SpectralCube
	labels []uint8
}

type source struct {
	name     string
	variants []view
}

// Dataset is an immutable virtual collection of pixel samples. Get is safe
// for concurrent use; GetWith is safe as long as each caller owns its rng.
type Dataset struct {
	opts     Options
	sources  []source
	offsets  []int // first base index of each source
	variants []models.Variant
	base     int
	draws    int
	bands    int
	labeled  bool

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds a dataset over sources. Flip variants are computed here, once.
// A source whose label raster disagrees with its cube geometry fails with
// *errs.ShapeMismatchError; labels must already be aligned.
func New(sources []Source, opts Options) (*Dataset, error) {
	if len(sources) == 0 {
		return nil, errors.New("dataset needs at least one source")
	}
	if opts.Augment && opts.AugmentFactor < 0 {
		return nil, errors.Errorf("negative augment factor %d", opts.AugmentFactor)
	}

	ds := &Dataset{
		opts:     opts,
		variants: []models.Variant{models.Original},
		draws:    1,
		rng:      opts.Rand,
	}
	if ds.rng == nil {
		ds.rng = rand.New(rand.NewSource(1))
	}
	if opts.Augment {
		ds.draws = opts.AugmentFactor + 1
	}
	if opts.VerticalFlip {
		ds.variants = append(ds.variants, models.VerticalFlip)
	}
	if opts.HorizontalFlip {
		ds.variants = append(ds.variants, models.HorizontalFlip)
	}

	ds.labeled = sources[0].Labels != nil
	for i, src := range sources {
		name := src.Name
		if name == "" {
			name = fmt.Sprintf("source %d", i)
		}
		if src.Cube == nil {
			return nil, errors.Errorf("%s has no cube", name)
		}
		if (src.Labels != nil) != ds.labeled {
			return nil, errors.Errorf("%s: cannot mix labeled and unlabeled sources", name)
		}
		if err := opts.Trim.Validate(src.Cube.Bands); err != nil {
			return nil, errors.Wrap(err, name)
		}
		bands := opts.Trim.Bands(src.Cube.Bands)
		if i == 0 {
			ds.bands = bands
		} else if bands != ds.bands {
			return nil, &errs.ShapeMismatchError{
				Path:     name,
				Expected: fmt.Sprintf("%d bands after trim", ds.bands),
				Detected: fmt.Sprintf("%d bands after trim", bands),
			}
		}

		var codes []uint8
		if src.Labels != nil {
			l := src.Labels
			if l.Height != src.Cube.Height || l.Width != src.Cube.Width || len(l.Codes) != l.Height*l.Width {
				return nil, &errs.ShapeMismatchError{
					Path:     name,
					Expected: errs.Shape(src.Cube.Height, src.Cube.Width),
					Detected: errs.Shape(l.Height, l.Width),
				}
			}
			if !l.Aligned {
				return nil, errors.Errorf("%s: labels must be aligned before building a dataset", name)
			}
			codes = l.Codes
		}

		s := source{name: name}
		for _, v := range ds.variants {
			s.variants = append(s.variants, flip(src.Cube, codes, v))
		}
		ds.offsets = append(ds.offsets, ds.base)
		ds.sources = append(ds.sources, s)
		ds.base += src.Cube.PixelCount()
	}
	if ds.base == 0 {
		return nil, errors.New("dataset sources contain no pixels")
	}
	return ds, nil
}

// flip materializes a jointly flipped copy of a cube and its codes.
func flip(c *models.SpectralCube, codes []uint8, v models.Variant) view {
	if v == models.Original {
		return view{cube: c, labels: codes}
	}
	out := models.NewSpectralCube(c.Bands, c.Height, c.Width)
	out.BitDepth = c.BitDepth
	var labels []uint8
	if codes != nil {
		labels = make([]uint8, len(codes))
	}
	for row := 0; row < c.Height; row++ {
		for col := 0; col < c.Width; col++ {
			dst := row*c.Width + col
			src := v.SourcePixel(row, col, c.Height, c.Width)
			copy(out.Spectrum(dst), c.Spectrum(src))
			if labels != nil {
				labels[dst] = codes[src]
			}
		}
	}
	return view{cube: out, labels: labels}
}

// Len returns P*V*D.
func (d *Dataset) Len() int {
	return d.base * len(d.variants) * d.draws
}

// BasePixels returns the number of pixels across all sources, P.
func (d *Dataset) BasePixels() int { return d.base }

// Bands returns the spectrum length after trimming.
func (d *Dataset) Bands() int { return d.bands }

// Labeled reports whether samples carry class indices.
func (d *Dataset) Labeled() bool { return d.labeled }

// Variants returns the enabled geometric variants, Original first.
func (d *Dataset) Variants() []models.Variant {
	return append([]models.Variant(nil), d.variants...)
}

// Locate decomposes a virtual index.
func (d *Dataset) Locate(i int) (Location, error) {
	if i < 0 || i >= d.Len() {
		return Location{}, errors.Errorf("index %d out of range [0, %d)", i, d.Len())
	}
	base := i % d.base
	q := i / d.base
	loc := Location{
		Base:    base,
		Draw:    q % d.draws,
		Variant: d.variants[q/d.draws],
	}
	loc.Source = sort.Search(len(d.offsets), func(k int) bool { return d.offsets[k] > base }) - 1
	loc.Pixel = base - d.offsets[loc.Source]
	return loc, nil
}

// Get returns sample i, drawing augmentation randomness from the dataset's
// own generator.
func (d *Dataset) Get(i int) (Sample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.GetWith(i, d.rng)
}

// GetWith returns sample i using rng for the augmentation draws.
func (d *Dataset) GetWith(i int, rng *rand.Rand) (Sample, error) {
	loc, err := d.Locate(i)
	if err != nil {
		return Sample{}, err
	}
	v := d.sources[loc.Source].variants[variantSlot(d.variants, loc.Variant)]

	s := Sample{Spectrum: d.opts.Trim.Apply(nil, v.cube.Spectrum(loc.Pixel))}
	if v.labels != nil {
		s.Label = int(v.labels[loc.Pixel])
		s.Labeled = true
	}
	if loc.Draw > 0 {
		d.perturb(s.Spectrum, rng)
	}
	return s, nil
}

func variantSlot(variants []models.Variant, v models.Variant) int {
	for i, x := range variants {
		if x == v {
			return i
		}
	}
	return 0
}

// perturb applies the independent noise and scale draws in place.
func (d *Dataset) perturb(s []float64, rng *rand.Rand) {
	mean := stat.Mean(s, nil)

	if rng.Float64() < d.opts.NoiseProbability {
		if sigma := fraction(d.opts.NoiseStdFractionRange, rng) * mean; sigma > 0 {
			noise := distuv.Normal{Mu: 0, Sigma: sigma, Src: rng}
			for i := range s {
				s[i] += noise.Rand()
			}
		}
	}
	if rng.Float64() < d.opts.ScaleProbability {
		if sigma := fraction(d.opts.ScaleStdFractionRange, rng) * mean; sigma > 0 {
			scale := distuv.Normal{Mu: 1, Sigma: sigma, Src: rng}
			for i := range s {
				s[i] *= scale.Rand()
			}
		}
	}
}

func fraction(r [2]float64, rng *rand.Rand) float64 {
	if r[1] <= r[0] {
		return r[0]
	}
	return distuv.Uniform{Min: r[0], Max: r[1], Src: rng}.Rand()
}
