package models

// SampleBytes is the size in bytes of one radiometric sample on disk.
const SampleBytes = 2

// SpectralCube represents a decoded hyperspectral capture.
//
// On disk the cube is band-major (band, row, column). In memory it is re-laid
// out pixel-major so that the spectrum of one pixel is a contiguous run of
// Bands samples:
//
//	Data[(row*Width+column)*Bands + band]
type SpectralCube struct {
	// Data holds Bands*Height*Width samples in pixel-major order
	Data []uint16

	// Bands is the number of spectral channels
	Bands int

	// Height is the number of image rows
	Height int

	// Width is the number of image columns
	Width int

	// BitDepth is the radiometric depth of a sample
	BitDepth int
}

// NewSpectralCube allocates a zeroed cube with the given geometry.
func NewSpectralCube(bands, height, width int) *SpectralCube {
	return &SpectralCube{
		Data:     make([]uint16, bands*height*width),
		Bands:    bands,
		Height:   height,
		Width:    width,
		BitDepth: 16,
	}
}

// PixelCount returns Height*Width.
func (c *SpectralCube) PixelCount() int {
	return c.Height * c.Width
}

// At returns the sample at (band, row, column).
func (c *SpectralCube) At(band, row, column int) uint16 {
	return c.Data[(row*c.Width+column)*c.Bands+band]
}

// Set stores v at (band, row, column).
func (c *SpectralCube) Set(band, row, column int, v uint16) {
	c.Data[(row*c.Width+column)*c.Bands+band] = v
}

// Spectrum returns the spectrum of the pixel at the given row-major offset.
// The returned slice aliases the cube.
func (c *SpectralCube) Spectrum(offset int) []uint16 {
	start := offset * c.Bands
	return c.Data[start : start+c.Bands]
}

// LabelRaster is a per-pixel grid of class codes, positionally aligned with a
// SpectralCube's spatial axes. Codes are raw 1-based sensor codes until the
// raster has been aligned, after which they are zero-based class indices.
type LabelRaster struct {
	// Codes holds Height*Width codes in row-major order
	Codes []uint8

	Height int
	Width  int

	// Aligned reports whether Codes are zero-based class indices
	Aligned bool

	// NumClasses is set once the raster is aligned
	NumClasses int
}

// NewLabelRaster allocates a zeroed raw raster.
func NewLabelRaster(height, width int) *LabelRaster {
	return &LabelRaster{
		Codes:  make([]uint8, height*width),
		Height: height,
		Width:  width,
	}
}

// At returns the code at (row, column).
func (l *LabelRaster) At(row, column int) uint8 {
	return l.Codes[row*l.Width+column]
}

// UniqueCodes returns the distinct codes present in the raster in ascending order.
func (l *LabelRaster) UniqueCodes() []uint8 {
	var seen [256]bool
	for _, c := range l.Codes {
		seen[c] = true
	}
	var out []uint8
	for code, ok := range seen {
		if ok {
			out = append(out, uint8(code))
		}
	}
	return out
}

// ClassificationMap holds one class index per pixel, row-major, with the
// same spatial shape as the cube it was produced from.
type ClassificationMap struct {
	Classes []uint8
	Height  int
	Width   int
}

// NewClassificationMap allocates an empty map.
func NewClassificationMap(height, width int) *ClassificationMap {
	return &ClassificationMap{
		Classes: make([]uint8, height*width),
		Height:  height,
		Width:   width,
	}
}

// At returns the class at (row, column).
func (m *ClassificationMap) At(row, column int) uint8 {
	return m.Classes[row*m.Width+column]
}

// Variant identifies a joint geometric transform of a (cube, labels) pair.
// Flips act on the spatial axes only; spectra are unchanged.
type Variant int

const (
	Original Variant = iota
	VerticalFlip
	HorizontalFlip
)

func (v Variant) String() string {
	switch v {
	case Original:
		return "original"
	case VerticalFlip:
		return "vertical-flip"
	case HorizontalFlip:
		return "horizontal-flip"
	default:
		return "unknown"
	}
}

// SourcePixel maps a (variant, row, column) back to the row-major offset of
// the untransformed pixel it came from.
func (v Variant) SourcePixel(row, column, height, width int) int {
	switch v {
	case VerticalFlip:
		row = height - 1 - row
	case HorizontalFlip:
		column = width - 1 - column
	}
	return row*width + column
}
