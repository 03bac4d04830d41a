// Package visualization renders quick-look images of captures and their
// classification maps.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"hsiclassify/internal/models"
	"hsiclassify/pkg/labels"
)

// Default bands of the true-colour composite.
const (
	DefaultRedBand   = 59
	DefaultGreenBand = 70
	DefaultBlueBand  = 89
)

// Palette colours class indices in the canonical order.
var Palette = []color.RGBA{
	labels.Cloud: {R: 240, G: 240, B: 240, A: 255},
	labels.Land:  {R: 60, G: 140, B: 50, A: 255},
	labels.Sea:   {R: 20, G: 60, B: 160, A: 255},
	labels.Snow:  {R: 150, G: 220, B: 255, A: 255},
}

// Viewer extracts band images and composites from a decoded cube.
type Viewer struct {
	// cube holds the capture being viewed
	cube *models.SpectralCube

	// flip mirrors every rendered image top to bottom, matching how the
	// sensor stores rows
	flip bool
}

// NewViewer creates a viewer over c.
func NewViewer(c *models.SpectralCube, flip bool) *Viewer {
	return &Viewer{cube: c, flip: flip}
}

func (v *Viewer) row(y int) int {
	if v.flip {
		return v.cube.Height - 1 - y
	}
	return y
}

// ExtractBand renders one band as a grayscale image stretched to the band's
// own maximum.
func (v *Viewer) ExtractBand(band int) (*image.Gray16, error) {
	if band < 0 || band >= v.cube.Bands {
		return nil, errors.Errorf("band %d outside [0, %d)", band, v.cube.Bands)
	}

	var peak uint16
	for p := 0; p < v.cube.PixelCount(); p++ {
		if s := v.cube.Data[p*v.cube.Bands+band]; s > peak {
			peak = s
		}
	}

	img := image.NewGray16(image.Rect(0, 0, v.cube.Width, v.cube.Height))
	for y := 0; y < v.cube.Height; y++ {
		for x := 0; x < v.cube.Width; x++ {
			s := v.cube.At(band, v.row(y), x)
			var value uint16
			if peak > 0 {
				value = uint16(uint32(s) * 65535 / uint32(peak))
			}
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return img, nil
}

// Composite stacks three bands into an 8-bit RGB image. All three channels
// share one scale: the maximum sample found across the three bands.
func (v *Viewer) Composite(red, green, blue int) (*image.RGBA, error) {
	bands := [3]int{red, green, blue}
	for _, b := range bands {
		if b < 0 || b >= v.cube.Bands {
			return nil, errors.Errorf("composite band %d outside [0, %d)", b, v.cube.Bands)
		}
	}

	var peak uint16
	for p := 0; p < v.cube.PixelCount(); p++ {
		for _, b := range bands {
			if s := v.cube.Data[p*v.cube.Bands+b]; s > peak {
				peak = s
			}
		}
	}

	img := image.NewRGBA(image.Rect(0, 0, v.cube.Width, v.cube.Height))
	for y := 0; y < v.cube.Height; y++ {
		for x := 0; x < v.cube.Width; x++ {
			var ch [3]uint8
			for i, b := range bands {
				if peak > 0 {
					ch[i] = uint8(uint32(v.cube.At(b, v.row(y), x)) * 255 / uint32(peak))
				}
			}
			img.SetRGBA(x, y, color.RGBA{R: ch[0], G: ch[1], B: ch[2], A: 255})
		}
	}
	return img, nil
}

// DefaultComposite renders the true-colour composite, falling back to the
// last band for cubes with fewer bands than the defaults.
func (v *Viewer) DefaultComposite() (*image.RGBA, error) {
	clamp := func(b int) int {
		if b >= v.cube.Bands {
			return v.cube.Bands - 1
		}
		return b
	}
	return v.Composite(clamp(DefaultRedBand), clamp(DefaultGreenBand), clamp(DefaultBlueBand))
}

// RenderClassMap colours a classification map with Palette. Indices beyond
// the palette are drawn black.
func (v *Viewer) RenderClassMap(m *models.ClassificationMap) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		src := y
		if v.flip {
			src = m.Height - 1 - y
		}
		for x := 0; x < m.Width; x++ {
			c := color.RGBA{A: 255}
			if k := int(m.At(src, x)); k < len(Palette) {
				c = Palette[k]
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// ExtractRegion copies a spatial window of the cube with all its bands.
func (v *Viewer) ExtractRegion(row, column, height, width int) (*models.SpectralCube, error) {
	if row < 0 || column < 0 {
		return nil, errors.New("start coordinates must be non-negative")
	}
	if height <= 0 || width <= 0 {
		return nil, errors.New("region dimensions must be positive")
	}
	if row+height > v.cube.Height || column+width > v.cube.Width {
		return nil, errors.Errorf("region extends beyond the %dx%d capture", v.cube.Height, v.cube.Width)
	}

	out := models.NewSpectralCube(v.cube.Bands, height, width)
	out.BitDepth = v.cube.BitDepth
	for r := 0; r < height; r++ {
		for c := 0; c < width; c++ {
			copy(out.Spectrum(r*width+c), v.cube.Spectrum((row+r)*v.cube.Width+column+c))
		}
	}
	return out, nil
}

// SaveImage writes img as PNG, or JPEG when filename ends in .jpg or .jpeg.
func SaveImage(img image.Image, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return errors.Wrapf(err, "creating directory for %s", filename)
	}
	file, err := os.Create(filename)
	if err != nil {
		return errors.Wrapf(err, "creating %s", filename)
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	default:
		err = png.Encode(file, img)
	}
	if err != nil {
		return errors.Wrapf(err, "encoding %s", filename)
	}
	return file.Close()
}

// SaveBandSequence writes one grayscale PNG per listed band, or per band of
// the cube when bands is empty.
func (v *Viewer) SaveBandSequence(bands []int, outputDir string) error {
	if len(bands) == 0 {
		bands = make([]int, v.cube.Bands)
		for i := range bands {
			bands[i] = i
		}
	}
	for _, b := range bands {
		img, err := v.ExtractBand(b)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("band_%03d.png", b))
		if err := SaveImage(img, filename); err != nil {
			return err
		}
	}
	return nil
}
