package labels

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"hsiclassify/internal/errs"
	"hsiclassify/internal/models"
)

// Load reads a raw uint8 row-major label file and checks it holds exactly
// height*width codes.
func Load(path string, height, width int) (*models.LabelRaster, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading labels %s", path)
	}
	if len(raw) != height*width {
		return nil, &errs.ShapeMismatchError{
			Path:     path,
			Expected: fmt.Sprintf("%d codes (%s)", height*width, errs.Shape(height, width)),
			Detected: fmt.Sprintf("%d codes", len(raw)),
		}
	}
	return &models.LabelRaster{Codes: raw, Height: height, Width: width}, nil
}

// Align remaps the raw codes of raster to class indices. The input raster is
// not modified. A code outside the domain yields *errs.UnknownCodeError;
// path only annotates that error.
func Align(raster *models.LabelRaster, domain Domain, path string) (*models.LabelRaster, error) {
	if raster.Aligned {
		return nil, errors.Errorf("labels %s are already aligned", path)
	}

	var table [256]int16
	for i := range table {
		table[i] = -1
	}
	for code, class := range domain.Codes {
		table[code] = int16(class)
	}

	out := &models.LabelRaster{
		Codes:      make([]uint8, len(raster.Codes)),
		Height:     raster.Height,
		Width:      raster.Width,
		Aligned:    true,
		NumClasses: domain.NumClasses(),
	}
	for i, code := range raster.Codes {
		class := table[code]
		if class < 0 {
			return nil, &errs.UnknownCodeError{Path: path, Code: code, Domain: domain.Name}
		}
		out.Codes[i] = uint8(class)
	}
	return out, nil
}

// LoadAligned loads a label file, resolves its domain (auto-detected when
// domain is nil) and aligns it.
func LoadAligned(path string, height, width int, domain *Domain) (*models.LabelRaster, Domain, error) {
	raw, err := Load(path, height, width)
	if err != nil {
		return nil, Domain{}, err
	}
	d := DetectDomain(raw)
	if domain != nil {
		d = *domain
	}
	aligned, err := Align(raw, d, path)
	if err != nil {
		return nil, Domain{}, err
	}
	return aligned, d, nil
}

// Save writes raster codes as a raw uint8 file.
func Save(path string, raster *models.LabelRaster) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "creating directory for %s", path)
	}
	return errors.Wrapf(os.WriteFile(path, raster.Codes, 0644), "writing labels %s", path)
}

// Swap exchanges two raw codes, returning a new raster.
func Swap(raster *models.LabelRaster, a, b uint8) *models.LabelRaster {
	out := cloneRaster(raster)
	for i, code := range out.Codes {
		switch code {
		case a:
			out.Codes[i] = b
		case b:
			out.Codes[i] = a
		}
	}
	return out
}

// Replace rewrites one raw code to another. With shiftDown every code is
// then decremented by one, which converts a 4-code raster whose first class
// was merged away back into a 1-based 3-code raster.
func Replace(raster *models.LabelRaster, from, to uint8, shiftDown bool) *models.LabelRaster {
	out := cloneRaster(raster)
	for i, code := range out.Codes {
		if code == from {
			code = to
		}
		if shiftDown {
			code--
		}
		out.Codes[i] = code
	}
	return out
}

// CorrectedPath returns the sibling path a corrected label file is written
// to: "x.dat" becomes "x_CORR.dat".
func CorrectedPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_CORR" + ext
}

func cloneRaster(r *models.LabelRaster) *models.LabelRaster {
	out := *r
	out.Codes = append([]uint8(nil), r.Codes...)
	return &out
}
