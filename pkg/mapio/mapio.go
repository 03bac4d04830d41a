// Package mapio persists classification maps as raw row-major uint8 rasters,
// the same layout as label files.
package mapio

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"hsiclassify/internal/errs"
	"hsiclassify/internal/models"
)

// Save writes m to path, creating parent directories.
func Save(path string, m *models.ClassificationMap) error {
	if len(m.Classes) != m.Height*m.Width {
		return errors.Errorf("map holds %d classes for a %dx%d shape", len(m.Classes), m.Height, m.Width)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "creating directory for %s", path)
	}
	if err := os.WriteFile(path, m.Classes, 0644); err != nil {
		return errors.Wrapf(err, "writing classification map %s", path)
	}
	return nil
}

// Load reads a map of the given shape from path.
func Load(path string, height, width int) (*models.ClassificationMap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading classification map %s", path)
	}
	if len(raw) != height*width {
		return nil, &errs.ShapeMismatchError{
			Path:     path,
			Expected: fmt.Sprintf("%d classes (%s)", height*width, errs.Shape(height, width)),
			Detected: fmt.Sprintf("%d bytes", len(raw)),
		}
	}
	return &models.ClassificationMap{Classes: raw, Height: height, Width: width}, nil
}

// AsLabels views m as an aligned label raster so it can be scored against
// ground truth.
func AsLabels(m *models.ClassificationMap, numClasses int) *models.LabelRaster {
	return &models.LabelRaster{
		Codes:      m.Classes,
		Height:     m.Height,
		Width:      m.Width,
		Aligned:    true,
		NumClasses: numClasses,
	}
}
