package dataset

import (
	"context"
	"os"
	"runtime"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hsiclassify/internal/models"
	"hsiclassify/pkg/cube"
	"hsiclassify/pkg/labels"
)

// Geometry is the cube shape assumed for manifest entries that point at a
// bare cube file instead of a capture directory.
type Geometry struct {
	Height int
	Width  int
	Bands  int
}

// LoadOptions configures LoadSources.
type LoadOptions struct {
	Geometry Geometry

	// Domain forces a label domain; nil detects it per file
	Domain *labels.Domain

	// Unlabeled skips the label files
	Unlabeled bool

	Logger *zap.Logger
}

// LoadSources decodes and aligns every manifest entry. Entries are decoded
// in parallel; the first failure aborts the load and names its file.
func LoadSources(ctx context.Context, entries []Entry, opts LoadOptions) ([]Source, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sources := make([]Source, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, entry := range entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			src, err := loadSource(entry, opts)
			if err != nil {
				return err
			}
			logger.Debug("loaded source",
				zap.String("cube", entry.CubePath),
				zap.String("labels", entry.LabelPath),
				zap.Int("height", src.Cube.Height),
				zap.Int("width", src.Cube.Width),
				zap.Int("bands", src.Cube.Bands))
			sources[i] = src
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sources, nil
}

func loadSource(entry Entry, opts LoadOptions) (Source, error) {
	c, err := LoadCube(entry.CubePath, opts.Geometry)
	if err != nil {
		return Source{}, err
	}
	src := Source{Name: entry.CubePath, Cube: c}
	if opts.Unlabeled {
		return src, nil
	}
	aligned, _, err := labels.LoadAligned(entry.LabelPath, c.Height, c.Width, opts.Domain)
	if err != nil {
		return Source{}, err
	}
	src.Labels = aligned
	return src, nil
}

// LoadCube decodes a capture directory using its own configuration, or a
// bare cube file using geometry g.
func LoadCube(path string, g Geometry) (*models.SpectralCube, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening cube %s", path)
	}
	if info.IsDir() {
		c, _, err := cube.DecodeCapture(path)
		return c, err
	}
	return cube.Decode(path, g.Height, g.Width, g.Bands)
}

// CubeShape returns the spatial shape of the cube at path without decoding
// it: a capture directory's configured shape, or g for a bare cube file.
func CubeShape(path string, g Geometry) (height, width int, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "opening cube %s", path)
	}
	if !info.IsDir() {
		return g.Height, g.Width, nil
	}
	meta, err := cube.ReadCaptureMetadata(path)
	if err != nil {
		return 0, 0, err
	}
	return meta.Height, meta.Width, nil
}
