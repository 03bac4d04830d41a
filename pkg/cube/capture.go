package cube

import (
	"bufio"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"hsiclassify/internal/models"
)

const (
	// ConfigFileName is the capture configuration inside a capture directory.
	ConfigFileName = "capture_config.ini"

	// CubeFileName is the preferred raw cube inside a capture directory.
	CubeFileName = "z_compressed_cube.bip"
)

// CaptureConfig holds the key=value pairs of a capture configuration. Each
// value is an int, a float64 or, when it is not numeric, the trimmed string.
type CaptureConfig map[string]interface{}

// Int returns key as an integer. Floats with an integral value are accepted.
func (c CaptureConfig) Int(key string) (int, bool) {
	switch v := c[key].(type) {
	case int:
		return v, true
	case float64:
		if v == math.Trunc(v) {
			return int(v), true
		}
	}
	return 0, false
}

// Float returns key as a float64.
func (c CaptureConfig) Float(key string) (float64, bool) {
	switch v := c[key].(type) {
	case int:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// CaptureMetadata describes the geometry recovered from a capture directory.
type CaptureMetadata struct {
	Config    CaptureConfig
	Height    int
	Width     int
	Bands     int
	BinFactor int
	CubePath  string
}

// ParseCaptureConfig reads a key=value configuration file. Lines without
// exactly one '=' are ignored, as are lines with an empty key.
func ParseCaptureConfig(path string) (CaptureConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening capture config %s", path)
	}
	defer f.Close()

	cfg := CaptureConfig{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), "=")
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		cfg[key] = coerce(strings.TrimSpace(parts[1]))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading capture config %s", path)
	}
	return cfg, nil
}

// coerce probes numeric parseability: integral numbers become int, other
// numbers float64, anything else stays a string.
func coerce(value string) interface{} {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return value
	}
	if f == math.Trunc(f) && math.Abs(f) < math.MaxInt32 {
		return int(f)
	}
	return f
}

// ReadCaptureMetadata recovers cube geometry from a capture directory. The
// width is corrected for horizontal binning; the band count comes from the
// "bands" key when present and is otherwise inferred from the cube size.
func ReadCaptureMetadata(captureDir string) (*CaptureMetadata, error) {
	cfg, err := ParseCaptureConfig(filepath.Join(captureDir, ConfigFileName))
	if err != nil {
		return nil, err
	}

	rows, ok := cfg.Int("row_count")
	if !ok || rows <= 0 {
		return nil, errors.Errorf("capture config in %s has no usable row_count", captureDir)
	}
	columns, ok := cfg.Int("column_count")
	if !ok || columns <= 0 {
		return nil, errors.Errorf("capture config in %s has no usable column_count", captureDir)
	}
	bin, ok := cfg.Int("bin_factor")
	if !ok || bin <= 0 {
		bin = 1
	}

	cubePath, err := findCubeFile(captureDir)
	if err != nil {
		return nil, err
	}

	meta := &CaptureMetadata{
		Config:    cfg,
		Height:    rows,
		Width:     columns / bin,
		BinFactor: bin,
		CubePath:  cubePath,
	}

	if bands, ok := cfg.Int("bands"); ok && bands > 0 {
		meta.Bands = bands
	} else {
		meta.Bands, err = InferBands(cubePath, meta.Height, meta.Width)
		if err != nil {
			return nil, err
		}
	}
	return meta, nil
}

// DecodeCapture decodes the cube of a capture directory using the geometry
// in its configuration.
func DecodeCapture(captureDir string) (*models.SpectralCube, *CaptureMetadata, error) {
	meta, err := ReadCaptureMetadata(captureDir)
	if err != nil {
		return nil, nil, err
	}
	c, err := Decode(meta.CubePath, meta.Height, meta.Width, meta.Bands)
	if err != nil {
		return nil, nil, err
	}
	return c, meta, nil
}

// findCubeFile prefers CubeFileName and otherwise takes the first .bip or
// .bip@ file in lexical order.
func findCubeFile(dir string) (string, error) {
	preferred := filepath.Join(dir, CubeFileName)
	if _, err := os.Stat(preferred); err == nil {
		return preferred, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", errors.Wrapf(err, "listing capture directory %s", dir)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".bip") || strings.HasSuffix(e.Name(), ".bip@") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", errors.Errorf("no .bip cube found in %s", dir)
	}
	sort.Strings(names)
	return filepath.Join(dir, names[0]), nil
}
