package cube

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hsiclassify/internal/errs"
)

func writeCapture(t *testing.T, config string, cubeName string, raw []byte) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(config), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, cubeName), raw, 0644))
	return dir
}

func TestParseCaptureConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	content := "row_count = 4\n" +
		"column_count=24\n" +
		"exposure = 33.5\n" +
		"target = plocan\n" +
		"broken line without separator\n" +
		"a=b=c\n" +
		" = orphan\n" +
		"gain=2.0\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := ParseCaptureConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg["row_count"])
	assert.Equal(t, 24, cfg["column_count"])
	assert.Equal(t, 33.5, cfg["exposure"])
	assert.Equal(t, "plocan", cfg["target"])
	assert.Equal(t, 2, cfg["gain"])
	assert.NotContains(t, cfg, "a")
	assert.Len(t, cfg, 5)

	v, ok := cfg.Float("exposure")
	assert.True(t, ok)
	assert.Equal(t, 33.5, v)
	_, ok = cfg.Int("exposure")
	assert.False(t, ok)
	_, ok = cfg.Int("target")
	assert.False(t, ok)
}

func TestDecodeCaptureCorrectsBinning(t *testing.T) {
	// 3 bands, 2 rows, 24 columns binned by 8 -> width 3.
	dir := writeCapture(t, "row_count=2\ncolumn_count=24\nbin_factor=8\nbands=3\n", CubeFileName, rawCube(3, 2, 3))

	c, meta, err := DecodeCapture(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Height)
	assert.Equal(t, 3, meta.Width)
	assert.Equal(t, 3, meta.Bands)
	assert.Equal(t, 8, meta.BinFactor)
	assert.Equal(t, sampleValue(2, 1, 2), c.At(2, 1, 2))
}

func TestDecodeCaptureInfersBands(t *testing.T) {
	dir := writeCapture(t, "row_count=2\ncolumn_count=3\n", "capture.bip@", rawCube(5, 2, 3))

	c, meta, err := DecodeCapture(dir)
	require.NoError(t, err)
	assert.Equal(t, 5, meta.Bands)
	assert.Equal(t, 1, meta.BinFactor)
	assert.Equal(t, filepath.Join(dir, "capture.bip@"), meta.CubePath)
	assert.Equal(t, 5, c.Bands)
}

func TestDecodeCaptureFormatError(t *testing.T) {
	dir := writeCapture(t, "row_count=2\ncolumn_count=3\nbands=4\n", CubeFileName, rawCube(5, 2, 3))

	_, _, err := DecodeCapture(dir)
	var fe *errs.FormatError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, filepath.Join(dir, CubeFileName), fe.Path)
}

func TestDecodeCaptureMissingGeometry(t *testing.T) {
	dir := writeCapture(t, "column_count=3\n", CubeFileName, rawCube(1, 1, 3))
	_, _, err := DecodeCapture(dir)
	assert.Error(t, err)
}
