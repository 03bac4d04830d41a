package dataset

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hsiclassify/internal/errs"
	"hsiclassify/pkg/cube"
	"hsiclassify/pkg/labels"
)

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sets", "train_files.csv")
	entries := []Entry{
		{LabelPath: "/data/a.dat", CubePath: "/data/a", PreviewPath: "/data/a.png"},
		{LabelPath: "/data/b.dat", CubePath: "/data/b.bip"},
	}
	require.NoError(t, WriteManifest(path, entries))

	got, err := ReadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, entries, got)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "dat_files,bip_files,png_files")
}

func TestReadManifestResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.csv")
	require.NoError(t, os.WriteFile(path, []byte("dat_files,bip_files\nlabels/a.dat,cubes/a.bip\n"), 0644))

	got, err := ReadManifest(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, filepath.Join(dir, "labels", "a.dat"), got[0].LabelPath)
	assert.Equal(t, filepath.Join(dir, "cubes", "a.bip"), got[0].CubePath)
	assert.Empty(t, got[0].PreviewPath)
}

func TestWriteManifestKeepsRelativePathsResolvable(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	entries := []Entry{{LabelPath: filepath.Join("data", "a.dat"), CubePath: filepath.Join("data", "a.bip")}}
	require.NoError(t, WriteManifest(filepath.Join("data", "sets", "train.csv"), entries))

	got, err := ReadManifest(filepath.Join("data", "sets", "train.csv"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, filepath.Join("data", "a.dat"), got[0].LabelPath)
	assert.Equal(t, filepath.Join("data", "a.bip"), got[0].CubePath)
}

func TestSplit(t *testing.T) {
	entries := make([]Entry, 5)
	for i := range entries {
		entries[i] = Entry{LabelPath: string(rune('a' + i)), CubePath: "c"}
	}

	train, eval, err := Split(entries, 0.6)
	require.NoError(t, err)
	assert.Len(t, train, 3)
	assert.Len(t, eval, 2)
	assert.Equal(t, "d", eval[0].LabelPath)

	train, eval, err = Split(entries[:2], 0.2)
	require.NoError(t, err)
	assert.Len(t, train, 1)
	assert.Len(t, eval, 1)

	train, eval, err = Split(entries[:1], 0.8)
	require.NoError(t, err)
	assert.Len(t, train, 1)
	assert.Empty(t, eval)

	_, _, err = Split(entries, 0)
	assert.Error(t, err)
}

func TestLoadSources(t *testing.T) {
	dir := t.TempDir()
	src := testSource(4, 2, 3)

	cubePath := filepath.Join(dir, "scene.bip")
	require.NoError(t, cube.WriteFile(cubePath, src.Cube))
	labelPath := filepath.Join(dir, "scene.dat")
	require.NoError(t, os.WriteFile(labelPath, []byte{1, 2, 3, 3, 2, 1}, 0644))

	entries := []Entry{{LabelPath: labelPath, CubePath: cubePath}}
	sources, err := LoadSources(context.Background(), entries, LoadOptions{
		Geometry: Geometry{Height: 2, Width: 3, Bands: 4},
		Domain:   &labels.ThreeClass,
	})
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, src.Cube.Data, sources[0].Cube.Data)
	assert.Equal(t, []uint8{0, 1, 2, 2, 1, 0}, sources[0].Labels.Codes)

	unlabeled, err := LoadSources(context.Background(), entries, LoadOptions{
		Geometry:  Geometry{Height: 2, Width: 3, Bands: 4},
		Unlabeled: true,
	})
	require.NoError(t, err)
	assert.Nil(t, unlabeled[0].Labels)

	_, err = LoadSources(context.Background(), entries, LoadOptions{Geometry: Geometry{Height: 3, Width: 3, Bands: 4}})
	var fe *errs.FormatError
	assert.True(t, errors.As(err, &fe))
}

func TestCubeShape(t *testing.T) {
	dir := t.TempDir()
	bare := filepath.Join(dir, "scene.bip")
	require.NoError(t, os.WriteFile(bare, []byte{0, 0}, 0644))

	h, w, err := CubeShape(bare, Geometry{Height: 7, Width: 9, Bands: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, h)
	assert.Equal(t, 9, w)

	capture := filepath.Join(dir, "capture")
	require.NoError(t, os.MkdirAll(capture, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(capture, cube.ConfigFileName), []byte("row_count=2\ncolumn_count=6\nbin_factor=2\nbands=1\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(capture, cube.CubeFileName), make([]byte, 2*2*3), 0644))

	h, w, err = CubeShape(capture, Geometry{Height: 7, Width: 9, Bands: 3})
	require.NoError(t, err)
	assert.Equal(t, 2, h)
	assert.Equal(t, 3, w)

	_, _, err = CubeShape(filepath.Join(dir, "absent"), Geometry{})
	assert.Error(t, err)
}
