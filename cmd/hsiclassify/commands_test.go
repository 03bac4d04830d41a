package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hsiclassify/internal/errs"
	"hsiclassify/internal/models"
	"hsiclassify/pkg/config"
	"hsiclassify/pkg/dataset"
	"hsiclassify/pkg/mapio"
)

func TestStreamsAreReproducibleAndIndependent(t *testing.T) {
	a, b := stream(42, streamShuffle), stream(42, streamShuffle)
	for i := 0; i < 5; i++ {
		assert.Equal(t, a.Uint64(), b.Uint64())
	}

	shuffle, model := stream(42, streamShuffle), stream(42, streamModel)
	assert.NotSame(t, shuffle, model)
	assert.NotEqual(t, shuffle.Uint64(), model.Uint64())
}

func TestMapName(t *testing.T) {
	assert.Equal(t, "scene", mapName(filepath.Join("data", "scene.bip")))
	assert.Equal(t, "capture_01", mapName(filepath.Join("data", "capture_01")+string(filepath.Separator)))
}

func TestRunEvaluateMaps(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Cube.Height, cfg.Cube.Width, cfg.Cube.Bands = 2, 3, 4
	cfg.Labels.Domain = "3-class"

	cubePath := filepath.Join(dir, "scene.bip")
	require.NoError(t, os.WriteFile(cubePath, make([]byte, 2*2*3*4), 0644))
	labelPath := filepath.Join(dir, "scene.dat")
	require.NoError(t, os.WriteFile(labelPath, []byte{1, 2, 3, 3, 2, 1}, 0644))
	manifest := filepath.Join(dir, "eval.csv")
	require.NoError(t, dataset.WriteManifest(manifest, []dataset.Entry{{LabelPath: labelPath, CubePath: cubePath}}))

	maps := filepath.Join(dir, "classified")
	m := models.NewClassificationMap(2, 3)
	copy(m.Classes, []uint8{0, 1, 2, 2, 1, 1})
	require.NoError(t, mapio.Save(filepath.Join(maps, "scene.map"), m))
	assert.NoError(t, runEvaluateMaps(cfg, manifest, maps, zap.NewNop()))

	require.NoError(t, os.WriteFile(filepath.Join(maps, "scene.map"), []byte{0, 1}, 0644))
	err := runEvaluateMaps(cfg, manifest, maps, zap.NewNop())
	var se *errs.ShapeMismatchError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, filepath.Join(maps, "scene.map"), se.Path)
}
