package mapio

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hsiclassify/internal/errs"
	"hsiclassify/internal/models"
)

func TestSaveLoad(t *testing.T) {
	m := models.NewClassificationMap(2, 3)
	copy(m.Classes, []uint8{0, 1, 2, 2, 1, 0})
	path := filepath.Join(t.TempDir(), "maps", "scene.map")

	require.NoError(t, Save(path, m))
	got, err := Load(path, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, m, got)
	assert.Equal(t, uint8(2), got.At(1, 0))

	raster := AsLabels(got, 3)
	assert.True(t, raster.Aligned)
	assert.Equal(t, uint8(1), raster.At(1, 1))
}

func TestLoadShapeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.map")
	require.NoError(t, os.WriteFile(path, []byte{0, 1, 2}, 0644))

	_, err := Load(path, 2, 2)
	var se *errs.ShapeMismatchError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, path, se.Path)
	assert.Contains(t, se.Expected, "2x2")
}

func TestSaveRejectsInconsistentMap(t *testing.T) {
	m := &models.ClassificationMap{Classes: []uint8{1}, Height: 2, Width: 2}
	assert.Error(t, Save(filepath.Join(t.TempDir(), "bad.map"), m))
}
