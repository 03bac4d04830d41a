package labels

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

func writeLabels(t *testing.T, codes []uint8) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scene-l1a.dat")
	require.NoError(t, os.WriteFile(path, codes, 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeLabels(t, []uint8{1, 2, 3, 1, 2, 3})

	raster, err := Load(path, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), raster.At(1, 2))
	assert.False(t, raster.Aligned)

	_, err = Load(path, 3, 3)
	var se *errs.ShapeMismatchError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, path, se.Path)
	assert.Contains(t, se.Expected, "3x3")
	assert.Contains(t, se.Detected, "6")
}

func TestAlignThreeClass(t *testing.T) {
	raw := &models.LabelRaster{Codes: []uint8{1, 2, 3, 3, 2, 1}, Height: 2, Width: 3}

	aligned, err := Align(raw, ThreeClass, "mem")
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 1, 2, 2, 1, 0}, aligned.Codes)
	assert.True(t, aligned.Aligned)
	assert.Equal(t, 3, aligned.NumClasses)

	// Input is untouched.
	assert.Equal(t, []uint8{1, 2, 3, 3, 2, 1}, raw.Codes)
}

func TestAlignFourClass(t *testing.T) {
	raw := &models.LabelRaster{Codes: []uint8{1, 2, 3, 4}, Height: 1, Width: 4}

	aligned, err := Align(raw, FourClass, "mem")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint8{0, 1, 2, 3}, aligned.Codes)
	assert.Equal(t, []uint8{uint8(Snow), uint8(Cloud), uint8(Land), uint8(Sea)}, aligned.Codes)
	assert.Equal(t, 4, aligned.NumClasses)
}

func TestAlignUnknownCode(t *testing.T) {
	raw := &models.LabelRaster{Codes: []uint8{1, 2, 4}, Height: 1, Width: 3}

	_, err := Align(raw, ThreeClass, "scene.dat")
	var ue *errs.UnknownCodeError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, uint8(4), ue.Code)
	assert.Equal(t, "scene.dat", ue.Path)

	_, err = Align(&models.LabelRaster{Codes: []uint8{0}, Height: 1, Width: 1}, FourClass, "x")
	assert.True(t, errors.As(err, &ue))
}

func TestDetectDomain(t *testing.T) {
	tests := []struct {
		name  string
		codes []uint8
		want  string
	}{
		{"three codes", []uint8{1, 2, 3, 1}, ThreeClass.Name},
		{"two codes stay three-class", []uint8{2, 3}, ThreeClass.Name},
		{"four codes", []uint8{1, 2, 3, 4}, FourClass.Name},
		{"code four alone", []uint8{2, 4}, FourClass.Name},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raster := &models.LabelRaster{Codes: tt.codes, Height: 1, Width: len(tt.codes)}
			assert.Equal(t, tt.want, DetectDomain(raster).Name)
		})
	}
}

func TestLoadAligned(t *testing.T) {
	path := writeLabels(t, []uint8{4, 3, 2, 1})

	aligned, domain, err := LoadAligned(path, 2, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, FourClass.Name, domain.Name)
	assert.Equal(t, []uint8{2, 1, 0, 3}, aligned.Codes)

	_, _, err = LoadAligned(path, 2, 2, &ThreeClass)
	var ue *errs.UnknownCodeError
	assert.True(t, errors.As(err, &ue))
}

func TestSwapReplaceSave(t *testing.T) {
	raw := &models.LabelRaster{Codes: []uint8{1, 2, 3, 4}, Height: 2, Width: 2}

	swapped := Swap(raw, 1, 3)
	assert.Equal(t, []uint8{3, 2, 1, 4}, swapped.Codes)
	assert.Equal(t, []uint8{1, 2, 3, 4}, raw.Codes)

	// Snow merged into Cloud, then shifted back to a 1-based 3-code raster.
	merged := Replace(raw, 1, 2, true)
	assert.Equal(t, []uint8{1, 1, 2, 3}, merged.Codes)

	// Shifting lowers codes below the replaced one too.
	assert.Equal(t, []uint8{0, 1, 2, 2}, Replace(raw, 4, 3, true).Codes)

	assert.Equal(t, []uint8{1, 1, 3, 4}, Replace(raw, 2, 1, false).Codes)

	src := writeLabels(t, raw.Codes)
	out := CorrectedPath(src)
	assert.Equal(t, "scene-l1a_CORR.dat", filepath.Base(out))
	require.NoError(t, Save(out, merged))

	reloaded, err := Load(out, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, merged.Codes, reloaded.Codes)
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"Cloud", "Land", "Sea"}, Names(3))
	assert.Equal(t, []string{"Cloud", "Land", "Sea", "Snow"}, Names(9))
	assert.Equal(t, "Sea", Sea.String())
}

func TestDomainByName(t *testing.T) {
	d, err := DomainByName("4-class")
	require.NoError(t, err)
	assert.Equal(t, 4, d.NumClasses())

	_, err = DomainByName("five")
	assert.Error(t, err)
}
