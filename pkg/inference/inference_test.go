package inference

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"hsiclassify/internal/errs"
	"hsiclassify/internal/models"
	"hsiclassify/pkg/checkpoint"
	"hsiclassify/pkg/network"
	"hsiclassify/pkg/spectrum"
	"hsiclassify/pkg/training"
)

// identity returns each spectrum as its logits, so a one-hot spectrum is
// classified as its hot band.
type identity struct {
	classes int
	err     error
}

func (s identity) InputBands() int { return s.classes }
func (s identity) NumClasses() int { return s.classes }

func (s identity) Logits(batch [][]float64) ([][]float64, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float64, len(batch))
	for i, x := range batch {
		out[i] = append([]float64(nil), x...)
	}
	return out, nil
}

// oneHotCube sets band class(row, col) of every pixel high, with lead and
// trail extra noisy bands on either side.
func oneHotCube(classes, height, width, lead, trail int) *models.SpectralCube {
	c := models.NewSpectralCube(lead+classes+trail, height, width)
	for r := 0; r < height; r++ {
		for col := 0; col < width; col++ {
			s := c.Spectrum(r*width + col)
			for b := range s {
				s[b] = 7
			}
			for b := 0; b < lead; b++ {
				s[b] = 60000
			}
			s[lead+(r+2*col)%classes] = 900
		}
	}
	return c
}

func TestClassifyCubeOneHot(t *testing.T) {
	const h, w = 7, 5
	c := oneHotCube(3, h, w, 0, 0)

	m, err := ClassifyCube(context.Background(), c, identity{classes: 3}, Options{Workers: 3})
	require.NoError(t, err)
	assert.Equal(t, h, m.Height)
	assert.Equal(t, w, m.Width)
	require.Len(t, m.Classes, h*w)
	for r := 0; r < h; r++ {
		for col := 0; col < w; col++ {
			assert.Equal(t, uint8((r+2*col)%3), m.At(r, col), "pixel (%d, %d)", r, col)
		}
	}
}

func TestClassifyCubeAppliesTrim(t *testing.T) {
	c := oneHotCube(4, 3, 6, 2, 1)
	trim := spectrum.Trim{Leading: 2, Trailing: 1}

	m, err := ClassifyCube(context.Background(), c, identity{classes: 4}, Options{Trim: trim})
	require.NoError(t, err)
	for r := 0; r < 3; r++ {
		for col := 0; col < 6; col++ {
			assert.Equal(t, uint8((r+2*col)%4), m.At(r, col))
		}
	}
}

func TestClassifyCubeBandMismatch(t *testing.T) {
	c := oneHotCube(3, 2, 2, 0, 0)
	_, err := ClassifyCube(context.Background(), c, identity{classes: 3}, Options{
		Trim:   spectrum.Trim{Leading: 1},
		Source: "model.ckpt",
	})
	var me *errs.ModelLoadError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, 3, me.Expected)
	assert.Equal(t, 2, me.Detected)
	assert.Contains(t, err.Error(), "model.ckpt")
}

func TestClassifyCubeClassifierError(t *testing.T) {
	boom := errors.New("boom")
	_, err := ClassifyCube(context.Background(), oneHotCube(3, 4, 4, 0, 0), identity{classes: 3, err: boom}, Options{})
	assert.True(t, errors.Is(err, boom))
}

func TestClassifyCubeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ClassifyCube(ctx, oneHotCube(3, 4, 4, 0, 0), identity{classes: 3}, Options{})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestClassifyCubeMatchesSequentialModel(t *testing.T) {
	arch := network.DefaultArchitecture(12, 3)
	model, err := network.New(arch, rand.New(rand.NewSource(5)))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(6))
	c := models.NewSpectralCube(14, 5, 4)
	for i := range c.Data {
		c.Data[i] = uint16(rng.Intn(4096))
	}
	trim := spectrum.Trim{Leading: 1, Trailing: 1}

	path := filepath.Join(t.TempDir(), "model.ckpt")
	require.NoError(t, checkpoint.Save(checkpoint.FromModel(model, 0.5), path))
	loaded, meta, err := LoadClassifier(path)
	require.NoError(t, err)
	assert.Equal(t, 0.5, meta.BestAccuracy)

	got, err := ClassifyCube(context.Background(), c, loaded, Options{Trim: trim, Workers: 4, Source: path})
	require.NoError(t, err)

	batch := make([][]float64, c.PixelCount())
	for p := range batch {
		batch[p] = spectrum.Prepare(nil, c.Spectrum(p), trim)
	}
	logits, err := model.Logits(batch)
	require.NoError(t, err)
	for p, class := range training.Argmax(logits) {
		assert.Equal(t, uint8(class), got.Classes[p], "pixel %d", p)
	}
}

func TestLoadClassifierMissing(t *testing.T) {
	_, _, err := LoadClassifier(filepath.Join(t.TempDir(), "absent.ckpt"))
	assert.Error(t, err)
}
