package spectrum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	s := Normalize([]float64{2, 4, 6, 10})
	assert.InDeltaSlice(t, []float64{0, 0.25, 0.5, 1}, s, 1e-12)
}

func TestNormalizeConstantSpectrum(t *testing.T) {
	s := Normalize([]float64{7, 7, 7, 7, 7})
	for _, v := range s {
		assert.Equal(t, 0.0, v)
	}
	assert.Empty(t, Normalize(nil))
}

func TestTrimApply(t *testing.T) {
	raw := []uint16{9, 9, 1, 2, 3, 9}
	trim := Trim{Leading: 2, Trailing: 1}

	require.NoError(t, trim.Validate(len(raw)))
	assert.Equal(t, 3, trim.Bands(len(raw)))
	assert.Equal(t, []float64{1, 2, 3}, trim.Apply(nil, raw))

	buf := make([]float64, 0, 8)
	out := trim.Apply(buf, raw)
	assert.Equal(t, 8, cap(out))
}

func TestTrimValidate(t *testing.T) {
	assert.Error(t, Trim{Leading: 3, Trailing: 3}.Validate(6))
	assert.Error(t, Trim{Leading: -1}.Validate(6))
	assert.NoError(t, Trim{}.Validate(1))
}

func TestPrepare(t *testing.T) {
	out := Prepare(nil, []uint16{100, 0, 50, 100, 100}, Trim{Leading: 1, Trailing: 1})
	assert.InDeltaSlice(t, []float64{0, 0.5, 1}, out, 1e-12)
}
