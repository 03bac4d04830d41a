package checkpoint

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"hsiclassify/internal/errs"
	"hsiclassify/pkg/network"
)

func testArchitecture() network.Architecture {
	return network.Architecture{
		InputBands: 12,
		NumClasses: 3,
		Blocks: []network.Block{
			{Channels: 4, Kernel: 3, Pool: true},
			{Channels: 6, Kernel: 5},
		},
		Activation:        network.SiLU,
		LeakySlope:        0.01,
		DropoutBeforePool: 0.1,
		DropoutAfterPool:  0.3,
		BatchNormMomentum: 0.1,
		BatchNormEpsilon:  1e-5,
	}
}

func trainedModel(t *testing.T) *network.Model {
	t.Helper()
	m, err := network.New(testArchitecture(), rand.New(rand.NewSource(21)))
	require.NoError(t, err)
	_, _, err = m.TrainForward(fixedBatch(4, 17))
	require.NoError(t, err)
	return m
}

func fixedBatch(n int, seed uint64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	batch := make([][]float64, n)
	for i := range batch {
		batch[i] = make([]float64, testArchitecture().InputBands)
		for j := range batch[i] {
			batch[i][j] = rng.Float64()
		}
	}
	return batch
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, name := range []string{"model.json", "model.ckpt"} {
		t.Run(name, func(t *testing.T) {
			m := trainedModel(t)
			c := FromModel(m, 0.875)
			c.OptimizerStep = 42
			c.OptimizerState = map[string]network.Tensor{
				"adamw.first.stages.0.bias":  {Shape: []int{2}, Data: []float64{0.25, -0.5}},
				"adamw.second.stages.0.bias": {Shape: []int{2}, Data: []float64{0.0625, 0.25}},
			}
			c.LearningRate = 5e-4
			c.Metadata.RunID = "run-1"
			c.Metadata.Epoch = 7
			c.Metadata.CreatedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

			path := filepath.Join(t.TempDir(), "out", name)
			require.NoError(t, Save(c, path))

			got, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, c.Architecture, got.Architecture)
			assert.Equal(t, c.Parameters, got.Parameters)
			assert.Equal(t, 0.875, got.BestAccuracy)
			assert.Equal(t, 42, got.OptimizerStep)
			assert.Equal(t, c.OptimizerState, got.OptimizerState)
			assert.Equal(t, 5e-4, got.LearningRate)
			assert.Equal(t, "run-1", got.Metadata.RunID)
			assert.Equal(t, 7, got.Metadata.Epoch)
			assert.True(t, c.Metadata.CreatedAt.Equal(got.Metadata.CreatedAt))
			assert.Equal(t, Framework, got.Metadata.Framework)
		})
	}
}

func TestResumeReproducesLogits(t *testing.T) {
	m := trainedModel(t)
	path := filepath.Join(t.TempDir(), "best.ckpt")
	require.NoError(t, Save(FromModel(m, 0.5), path))

	c, err := Load(path)
	require.NoError(t, err)
	fresh, err := network.New(testArchitecture(), rand.New(rand.NewSource(1234)))
	require.NoError(t, err)
	require.NoError(t, Restore(fresh, c, path))

	batch := fixedBatch(6, 99)
	want, err := m.Logits(batch)
	require.NoError(t, err)
	got, err := fresh.Logits(batch)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	rebuilt, err := Build(c, path)
	require.NoError(t, err)
	got, err = rebuilt.Logits(batch)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadStripsCompiledPrefix(t *testing.T) {
	m := trainedModel(t)
	c := FromModel(m, 0.9)
	prefixed := make(map[string]network.Tensor, len(c.Parameters))
	for name, tensor := range c.Parameters {
		prefixed[CompiledPrefix+name] = tensor
	}
	c.Parameters = prefixed

	path := filepath.Join(t.TempDir(), "legacy.json")
	data, err := json.Marshal(c)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	loaded, err := Load(path)
	require.NoError(t, err)
	for name := range loaded.Parameters {
		assert.NotContains(t, name, CompiledPrefix)
	}
	_, err = Build(loaded, path)
	assert.NoError(t, err)
}

func TestRestoreIncompatible(t *testing.T) {
	m := trainedModel(t)
	path := filepath.Join(t.TempDir(), "model.ckpt")
	require.NoError(t, Save(FromModel(m, 0.5), path))
	c, err := Load(path)
	require.NoError(t, err)

	arch := testArchitecture()
	arch.Blocks[1].Channels = 8
	other, err := network.New(arch, nil)
	require.NoError(t, err)
	before := other.State()

	err = Restore(other, c, path)
	var ce *errs.CheckpointIncompatibleError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, path, ce.Path)
	assert.Contains(t, err.Error(), path)
	assert.Equal(t, before, other.State())
}

func TestSaveReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.ckpt")
	m := trainedModel(t)

	require.NoError(t, Save(FromModel(m, 0.1), path))
	require.NoError(t, Save(FromModel(m, 0.2), path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "model.ckpt", entries[0].Name())

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.2, c.BestAccuracy)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "absent.ckpt"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.False(t, Exists(filepath.Join(dir, "absent.ckpt")))

	corrupt := filepath.Join(dir, "corrupt.ckpt")
	require.NoError(t, os.WriteFile(corrupt, []byte{0x0a, 0xff, 0xff}, 0644))
	_, err = Load(corrupt)
	assert.Error(t, err)
}

func TestFormatFor(t *testing.T) {
	assert.Equal(t, FormatJSON, FormatFor("a/b/model.JSON"))
	assert.Equal(t, FormatBinary, FormatFor("model.ckpt"))
	assert.Equal(t, FormatBinary, FormatFor("model"))
	assert.Equal(t, "binary", FormatBinary.String())
}
