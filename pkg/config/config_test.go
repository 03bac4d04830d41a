package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hsiclassify/pkg/labels"
	"hsiclassify/pkg/network"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 110, cfg.Trim().Bands(cfg.Cube.Bands))
	arch := cfg.Architecture()
	assert.Equal(t, 110, arch.InputBands)
	assert.Equal(t, 3, arch.NumClasses)
	assert.Equal(t, network.LeakyReLU, arch.Activation)
	assert.Equal(t, 0.8, cfg.Manifest.SplitFraction)

	domain, err := cfg.LabelDomain()
	require.NoError(t, err)
	assert.Nil(t, domain)
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "hsiclassify.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hsiclassify.yaml")
	data := `
cube:
  bands: 60
labels:
  domain: 4-class
dataset:
  trimLeading: 2
  trimTrailing: 3
  augment: true
  noiseStdFractionRange: [0.02, 0.04]
model:
  numClasses: 4
  activation: silu
  blocks:
    - {channels: 8, kernel: 5, pool: true}
    - {channels: 16, kernel: 3}
training:
  epochs: 3
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 598, cfg.Cube.Height)
	assert.Equal(t, 3, cfg.Training.Epochs)
	assert.Equal(t, 64, cfg.Training.BatchSize)

	arch := cfg.Architecture()
	assert.Equal(t, 55, arch.InputBands)
	assert.Equal(t, 4, arch.NumClasses)
	assert.Equal(t, network.SiLU, arch.Activation)
	assert.Equal(t, []network.Block{{Channels: 8, Kernel: 5, Pool: true}, {Channels: 16, Kernel: 3}}, arch.Blocks)

	domain, err := cfg.LabelDomain()
	require.NoError(t, err)
	assert.Equal(t, labels.FourClass.Name, domain.Name)

	opts := cfg.DatasetOptions(true, nil)
	assert.True(t, opts.Augment)
	assert.Equal(t, [2]float64{0.02, 0.04}, opts.NoiseStdFractionRange)
	assert.False(t, cfg.DatasetOptions(false, nil).Augment)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cube: [unterminated"), 0644))
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
	assert.Contains(t, fmt.Sprintf("%+v", err), "LoadConfig")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad geometry", func(c *Config) { c.Cube.Width = 0 }},
		{"unknown domain", func(c *Config) { c.Labels.Domain = "5-class" }},
		{"trim too wide", func(c *Config) { c.Dataset.TrimLeading = 120 }},
		{"negative augment factor", func(c *Config) { c.Dataset.AugmentFactor = -1 }},
		{"probability above one", func(c *Config) { c.Dataset.NoiseProbability = 1.5 }},
		{"even kernel", func(c *Config) { c.Model.Blocks = []network.Block{{Channels: 4, Kernel: 4}} }},
		{"unknown activation", func(c *Config) { c.Model.Activation = "tanh" }},
		{"zero epochs", func(c *Config) { c.Training.Epochs = 0 }},
		{"zero learning rate", func(c *Config) { c.Training.LearningRate = 0 }},
		{"smoothing of one", func(c *Config) { c.Training.LabelSmoothing = 1 }},
		{"split fraction zero", func(c *Config) { c.Manifest.SplitFraction = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
