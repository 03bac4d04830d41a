// Package config provides configuration loading and management for hsiclassify.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gopkg.in/yaml.v3"

	"hsiclassify/pkg/dataset"
	"hsiclassify/pkg/labels"
	"hsiclassify/pkg/network"
	"hsiclassify/pkg/spectrum"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Cube geometry assumed for bare cube files
	Cube struct {
		// Height is the number of image rows after binning correction
		Height int `yaml:"height"`

		// Width is the number of image columns
		Width int `yaml:"width"`

		// Bands is the number of spectral channels on disk
		Bands int `yaml:"bands"`
	} `yaml:"cube"`

	// Label parameters
	Labels struct {
		// Domain is "auto", "3-class" or "4-class"
		Domain string `yaml:"domain"`
	} `yaml:"labels"`

	// Dataset assembly and augmentation
	Dataset struct {
		// TrimLeading and TrimTrailing drop noisy edge bands
		TrimLeading  int `yaml:"trimLeading"`
		TrimTrailing int `yaml:"trimTrailing"`

		// Augment enables AugmentFactor randomized draws per pixel
		Augment       bool `yaml:"augment"`
		AugmentFactor int  `yaml:"augmentFactor"`

		// VerticalFlip and HorizontalFlip add flipped copies of every capture
		VerticalFlip   bool `yaml:"verticalFlip"`
		HorizontalFlip bool `yaml:"horizontalFlip"`

		NoiseProbability      float64    `yaml:"noiseProbability"`
		NoiseStdFractionRange [2]float64 `yaml:"noiseStdFractionRange,flow"`
		ScaleProbability      float64    `yaml:"scaleProbability"`
		ScaleStdFractionRange [2]float64 `yaml:"scaleStdFractionRange,flow"`

		// Workers assembling batches; 0 uses every core
		Workers int `yaml:"workers"`

		// Seed initializes shuffling and augmentation
		Seed uint64 `yaml:"seed"`
	} `yaml:"dataset"`

	// Classifier architecture
	Model struct {
		NumClasses        int             `yaml:"numClasses"`
		Blocks            []network.Block `yaml:"blocks"`
		Activation        string          `yaml:"activation"`
		LeakySlope        float64         `yaml:"leakySlope"`
		DropoutBeforePool float64         `yaml:"dropoutBeforePool"`
		DropoutAfterPool  float64         `yaml:"dropoutAfterPool"`
	} `yaml:"model"`

	// Training loop parameters
	Training struct {
		Epochs         int     `yaml:"epochs"`
		BatchSize      int     `yaml:"batchSize"`
		LearningRate   float64 `yaml:"learningRate"`
		WeightDecay    float64 `yaml:"weightDecay"`
		LabelSmoothing float64 `yaml:"labelSmoothing"`

		// StepSize and Gamma drive the step learning-rate schedule
		StepSize int     `yaml:"stepSize"`
		Gamma    float64 `yaml:"gamma"`

		// CheckpointPath is rewritten whenever an epoch improves accuracy
		CheckpointPath string `yaml:"checkpointPath"`

		// Resume continues from CheckpointPath when it exists
		Resume bool `yaml:"resume"`
	} `yaml:"training"`

	// Inference parameters
	Inference struct {
		// Workers classifying rows in parallel; 0 uses every core
		Workers int `yaml:"workers"`

		// OutputDir receives classification maps and previews
		OutputDir string `yaml:"outputDir"`

		// Preview also renders a composite and a coloured class map
		Preview bool `yaml:"preview"`

		// FlipPreview mirrors rendered images top to bottom
		FlipPreview bool `yaml:"flipPreview"`
	} `yaml:"inference"`

	// Dataset manifest files
	Manifest struct {
		// Path is the combined manifest split into Train and Eval
		Path          string  `yaml:"path"`
		Train         string  `yaml:"train"`
		Eval          string  `yaml:"eval"`
		SplitFraction float64 `yaml:"splitFraction"`
	} `yaml:"manifest"`

	// Logging output
	Logging struct {
		// Level is debug, info, warn or error
		Level string `yaml:"level"`

		// Format is json or console
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Cube.Height = 598
	cfg.Cube.Width = 1092
	cfg.Cube.Bands = 120

	cfg.Labels.Domain = "auto"

	aug := dataset.DefaultOptions()
	cfg.Dataset.TrimLeading = 5
	cfg.Dataset.TrimTrailing = 5
	cfg.Dataset.Augment = false
	cfg.Dataset.AugmentFactor = aug.AugmentFactor
	cfg.Dataset.NoiseProbability = aug.NoiseProbability
	cfg.Dataset.NoiseStdFractionRange = aug.NoiseStdFractionRange
	cfg.Dataset.ScaleProbability = aug.ScaleProbability
	cfg.Dataset.ScaleStdFractionRange = aug.ScaleStdFractionRange
	cfg.Dataset.Workers = runtime.NumCPU()
	cfg.Dataset.Seed = 42

	arch := network.DefaultArchitecture(0, 3)
	cfg.Model.NumClasses = arch.NumClasses
	cfg.Model.Blocks = arch.Blocks
	cfg.Model.Activation = string(arch.Activation)
	cfg.Model.LeakySlope = arch.LeakySlope
	cfg.Model.DropoutBeforePool = arch.DropoutBeforePool
	cfg.Model.DropoutAfterPool = arch.DropoutAfterPool

	cfg.Training.Epochs = 30
	cfg.Training.BatchSize = 64
	cfg.Training.LearningRate = 1e-3
	cfg.Training.WeightDecay = 0.01
	cfg.Training.LabelSmoothing = 0.1
	cfg.Training.StepSize = 5
	cfg.Training.Gamma = 0.5
	cfg.Training.CheckpointPath = "models/spectral_cnn.ckpt"
	cfg.Training.Resume = true

	cfg.Inference.Workers = runtime.NumCPU()
	cfg.Inference.OutputDir = "classified"
	cfg.Inference.Preview = true

	cfg.Manifest.Path = "data/manifest.csv"
	cfg.Manifest.Train = "data/train_manifest.csv"
	cfg.Manifest.Eval = "data/eval_manifest.csv"
	cfg.Manifest.SplitFraction = 0.8

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

// Validate checks that the configuration describes a runnable pipeline
func (c *Config) Validate() error {
	if c.Cube.Height <= 0 || c.Cube.Width <= 0 || c.Cube.Bands <= 0 {
		return errors.Errorf("cube geometry %dx%dx%d must be positive", c.Cube.Height, c.Cube.Width, c.Cube.Bands)
	}
	if _, err := c.LabelDomain(); err != nil {
		return err
	}
	if err := c.Trim().Validate(c.Cube.Bands); err != nil {
		return errors.Wrap(err, "invalid band trim")
	}
	if c.Dataset.AugmentFactor < 0 {
		return errors.Errorf("augment factor must not be negative, got %d", c.Dataset.AugmentFactor)
	}
	for _, p := range []float64{c.Dataset.NoiseProbability, c.Dataset.ScaleProbability} {
		if p < 0 || p > 1 {
			return errors.Errorf("augmentation probability %g outside [0, 1]", p)
		}
	}
	if err := c.Architecture().Validate(); err != nil {
		return errors.Wrap(err, "invalid model")
	}
	if c.Training.Epochs <= 0 || c.Training.BatchSize <= 0 {
		return errors.New("epochs and batch size must be positive")
	}
	if c.Training.LearningRate <= 0 {
		return errors.Errorf("learning rate must be positive, got %g", c.Training.LearningRate)
	}
	if c.Training.LabelSmoothing < 0 || c.Training.LabelSmoothing >= 1 {
		return errors.Errorf("label smoothing %g outside [0, 1)", c.Training.LabelSmoothing)
	}
	if c.Manifest.SplitFraction <= 0 || c.Manifest.SplitFraction > 1 {
		return errors.Errorf("split fraction %g outside (0, 1]", c.Manifest.SplitFraction)
	}
	return nil
}

// Geometry returns the cube shape for bare cube files
func (c *Config) Geometry() dataset.Geometry {
	return dataset.Geometry{Height: c.Cube.Height, Width: c.Cube.Width, Bands: c.Cube.Bands}
}

// Trim returns the configured band trim
func (c *Config) Trim() spectrum.Trim {
	return spectrum.Trim{Leading: c.Dataset.TrimLeading, Trailing: c.Dataset.TrimTrailing}
}

// LabelDomain returns the forced label domain, or nil for auto-detection
func (c *Config) LabelDomain() (*labels.Domain, error) {
	name := strings.ToLower(strings.TrimSpace(c.Labels.Domain))
	if name == "" || name == "auto" {
		return nil, nil
	}
	d, err := labels.DomainByName(name)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// DatasetOptions builds dataset options. Augmentation is only applied when
// augment is true, so evaluation sets can share the configuration.
func (c *Config) DatasetOptions(augment bool, rng *rand.Rand) dataset.Options {
	return dataset.Options{
		Trim:                  c.Trim(),
		Augment:               augment && c.Dataset.Augment,
		AugmentFactor:         c.Dataset.AugmentFactor,
		VerticalFlip:          augment && c.Dataset.VerticalFlip,
		HorizontalFlip:        augment && c.Dataset.HorizontalFlip,
		NoiseProbability:      c.Dataset.NoiseProbability,
		NoiseStdFractionRange: c.Dataset.NoiseStdFractionRange,
		ScaleProbability:      c.Dataset.ScaleProbability,
		ScaleStdFractionRange: c.Dataset.ScaleStdFractionRange,
		Rand:                  rng,
	}
}

// Architecture returns the classifier described by the model section with
// the input width implied by the cube bands and trim
func (c *Config) Architecture() network.Architecture {
	arch := network.DefaultArchitecture(c.Trim().Bands(c.Cube.Bands), c.Model.NumClasses)
	if len(c.Model.Blocks) > 0 {
		arch.Blocks = c.Model.Blocks
	}
	if c.Model.Activation != "" {
		arch.Activation = network.Activation(c.Model.Activation)
	}
	arch.LeakySlope = c.Model.LeakySlope
	arch.DropoutBeforePool = c.Model.DropoutBeforePool
	arch.DropoutAfterPool = c.Model.DropoutAfterPool
	return arch
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", configPath)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %s", configPath)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "creating config directory %s", dir)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encoding config")
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return errors.Wrapf(err, "writing config file %s", configPath)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
