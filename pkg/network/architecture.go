// Package network implements the per-pixel spectral classifier: a 1-D
// convolutional network whose only spatial axis is the spectrum.
//
// An Architecture is compiled into an ordered list of immutable Stage
// descriptors. A Model owns the parameters for those stages and evaluates
// them in sequence:
//
//	[Conv -> BatchNorm -> Activation (-> MaxPool)] x blocks
//	-> Dropout -> GlobalAvgPool -> Dropout -> Linear
//
// The model returns raw logits. Cross-entropy training consumes logits
// directly; callers that need class probabilities use Probabilities, which
// applies a softmax. The two are not interchangeable.
package network

import (
	"fmt"

	"github.com/pkg/errors"
)

// Activation names a nonlinearity.
type Activation string

const (
	LeakyReLU Activation = "leaky_relu"
	SiLU      Activation = "silu"
)

// Block is one convolution block.
type Block struct {
	Channels int  `json:"channels" yaml:"channels"`
	Kernel   int  `json:"kernel" yaml:"kernel"`
	Pool     bool `json:"pool" yaml:"pool"`
}

// Architecture fully describes a classifier. It is stored with every
// checkpoint so a model can be rebuilt without other configuration.
type Architecture struct {
	InputBands        int        `json:"input_bands" yaml:"input_bands"`
	NumClasses        int        `json:"num_classes" yaml:"num_classes"`
	Blocks            []Block    `json:"blocks" yaml:"blocks"`
	Activation        Activation `json:"activation" yaml:"activation"`
	LeakySlope        float64    `json:"leaky_slope" yaml:"leaky_slope"`
	DropoutBeforePool float64    `json:"dropout_before_pool" yaml:"dropout_before_pool"`
	DropoutAfterPool  float64    `json:"dropout_after_pool" yaml:"dropout_after_pool"`
	BatchNormMomentum float64    `json:"batch_norm_momentum" yaml:"batch_norm_momentum"`
	BatchNormEpsilon  float64    `json:"batch_norm_epsilon" yaml:"batch_norm_epsilon"`
}

// DefaultArchitecture returns the four-block network used for training.
func DefaultArchitecture(inputBands, numClasses int) Architecture {
	return Architecture{
		InputBands: inputBands,
		NumClasses: numClasses,
		Blocks: []Block{
			{Channels: 32, Kernel: 7, Pool: true},
			{Channels: 64, Kernel: 5, Pool: true},
			{Channels: 128, Kernel: 3, Pool: true},
			{Channels: 128, Kernel: 3},
		},
		Activation:        LeakyReLU,
		LeakySlope:        0.01,
		DropoutBeforePool: 0.1,
		DropoutAfterPool:  0.3,
		BatchNormMomentum: 0.1,
		BatchNormEpsilon:  1e-5,
	}
}

// Validate checks the architecture can be compiled.
func (a Architecture) Validate() error {
	if a.InputBands <= 0 {
		return errors.Errorf("input bands must be positive, got %d", a.InputBands)
	}
	if a.NumClasses < 2 {
		return errors.Errorf("need at least 2 classes, got %d", a.NumClasses)
	}
	if len(a.Blocks) == 0 {
		return errors.New("architecture has no convolution blocks")
	}
	switch a.Activation {
	case LeakyReLU, SiLU:
	default:
		return errors.Errorf("unknown activation %q", a.Activation)
	}
	for _, p := range []float64{a.DropoutBeforePool, a.DropoutAfterPool} {
		if p < 0 || p >= 1 {
			return errors.Errorf("dropout rate %g outside [0, 1)", p)
		}
	}
	if a.BatchNormMomentum <= 0 || a.BatchNormMomentum > 1 {
		return errors.Errorf("batch norm momentum %g outside (0, 1]", a.BatchNormMomentum)
	}
	if a.BatchNormEpsilon <= 0 {
		return errors.Errorf("batch norm epsilon must be positive, got %g", a.BatchNormEpsilon)
	}

	length := a.InputBands
	for i, b := range a.Blocks {
		if b.Channels <= 0 {
			return errors.Errorf("block %d: channels must be positive", i)
		}
		if b.Kernel <= 0 || b.Kernel%2 == 0 {
			return errors.Errorf("block %d: kernel %d must be odd and positive", i, b.Kernel)
		}
		if b.Pool {
			length /= 2
			if length < 1 {
				return errors.Errorf("block %d: %d input bands are too few for the pooling depth", i, a.InputBands)
			}
		}
	}
	return nil
}

// StageKind tags the variant held by a Stage.
type StageKind int

const (
	Conv StageKind = iota
	BatchNorm
	Activate
	MaxPool
	Dropout
	GlobalAvgPool
	Linear
)

func (k StageKind) String() string {
	switch k {
	case Conv:
		return "Conv1d"
	case BatchNorm:
		return "BatchNorm1d"
	case Activate:
		return "Activation"
	case MaxPool:
		return "MaxPool1d"
	case Dropout:
		return "Dropout"
	case GlobalAvgPool:
		return "GlobalAvgPool"
	case Linear:
		return "Linear"
	default:
		return "Unknown"
	}
}

// Stage is one immutable step of the pipeline. Only the fields relevant to
// Kind are set.
type Stage struct {
	Kind StageKind
	Name string

	// InChannels and OutChannels apply to Conv and Linear; Channels of a
	// BatchNorm is OutChannels
	InChannels  int
	OutChannels int
	Kernel      int

	Activation Activation
	Slope      float64

	Rate float64

	Momentum float64
	Epsilon  float64

	// InLength and OutLength are the spectral lengths around the stage
	InLength  int
	OutLength int
}

func (s Stage) String() string {
	switch s.Kind {
	case Conv:
		return fmt.Sprintf("%s %s(%d->%d, k=%d)", s.Name, s.Kind, s.InChannels, s.OutChannels, s.Kernel)
	case Linear:
		return fmt.Sprintf("%s %s(%d->%d)", s.Name, s.Kind, s.InChannels, s.OutChannels)
	case Activate:
		return fmt.Sprintf("%s %s(%s)", s.Name, s.Kind, s.Activation)
	case Dropout:
		return fmt.Sprintf("%s %s(p=%g)", s.Name, s.Kind, s.Rate)
	default:
		return fmt.Sprintf("%s %s", s.Name, s.Kind)
	}
}

// Stages compiles the architecture into its ordered stage list.
func (a Architecture) Stages() ([]Stage, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	var stages []Stage
	add := func(s Stage) {
		s.Name = fmt.Sprintf("stages.%d", len(stages))
		stages = append(stages, s)
	}

	channels, length := 1, a.InputBands
	for _, b := range a.Blocks {
		add(Stage{Kind: Conv, InChannels: channels, OutChannels: b.Channels, Kernel: b.Kernel, InLength: length, OutLength: length})
		channels = b.Channels
		add(Stage{Kind: BatchNorm, InChannels: channels, OutChannels: channels, Momentum: a.BatchNormMomentum, Epsilon: a.BatchNormEpsilon, InLength: length, OutLength: length})
		add(Stage{Kind: Activate, InChannels: channels, OutChannels: channels, Activation: a.Activation, Slope: a.LeakySlope, InLength: length, OutLength: length})
		if b.Pool {
			add(Stage{Kind: MaxPool, InChannels: channels, OutChannels: channels, InLength: length, OutLength: length / 2})
			length /= 2
		}
	}
	add(Stage{Kind: Dropout, InChannels: channels, OutChannels: channels, Rate: a.DropoutBeforePool, InLength: length, OutLength: length})
	add(Stage{Kind: GlobalAvgPool, InChannels: channels, OutChannels: channels, InLength: length, OutLength: 1})
	add(Stage{Kind: Dropout, InChannels: channels, OutChannels: channels, Rate: a.DropoutAfterPool, InLength: 1, OutLength: 1})
	add(Stage{Kind: Linear, InChannels: channels, OutChannels: a.NumClasses, InLength: 1, OutLength: 1})
	return stages, nil
}
