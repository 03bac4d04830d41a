package network

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"hsiclassify/internal/errs"
)

// Tensor is a named parameter or buffer as persisted in a checkpoint.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// Param is one parameter or buffer of a Model. Buffers, such as batch norm
// running statistics, have a nil Grad and are not touched by optimizers.
type Param struct {
	Name  string
	Shape []int
	Data  []float64
	Grad  []float64
}

// Trainable reports whether the optimizer updates p.
func (p *Param) Trainable() bool { return p.Grad != nil }

// Model is a compiled classifier with its parameters.
//
// Logits and Probabilities run in inference mode and only read parameters,
// so they may be called concurrently. TrainForward and Backward mutate
// running statistics and gradients and must be serialized by the caller.
type Model struct {
	arch   Architecture
	stages []Stage
	params []*Param
	byName map[string]*Param
	rng    *rand.Rand
}

// New builds a model with freshly initialized weights. rng drives weight
// initialization and training-time dropout; nil uses a generator seeded
// with 1.
func New(arch Architecture, rng *rand.Rand) (*Model, error) {
	stages, err := arch.Stages()
	if err != nil {
		return nil, errors.Wrap(err, "invalid architecture")
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	m := &Model{
		arch:   arch,
		stages: stages,
		byName: make(map[string]*Param),
		rng:    rng,
	}
	for _, s := range stages {
		switch s.Kind {
		case Conv:
			w := m.register(s.Name+".weight", true, s.OutChannels, s.InChannels, s.Kernel)
			initNormal(w.Data, math.Sqrt(2/float64(s.InChannels*s.Kernel)), rng)
			m.register(s.Name+".bias", true, s.OutChannels)
		case BatchNorm:
			gamma := m.register(s.Name+".weight", true, s.OutChannels)
			fill(gamma.Data, 1)
			m.register(s.Name+".bias", true, s.OutChannels)
			m.register(s.Name+".running_mean", false, s.OutChannels)
			rv := m.register(s.Name+".running_var", false, s.OutChannels)
			fill(rv.Data, 1)
		case Linear:
			w := m.register(s.Name+".weight", true, s.OutChannels, s.InChannels)
			initNormal(w.Data, math.Sqrt(1/float64(s.InChannels)), rng)
			m.register(s.Name+".bias", true, s.OutChannels)
		}
	}
	return m, nil
}

func (m *Model) register(name string, trainable bool, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	p := &Param{Name: name, Shape: shape, Data: make([]float64, n)}
	if trainable {
		p.Grad = make([]float64, n)
	}
	m.params = append(m.params, p)
	m.byName[name] = p
	return p
}

func initNormal(dst []float64, sigma float64, rng *rand.Rand) {
	dist := distuv.Normal{Mu: 0, Sigma: sigma, Src: rng}
	for i := range dst {
		dst[i] = dist.Rand()
	}
}

func fill(dst []float64, v float64) {
	for i := range dst {
		dst[i] = v
	}
}

// Architecture returns the descriptor the model was built from.
func (m *Model) Architecture() Architecture { return m.arch }

// Stages returns a copy of the compiled stage list.
func (m *Model) Stages() []Stage { return append([]Stage(nil), m.stages...) }

// InputBands returns the spectrum length the model expects.
func (m *Model) InputBands() int { return m.arch.InputBands }

// NumClasses returns the number of output logits.
func (m *Model) NumClasses() int { return m.arch.NumClasses }

// Params returns the trainable parameters in registration order.
func (m *Model) Params() []*Param {
	var out []*Param
	for _, p := range m.params {
		if p.Trainable() {
			out = append(out, p)
		}
	}
	return out
}

// NumParameters counts trainable scalars.
func (m *Model) NumParameters() int {
	n := 0
	for _, p := range m.Params() {
		n += len(p.Data)
	}
	return n
}

// ZeroGrad clears all gradients.
func (m *Model) ZeroGrad() {
	for _, p := range m.params {
		if p.Grad != nil {
			fill(p.Grad, 0)
		}
	}
}

// Summary renders the stage list, one stage per line.
func (m *Model) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "spectral classifier: %d bands -> %d classes, %d parameters\n",
		m.arch.InputBands, m.arch.NumClasses, m.NumParameters())
	for _, s := range m.stages {
		fmt.Fprintf(&sb, "  %-12s len %d -> %d\n", s.String(), s.InLength, s.OutLength)
	}
	return sb.String()
}

func (m *Model) input(batch [][]float64) (*tensor, error) {
	if len(batch) == 0 {
		return nil, errors.New("empty batch")
	}
	x := newTensor(len(batch), 1, m.arch.InputBands)
	for i, s := range batch {
		if len(s) != m.arch.InputBands {
			return nil, errors.Errorf("sample %d has %d bands, model expects %d", i, len(s), m.arch.InputBands)
		}
		copy(x.row(i, 0), s)
	}
	return x, nil
}

// Logits runs inference-mode forward passes and returns one row of raw,
// unnormalized class scores per spectrum. Spectra must already be trimmed
// and normalized.
func (m *Model) Logits(batch [][]float64) ([][]float64, error) {
	x, err := m.input(batch)
	if err != nil {
		return nil, err
	}
	out, _ := m.forward(x, false, false)
	return out.rows(), nil
}

// Probabilities applies a softmax to Logits.
func (m *Model) Probabilities(batch [][]float64) ([][]float64, error) {
	logits, err := m.Logits(batch)
	if err != nil {
		return nil, err
	}
	for _, row := range logits {
		Softmax(row)
	}
	return logits, nil
}

// Softmax converts z to probabilities in place.
func Softmax(z []float64) []float64 {
	lse := floats.LogSumExp(z)
	for i, v := range z {
		z[i] = math.Exp(v - lse)
	}
	return z
}

// Pass holds the intermediate activations of a training-mode forward pass.
type Pass struct {
	caches []stageCache
	n      int
}

// TrainForward runs a training-mode forward pass: batch statistics are used
// and folded into the running statistics, and dropout is active.
func (m *Model) TrainForward(batch [][]float64) (*Pass, [][]float64, error) {
	x, err := m.input(batch)
	if err != nil {
		return nil, nil, err
	}
	out, caches := m.forward(x, true, true)
	return &Pass{caches: caches, n: x.n}, out.rows(), nil
}

// Backward accumulates parameter gradients for the pass given the gradient
// of the loss with respect to its logits.
func (m *Model) Backward(p *Pass, dLogits [][]float64) error {
	if len(dLogits) != p.n {
		return errors.Errorf("gradient has %d rows, pass has %d", len(dLogits), p.n)
	}
	g := newTensor(p.n, m.arch.NumClasses, 1)
	for i, row := range dLogits {
		if len(row) != m.arch.NumClasses {
			return errors.Errorf("gradient row %d has %d entries, want %d", i, len(row), m.arch.NumClasses)
		}
		copy(g.data[i*m.arch.NumClasses:], row)
	}
	for i := len(m.stages) - 1; i >= 0; i-- {
		g = m.backward(i, &p.caches[i], g)
	}
	return nil
}

// State returns a deep copy of every parameter and buffer.
func (m *Model) State() map[string]Tensor {
	out := make(map[string]Tensor, len(m.params))
	for _, p := range m.params {
		out[p.Name] = Tensor{
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float64(nil), p.Data...),
		}
	}
	return out
}

// LoadState replaces every parameter and buffer with the values in state.
// The whole state is validated first: a missing, unexpected or misshapen
// entry fails with *errs.CheckpointIncompatibleError and leaves the model
// untouched.
func (m *Model) LoadState(state map[string]Tensor) error {
	for _, p := range m.params {
		t, ok := state[p.Name]
		if !ok {
			return &errs.CheckpointIncompatibleError{Key: p.Name, Expected: errs.Shape(p.Shape...), Detected: "missing"}
		}
		if !equalShape(t.Shape, p.Shape) || len(t.Data) != len(p.Data) {
			return &errs.CheckpointIncompatibleError{
				Key:      p.Name,
				Expected: errs.Shape(p.Shape...),
				Detected: fmt.Sprintf("%s (%d values)", errs.Shape(t.Shape...), len(t.Data)),
			}
		}
	}
	if len(state) != len(m.params) {
		var extra []string
		for name := range state {
			if _, ok := m.byName[name]; !ok {
				extra = append(extra, name)
			}
		}
		sort.Strings(extra)
		return &errs.CheckpointIncompatibleError{Key: extra[0], Expected: "absent", Detected: errs.Shape(state[extra[0]].Shape...)}
	}

	for _, p := range m.params {
		copy(p.Data, state[p.Name].Data)
	}
	return nil
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
