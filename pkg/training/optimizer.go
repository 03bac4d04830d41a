package training

import (
	"math"
	"strings"

	"hsiclassify/pkg/network"
)

// Key prefixes of the moment estimates in State.
const (
	FirstMomentPrefix  = "adamw.first."
	SecondMomentPrefix = "adamw.second."
)

// AdamW is Adam with decoupled weight decay.
type AdamW struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64

	step   int
	first  map[string][]float64
	second map[string][]float64
}

// NewAdamW returns an optimizer with the usual defaults: betas 0.9/0.999,
// epsilon 1e-8 and weight decay 0.01.
func NewAdamW(learningRate float64) *AdamW {
	return &AdamW{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.01,
		first:        make(map[string][]float64),
		second:       make(map[string][]float64),
	}
}

// Steps returns the number of updates applied so far.
func (o *AdamW) Steps() int { return o.step }

// State returns a copy of the moment estimates keyed by FirstMomentPrefix or
// SecondMomentPrefix followed by the parameter name.
func (o *AdamW) State() map[string]network.Tensor {
	out := make(map[string]network.Tensor, len(o.first)+len(o.second))
	for name, m := range o.first {
		out[FirstMomentPrefix+name] = network.Tensor{Shape: []int{len(m)}, Data: append([]float64(nil), m...)}
	}
	for name, v := range o.second {
		out[SecondMomentPrefix+name] = network.Tensor{Shape: []int{len(v)}, Data: append([]float64(nil), v...)}
	}
	return out
}

// Restore continues from a saved update counter and its moment estimates.
// Bias correction is only meaningful together with the moments it corrects:
// when state carries none, the counter restarts at zero as for a fresh
// optimizer.
func (o *AdamW) Restore(step int, state map[string]network.Tensor) {
	o.first = make(map[string][]float64)
	o.second = make(map[string][]float64)
	for key, t := range state {
		switch {
		case strings.HasPrefix(key, FirstMomentPrefix):
			o.first[strings.TrimPrefix(key, FirstMomentPrefix)] = append([]float64(nil), t.Data...)
		case strings.HasPrefix(key, SecondMomentPrefix):
			o.second[strings.TrimPrefix(key, SecondMomentPrefix)] = append([]float64(nil), t.Data...)
		}
	}
	o.step = step
	if len(o.first) == 0 || len(o.second) == 0 || step < 0 {
		o.first = make(map[string][]float64)
		o.second = make(map[string][]float64)
		o.step = 0
	}
}

// Step applies one update to every trainable parameter from its gradient.
// It is the only writer of parameter values during training.
func (o *AdamW) Step(params []*network.Param) {
	o.step++
	c1 := 1 - math.Pow(o.Beta1, float64(o.step))
	c2 := 1 - math.Pow(o.Beta2, float64(o.step))

	for _, p := range params {
		if !p.Trainable() {
			continue
		}
		m, ok := o.first[p.Name]
		if !ok || len(m) != len(p.Data) {
			m = make([]float64, len(p.Data))
			o.first[p.Name] = m
		}
		v, ok := o.second[p.Name]
		if !ok || len(v) != len(p.Data) {
			v = make([]float64, len(p.Data))
			o.second[p.Name] = v
		}

		decay := 1 - o.LearningRate*o.WeightDecay
		for j, g := range p.Grad {
			p.Data[j] *= decay
			m[j] = o.Beta1*m[j] + (1-o.Beta1)*g
			v[j] = o.Beta2*v[j] + (1-o.Beta2)*g*g
			p.Data[j] -= o.LearningRate * (m[j] / c1) / (math.Sqrt(v[j]/c2) + o.Epsilon)
		}
	}
}
