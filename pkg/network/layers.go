package network

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// tensor is a batch of multi-channel spectra laid out as [n][c][l].
type tensor struct {
	n, c, l int
	data    []float64
}

func newTensor(n, c, l int) *tensor {
	return &tensor{n: n, c: c, l: l, data: make([]float64, n*c*l)}
}

func (t *tensor) row(i, ch int) []float64 {
	off := (i*t.c + ch) * t.l
	return t.data[off : off+t.l]
}

// rows flattens each sample into one slice.
func (t *tensor) rows() [][]float64 {
	width := t.c * t.l
	out := make([][]float64, t.n)
	for i := range out {
		out[i] = append([]float64(nil), t.data[i*width:(i+1)*width]...)
	}
	return out
}

type stageCache struct {
	input  *tensor
	xhat   []float64
	invStd []float64
	argmax []int
	mask   []float64
}

func (m *Model) forward(x *tensor, train, keep bool) (*tensor, []stageCache) {
	var caches []stageCache
	if keep {
		caches = make([]stageCache, len(m.stages))
	}
	for i, s := range m.stages {
		c := stageCache{input: x}
		switch s.Kind {
		case Conv:
			x = m.conv(s, x)
		case BatchNorm:
			x = m.batchNorm(s, x, train, &c)
		case Activate:
			x = activate(s, x)
		case MaxPool:
			x = maxPool(x, &c)
		case Dropout:
			if train && s.Rate > 0 {
				x = m.dropout(s, x, &c)
			}
		case GlobalAvgPool:
			x = globalAvgPool(x)
		case Linear:
			x = m.linear(s, x)
		}
		if keep {
			caches[i] = c
		}
	}
	return x, caches
}

func (m *Model) backward(i int, c *stageCache, g *tensor) *tensor {
	s := m.stages[i]
	switch s.Kind {
	case Conv:
		return m.convBackward(s, c.input, g, i > 0)
	case BatchNorm:
		return m.batchNormBackward(s, c, g)
	case Activate:
		return activateBackward(s, c.input, g)
	case MaxPool:
		return maxPoolBackward(c, g)
	case Dropout:
		if c.mask != nil {
			out := newTensor(g.n, g.c, g.l)
			floats.MulTo(out.data, g.data, c.mask)
			return out
		}
		return g
	case GlobalAvgPool:
		return globalAvgPoolBackward(c.input, g)
	case Linear:
		return m.linearBackward(s, c.input, g)
	}
	return g
}

// window returns the output range [lo, hi) for which position x+shift lies
// inside a spectrum of the given length.
func window(length, shift int) (lo, hi int) {
	return max(0, -shift), min(length, length-shift)
}

// conv is a stride-1 convolution with zero padding that keeps the length.
func (m *Model) conv(s Stage, x *tensor) *tensor {
	w := m.byName[s.Name+".weight"].Data
	b := m.byName[s.Name+".bias"].Data
	pad := (s.Kernel - 1) / 2

	out := newTensor(x.n, s.OutChannels, x.l)
	for i := 0; i < x.n; i++ {
		for o := 0; o < s.OutChannels; o++ {
			dst := out.row(i, o)
			fill(dst, b[o])
			for ch := 0; ch < s.InChannels; ch++ {
				src := x.row(i, ch)
				for k := 0; k < s.Kernel; k++ {
					shift := k - pad
					lo, hi := window(x.l, shift)
					if lo >= hi {
						continue
					}
					floats.AddScaled(dst[lo:hi], w[(o*s.InChannels+ch)*s.Kernel+k], src[lo+shift:hi+shift])
				}
			}
		}
	}
	return out
}

func (m *Model) convBackward(s Stage, x, g *tensor, needInput bool) *tensor {
	wp := m.byName[s.Name+".weight"]
	bp := m.byName[s.Name+".bias"]
	pad := (s.Kernel - 1) / 2

	var dx *tensor
	if needInput {
		dx = newTensor(x.n, x.c, x.l)
	}
	for i := 0; i < x.n; i++ {
		for o := 0; o < s.OutChannels; o++ {
			grad := g.row(i, o)
			bp.Grad[o] += floats.Sum(grad)
			for ch := 0; ch < s.InChannels; ch++ {
				src := x.row(i, ch)
				for k := 0; k < s.Kernel; k++ {
					shift := k - pad
					lo, hi := window(x.l, shift)
					if lo >= hi {
						continue
					}
					idx := (o*s.InChannels+ch)*s.Kernel + k
					wp.Grad[idx] += floats.Dot(grad[lo:hi], src[lo+shift:hi+shift])
					if dx != nil {
						floats.AddScaled(dx.row(i, ch)[lo+shift:hi+shift], wp.Data[idx], grad[lo:hi])
					}
				}
			}
		}
	}
	return dx
}

// batchNorm normalizes each channel over the batch and spectral axes. In
// training it uses batch statistics and updates the running estimates;
// otherwise it uses the running estimates.
func (m *Model) batchNorm(s Stage, x *tensor, train bool, c *stageCache) *tensor {
	gamma := m.byName[s.Name+".weight"].Data
	beta := m.byName[s.Name+".bias"].Data
	runMean := m.byName[s.Name+".running_mean"].Data
	runVar := m.byName[s.Name+".running_var"].Data

	out := newTensor(x.n, x.c, x.l)
	count := float64(x.n * x.l)
	if train {
		c.xhat = make([]float64, len(x.data))
		c.invStd = make([]float64, x.c)
	}

	for ch := 0; ch < x.c; ch++ {
		mean, variance := runMean[ch], runVar[ch]
		if train {
			mean = 0
			for i := 0; i < x.n; i++ {
				mean += floats.Sum(x.row(i, ch))
			}
			mean /= count
			variance = 0
			for i := 0; i < x.n; i++ {
				for _, v := range x.row(i, ch) {
					variance += (v - mean) * (v - mean)
				}
			}
			variance /= count

			unbiased := variance
			if count > 1 {
				unbiased = variance * count / (count - 1)
			}
			runMean[ch] = (1-s.Momentum)*runMean[ch] + s.Momentum*mean
			runVar[ch] = (1-s.Momentum)*runVar[ch] + s.Momentum*unbiased
		}

		invStd := 1 / math.Sqrt(variance+s.Epsilon)
		if train {
			c.invStd[ch] = invStd
		}
		for i := 0; i < x.n; i++ {
			src, dst := x.row(i, ch), out.row(i, ch)
			off := (i*x.c + ch) * x.l
			for j, v := range src {
				xhat := (v - mean) * invStd
				if train {
					c.xhat[off+j] = xhat
				}
				dst[j] = gamma[ch]*xhat + beta[ch]
			}
		}
	}
	return out
}

func (m *Model) batchNormBackward(s Stage, c *stageCache, g *tensor) *tensor {
	gp := m.byName[s.Name+".weight"]
	bp := m.byName[s.Name+".bias"]
	count := float64(g.n * g.l)

	dx := newTensor(g.n, g.c, g.l)
	for ch := 0; ch < g.c; ch++ {
		var dGamma, dBeta float64
		for i := 0; i < g.n; i++ {
			off := (i*g.c + ch) * g.l
			grad := g.row(i, ch)
			dBeta += floats.Sum(grad)
			dGamma += floats.Dot(grad, c.xhat[off:off+g.l])
		}
		gp.Grad[ch] += dGamma
		bp.Grad[ch] += dBeta

		k := gp.Data[ch] * c.invStd[ch] / count
		for i := 0; i < g.n; i++ {
			off := (i*g.c + ch) * g.l
			grad, dst := g.row(i, ch), dx.row(i, ch)
			for j := range dst {
				dst[j] = k * (count*grad[j] - dBeta - c.xhat[off+j]*dGamma)
			}
		}
	}
	return dx
}

func activate(s Stage, x *tensor) *tensor {
	out := newTensor(x.n, x.c, x.l)
	for j, v := range x.data {
		switch s.Activation {
		case SiLU:
			out.data[j] = v * sigmoid(v)
		default:
			if v > 0 {
				out.data[j] = v
			} else {
				out.data[j] = s.Slope * v
			}
		}
	}
	return out
}

func activateBackward(s Stage, x, g *tensor) *tensor {
	dx := newTensor(x.n, x.c, x.l)
	for j, v := range x.data {
		switch s.Activation {
		case SiLU:
			sg := sigmoid(v)
			dx.data[j] = g.data[j] * sg * (1 + v*(1-sg))
		default:
			if v > 0 {
				dx.data[j] = g.data[j]
			} else {
				dx.data[j] = g.data[j] * s.Slope
			}
		}
	}
	return dx
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}

// maxPool downsamples by 2 with stride 2, dropping an odd trailing sample.
func maxPool(x *tensor, c *stageCache) *tensor {
	out := newTensor(x.n, x.c, x.l/2)
	c.argmax = make([]int, len(out.data))
	for i := 0; i < x.n; i++ {
		for ch := 0; ch < x.c; ch++ {
			base := (i*x.c + ch) * x.l
			obase := (i*out.c + ch) * out.l
			for j := 0; j < out.l; j++ {
				a := base + 2*j
				if x.data[a+1] > x.data[a] {
					a++
				}
				out.data[obase+j] = x.data[a]
				c.argmax[obase+j] = a
			}
		}
	}
	return out
}

func maxPoolBackward(c *stageCache, g *tensor) *tensor {
	x := c.input
	dx := newTensor(x.n, x.c, x.l)
	for j, src := range c.argmax {
		dx.data[src] += g.data[j]
	}
	return dx
}

// dropout zeroes activations with probability s.Rate and rescales the
// survivors so the expected activation is unchanged.
func (m *Model) dropout(s Stage, x *tensor, c *stageCache) *tensor {
	keep := 1 / (1 - s.Rate)
	c.mask = make([]float64, len(x.data))
	for j := range c.mask {
		if m.rng.Float64() >= s.Rate {
			c.mask[j] = keep
		}
	}
	out := newTensor(x.n, x.c, x.l)
	floats.MulTo(out.data, x.data, c.mask)
	return out
}

func globalAvgPool(x *tensor) *tensor {
	out := newTensor(x.n, x.c, 1)
	for i := 0; i < x.n; i++ {
		for ch := 0; ch < x.c; ch++ {
			out.data[i*x.c+ch] = floats.Sum(x.row(i, ch)) / float64(x.l)
		}
	}
	return out
}

func globalAvgPoolBackward(x, g *tensor) *tensor {
	dx := newTensor(x.n, x.c, x.l)
	for i := 0; i < x.n; i++ {
		for ch := 0; ch < x.c; ch++ {
			fill(dx.row(i, ch), g.data[i*x.c+ch]/float64(x.l))
		}
	}
	return dx
}

// linear projects the flattened features of each sample: y = x W^T + b.
func (m *Model) linear(s Stage, x *tensor) *tensor {
	features := x.c * x.l
	w := mat.NewDense(s.OutChannels, features, m.byName[s.Name+".weight"].Data)
	b := m.byName[s.Name+".bias"].Data

	out := newTensor(x.n, s.OutChannels, 1)
	y := mat.NewDense(x.n, s.OutChannels, out.data)
	y.Mul(mat.NewDense(x.n, features, x.data), w.T())
	for i := 0; i < x.n; i++ {
		floats.Add(out.data[i*s.OutChannels:(i+1)*s.OutChannels], b)
	}
	return out
}

func (m *Model) linearBackward(s Stage, x, g *tensor) *tensor {
	features := x.c * x.l
	wp := m.byName[s.Name+".weight"]
	bp := m.byName[s.Name+".bias"]

	dy := mat.NewDense(g.n, s.OutChannels, g.data)
	in := mat.NewDense(x.n, features, x.data)

	dw := mat.NewDense(s.OutChannels, features, nil)
	dw.Mul(dy.T(), in)
	floats.Add(wp.Grad, dw.RawMatrix().Data)
	for i := 0; i < g.n; i++ {
		floats.Add(bp.Grad, g.data[i*s.OutChannels:(i+1)*s.OutChannels])
	}

	dx := newTensor(x.n, x.c, x.l)
	mat.NewDense(x.n, features, dx.data).Mul(dy, mat.NewDense(s.OutChannels, features, wp.Data))
	return dx
}
