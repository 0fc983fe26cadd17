package forecast

import (
	"math"
	"math/rand"
)

// network is a single-layer LSTM over scalar inputs feeding one dense unit.
// All weights live in one flat vector so the optimizer can treat them uniformly.
//
// Layout (H = hidden units, gate order input, forget, cell, output):
//
//	wx [4H]      input kernel
//	wh [4H*H]    recurrent kernel, row k holds the weights from h[j] to gate unit k
//	b  [4H]      gate biases
//	wd [H]       dense kernel
//	bd [1]       dense bias
type network struct {
	hidden int
	theta  []float64

	wx, wh, b, wd, bd int // offsets into theta
}

func newNetwork(hidden int) *network {
	n := &network{hidden: hidden}
	h4 := 4 * hidden
	n.wx = 0
	n.wh = n.wx + h4
	n.b = n.wh + h4*hidden
	n.wd = n.b + h4
	n.bd = n.wd + hidden
	n.theta = make([]float64, n.bd+1)
	return n
}

func (n *network) size() int { return len(n.theta) }

// init draws glorot-uniform kernels, zero biases and a forget-gate bias of one.
func (n *network) init(rng *rand.Rand) {
	h := n.hidden
	h4 := 4 * h
	glorot := func(off, count, fanIn, fanOut int) {
		limit := math.Sqrt(6 / float64(fanIn+fanOut))
		for i := 0; i < count; i++ {
			n.theta[off+i] = (rng.Float64()*2 - 1) * limit
		}
	}
	glorot(n.wx, h4, 1, h4)
	glorot(n.wh, h4*h, h, h4)
	for i := 0; i < h4; i++ {
		n.theta[n.b+i] = 0
	}
	for i := h; i < 2*h; i++ {
		n.theta[n.b+i] = 1
	}
	glorot(n.wd, h, h, 1)
	n.theta[n.bd] = 0
}

// trace keeps per-step activations for backpropagation through time.
type trace struct {
	i, f, g, o [][]float64
	c, h       [][]float64 // index 0 is the zero initial state, t+1 is after step t
}

func newTrace(steps, hidden int) *trace {
	alloc := func(n int) [][]float64 {
		out := make([][]float64, n)
		for i := range out {
			out[i] = make([]float64, hidden)
		}
		return out
	}
	return &trace{
		i: alloc(steps), f: alloc(steps), g: alloc(steps), o: alloc(steps),
		c: alloc(steps + 1), h: alloc(steps + 1),
	}
}

// forward runs the sequence and returns the scalar output. tr may be nil when
// gradients are not needed.
func (n *network) forward(x []float64, tr *trace) float64 {
	h := n.hidden
	th := n.theta
	if tr == nil {
		tr = newTrace(len(x), h)
	}
	z := make([]float64, 4*h)
	for t, xt := range x {
		hPrev, cPrev := tr.h[t], tr.c[t]
		for k := 0; k < 4*h; k++ {
			s := th[n.wx+k]*xt + th[n.b+k]
			row := th[n.wh+k*h : n.wh+(k+1)*h]
			for j, hv := range hPrev {
				s += row[j] * hv
			}
			z[k] = s
		}
		ig, fg, gg, og := tr.i[t], tr.f[t], tr.g[t], tr.o[t]
		c, hc := tr.c[t+1], tr.h[t+1]
		for j := 0; j < h; j++ {
			ig[j] = sigmoid(z[j])
			fg[j] = sigmoid(z[h+j])
			gg[j] = math.Tanh(z[2*h+j])
			og[j] = sigmoid(z[3*h+j])
			c[j] = fg[j]*cPrev[j] + ig[j]*gg[j]
			hc[j] = og[j] * math.Tanh(c[j])
		}
	}
	last := tr.h[len(x)]
	y := th[n.bd]
	for j, hv := range last {
		y += th[n.wd+j] * hv
	}
	return y
}

// backward accumulates into grad the gradient of dy * output for the sequence
// recorded in tr.
func (n *network) backward(x []float64, tr *trace, dy float64, grad []float64) {
	h := n.hidden
	th := n.theta
	steps := len(x)

	last := tr.h[steps]
	dh := make([]float64, h)
	for j := 0; j < h; j++ {
		grad[n.wd+j] += dy * last[j]
		dh[j] = dy * th[n.wd+j]
	}
	grad[n.bd] += dy

	dcNext := make([]float64, h)
	dz := make([]float64, 4*h)
	for t := steps - 1; t >= 0; t-- {
		ig, fg, gg, og := tr.i[t], tr.f[t], tr.g[t], tr.o[t]
		c, cPrev, hPrev := tr.c[t+1], tr.c[t], tr.h[t]
		for j := 0; j < h; j++ {
			tc := math.Tanh(c[j])
			dc := dh[j]*og[j]*(1-tc*tc) + dcNext[j]
			dz[j] = dc * gg[j] * ig[j] * (1 - ig[j])
			dz[h+j] = dc * cPrev[j] * fg[j] * (1 - fg[j])
			dz[2*h+j] = dc * ig[j] * (1 - gg[j]*gg[j])
			dz[3*h+j] = dh[j] * tc * og[j] * (1 - og[j])
			dcNext[j] = dc * fg[j]
		}
		for j := range dh {
			dh[j] = 0
		}
		for k := 0; k < 4*h; k++ {
			d := dz[k]
			if d == 0 {
				continue
			}
			grad[n.wx+k] += d * x[t]
			grad[n.b+k] += d
			base := n.wh + k*h
			for j := 0; j < h; j++ {
				grad[base+j] += d * hPrev[j]
				dh[j] += d * th[base+j]
			}
		}
	}
}

// lossAndGrad returns the mean squared error over batch and writes its
// gradient into grad (overwritten).
func (n *network) lossAndGrad(batch []Sample, grad []float64) float64 {
	for i := range grad {
		grad[i] = 0
	}
	if len(batch) == 0 {
		return 0
	}
	scale := 1 / float64(len(batch))
	var loss float64
	for _, s := range batch {
		tr := newTrace(len(s.Inputs), n.hidden)
		y := n.forward(s.Inputs, tr)
		diff := y - s.Label
		loss += diff * diff
		n.backward(s.Inputs, tr, 2*diff*scale, grad)
	}
	return loss * scale
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
