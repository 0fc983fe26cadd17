package forecast

import "math"

// adam is the Adam optimizer with the usual Keras defaults for the moments.
type adam struct {
	lr, beta1, beta2, eps float64
	m, v                  []float64
	step                  int
}

func newAdam(size int, lr float64) *adam {
	return &adam{
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-7,
		m:     make([]float64, size),
		v:     make([]float64, size),
	}
}

func (a *adam) apply(theta, grad []float64) {
	a.step++
	c1 := 1 - math.Pow(a.beta1, float64(a.step))
	c2 := 1 - math.Pow(a.beta2, float64(a.step))
	for i, g := range grad {
		a.m[i] = a.beta1*a.m[i] + (1-a.beta1)*g
		a.v[i] = a.beta2*a.v[i] + (1-a.beta2)*g*g
		mh := a.m[i] / c1
		vh := a.v[i] / c2
		theta[i] -= a.lr * mh / (math.Sqrt(vh) + a.eps)
	}
}
