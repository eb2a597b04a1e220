package score

import "math"

// Adam applies the Adam update rule with bias correction and an
// optional linear learning-rate warmup.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WarmupSteps  int

	step int
	m    [][]float64
	v    [][]float64
}

// NewAdam allocates an optimizer with zeroed moment buffers matching
// the network's parameters.
func NewAdam(n *Network, learningRate float64, warmupSteps int) *Adam {
	params := n.Parameters()
	m := make([][]float64, len(params))
	v := make([][]float64, len(params))
	for i, p := range params {
		m[i] = make([]float64, len(p))
		v[i] = make([]float64, len(p))
	}
	return &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WarmupSteps:  warmupSteps,
		m:            m,
		v:            v,
	}
}

// Step applies one update to the network parameters in place.
func (a *Adam) Step(n *Network, g *Grads) {
	a.step++
	lr := a.LearningRate
	if a.WarmupSteps > 0 && a.step < a.WarmupSteps {
		lr *= float64(a.step) / float64(a.WarmupSteps)
	}
	corr1 := 1 - math.Pow(a.Beta1, float64(a.step))
	corr2 := 1 - math.Pow(a.Beta2, float64(a.step))

	for t, p := range n.Parameters() {
		gb := g.bufs[t]
		m := a.m[t]
		v := a.v[t]
		for i := range p {
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*gb[i]
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*gb[i]*gb[i]
			p[i] -= lr * (m[i] / corr1) / (math.Sqrt(v[i]/corr2) + a.Epsilon)
		}
	}
}

// StepCount returns the number of updates applied so far.
func (a *Adam) StepCount() int {
	return a.step
}

// EMA maintains an exponential moving average of the network
// parameters. The averaged weights are what checkpoints and samplers
// consume.
type EMA struct {
	Rate   float64
	shadow [][]float64
}

// NewEMA starts the average at the network's current parameters.
func NewEMA(n *Network, rate float64) *EMA {
	params := n.Parameters()
	shadow := make([][]float64, len(params))
	for i, p := range params {
		shadow[i] = make([]float64, len(p))
		copy(shadow[i], p)
	}
	return &EMA{Rate: rate, shadow: shadow}
}

// Update folds the current parameters into the average.
func (e *EMA) Update(n *Network) {
	for i, p := range n.Parameters() {
		s := e.shadow[i]
		for j, v := range p {
			s[j] = e.Rate*s[j] + (1-e.Rate)*v
		}
	}
}

// Parameters returns the averaged tensors in canonical order. The
// slices are live; callers must not mutate them.
func (e *EMA) Parameters() [][]float64 {
	return e.shadow
}

// CopyTo overwrites the network parameters with the average.
func (e *EMA) CopyTo(n *Network) error {
	return n.SetParameters(e.shadow)
}
