package nn

import "math"

// Adam keeps first and second moment estimates per parameter slice.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	step int
	m    [][]float64
	v    [][]float64
}

func NewAdam(learningRate float64) *Adam {
	return &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
	}
}

// Step updates params in place. params and grads must keep the same layout
// across calls.
func (a *Adam) Step(params [][]float64, grads [][]float64) {
	if a.m == nil {
		a.m = make([][]float64, len(params))
		a.v = make([][]float64, len(params))
		for i, p := range params {
			a.m[i] = make([]float64, len(p))
			a.v[i] = make([]float64, len(p))
		}
	}

	a.step++
	t := float64(a.step)
	lr := a.LearningRate * math.Sqrt(1-math.Pow(a.Beta2, t)) / (1 - math.Pow(a.Beta1, t))

	for i, p := range params {
		g, m, v := grads[i], a.m[i], a.v[i]
		for k := range p {
			m[k] = a.Beta1*m[k] + (1-a.Beta1)*g[k]
			v[k] = a.Beta2*v[k] + (1-a.Beta2)*g[k]*g[k]
			p[k] -= lr * m[k] / (math.Sqrt(v[k]) + a.Epsilon)
		}
	}
}

func (a *Adam) Steps() int {
	return a.step
}

type adamState struct {
	step int
	m    [][]float64
	v    [][]float64
}

func (a *Adam) snapshot() adamState {
	return adamState{step: a.step, m: cloneSlices(a.m), v: cloneSlices(a.v)}
}

// restore rewinds the moment estimates to a snapshot taken earlier.
func (a *Adam) restore(state adamState) {
	a.step = state.step
	a.m = cloneSlices(state.m)
	a.v = cloneSlices(state.v)
}

func cloneSlices(src [][]float64) [][]float64 {
	if src == nil {
		return nil
	}
	dst := make([][]float64, len(src))
	for i, s := range src {
		dst[i] = append([]float64(nil), s...)
	}
	return dst
}
