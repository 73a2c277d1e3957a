package nn

import (
	"math"
	"math/rand/v2"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/model"
	loom "github.com/openfluke/loom/nn"
	"gonum.org/v1/gonum/mat"
)

type activation int

const (
	relu activation = iota
	sigmoid
)

func (a activation) loomType() loom.ActivationType {
	if a == sigmoid {
		return loom.ActivationSigmoid
	}
	return loom.ActivationScaledReLU
}

// dense is a fully connected layer computing act(x·W + b). The parameters
// live in the loom layer config (kernel row-major as fanIn x fanOut); w and b
// are float64 working copies used for batched math.
type dense struct {
	config     *loom.LayerConfig
	fanIn      int
	fanOut     int
	activation activation

	w *mat.Dense
	b []float64

	// forward-pass cache used by backward
	input  *mat.Dense
	output *mat.Dense
	mask   *mat.Dense // dropout scale factors, nil when no dropout was applied

	gradW *mat.Dense
	gradB []float64
}

// newDenseConfig returns a loom dense layer with Glorot uniform kernel and
// zero bias.
func newDenseConfig(fanIn, fanOut int, act activation, rng *rand.Rand) loom.LayerConfig {
	config := loom.InitDenseLayer(fanIn, fanOut, act.loomType())

	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	config.Kernel = make([]float32, fanIn*fanOut)
	for i := range config.Kernel {
		config.Kernel[i] = float32(limit * (2*rng.Float64() - 1))
	}
	config.Bias = make([]float32, fanOut)

	return config
}

func newDense(config *loom.LayerConfig, fanIn, fanOut int, act activation) *dense {
	return &dense{
		config:     config,
		fanIn:      fanIn,
		fanOut:     fanOut,
		activation: act,
		w:          mat.NewDense(fanIn, fanOut, nil),
		b:          make([]float64, fanOut),
		gradW:      mat.NewDense(fanIn, fanOut, nil),
		gradB:      make([]float64, fanOut),
	}
}

// load refreshes the working copies from the loom layer.
func (l *dense) load() {
	widen(l.w.RawMatrix().Data, l.config.Kernel)
	widen(l.b, l.config.Bias)
}

// store writes the working copies back into the loom layer.
func (l *dense) store() {
	narrow(l.config.Kernel, l.w.RawMatrix().Data)
	narrow(l.config.Bias, l.b)
}

func (l *dense) tensors() (model.Tensor, model.Tensor) {
	kernel := make([]float64, len(l.config.Kernel))
	bias := make([]float64, len(l.config.Bias))
	widen(kernel, l.config.Kernel)
	widen(bias, l.config.Bias)
	return model.NewTensor([]int{l.fanIn, l.fanOut}, kernel), model.NewTensor([]int{l.fanOut}, bias)
}

func (l *dense) setTensors(kernel, bias model.Tensor) {
	narrow(l.config.Kernel, kernel.Values)
	narrow(l.config.Bias, bias.Values)
}

func (l *dense) forward(x *mat.Dense) *mat.Dense {
	l.input = x
	l.mask = nil

	var out mat.Dense
	out.Mul(x, l.w)
	out.Apply(func(_, j int, v float64) float64 {
		v += l.b[j]
		switch l.activation {
		case relu:
			return math.Max(0, v)
		default:
			return 1 / (1 + math.Exp(-v))
		}
	}, &out)

	l.output = &out
	return l.output
}

// dropout zeroes each unit of the cached output with probability rate and
// scales the survivors so the expected activation is unchanged.
func (l *dense) dropout(rate float64, rng *rand.Rand) *mat.Dense {
	rows, cols := l.output.Dims()
	keep := 1 / (1 - rate)
	scale := make([]float64, rows*cols)
	for i := range scale {
		if rng.Float64() >= rate {
			scale[i] = keep
		}
	}
	l.mask = mat.NewDense(rows, cols, scale)
	l.output.MulElem(l.output, l.mask)
	return l.output
}

// backward takes dLoss/dZ for this layer, stores parameter gradients and
// returns dLoss/dOutput of the previous layer.
func (l *dense) backward(delta *mat.Dense) *mat.Dense {
	l.gradW.Mul(l.input.T(), delta)

	rows, cols := delta.Dims()
	for j := 0; j < cols; j++ {
		sum := 0.0
		for i := 0; i < rows; i++ {
			sum += delta.At(i, j)
		}
		l.gradB[j] = sum
	}

	var grad mat.Dense
	grad.Mul(delta, l.w.T())
	return &grad
}

// activationGrad turns dLoss/dOutput into dLoss/dZ for a relu layer,
// including the dropout mask when one was applied.
func (l *dense) activationGrad(grad *mat.Dense) *mat.Dense {
	grad.Apply(func(i, j int, v float64) float64 {
		if l.output.At(i, j) <= 0 {
			return 0
		}
		if l.mask != nil {
			return v * l.mask.At(i, j)
		}
		return v
	}, grad)
	return grad
}

func widen(dst []float64, src []float32) {
	for i, v := range src {
		dst[i] = float64(v)
	}
}

func narrow(dst []float32, src []float64) {
	for i, v := range src {
		dst[i] = float32(v)
	}
}
