package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/model"
	loom "github.com/openfluke/loom/nn"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrShapeMismatch = errors.New("parameter shape mismatch")
	ErrNonFinite     = errors.New("non-finite value")
)

type Options struct {
	Hidden       []int
	DropoutRate  float64
	LearningRate float64
	Threshold    float64
	Seed         uint64
}

func DefaultOptions() Options {
	return Options{
		Hidden:       []int{128, 64},
		DropoutRate:  0.5,
		LearningRate: 0.001,
		Threshold:    0.5,
	}
}

// Network is a feed-forward binary classifier: relu hidden layers, dropout
// after the last hidden layer and a single sigmoid output. The layer graph and
// its parameters are held by a loom network.
type Network struct {
	numFeatures int
	graph       *loom.Network
	layers      []*dense
	dropoutRate float64
	threshold   float64
	optimizer   *Adam
	rng         *rand.Rand
}

// History holds the mean training loss of every epoch and the number of
// optimizer steps taken.
type History struct {
	Loss  []float64
	Steps int
}

func (h History) LastLoss() float64 {
	if len(h.Loss) == 0 {
		return 0
	}
	return h.Loss[len(h.Loss)-1]
}

func NewNetwork(numFeatures int, opts Options) (*Network, error) {
	if numFeatures <= 0 {
		return nil, fmt.Errorf("network needs at least one input feature, got %d", numFeatures)
	}
	if opts.DropoutRate < 0 || opts.DropoutRate >= 1 {
		return nil, fmt.Errorf("dropout rate %v must be in [0, 1)", opts.DropoutRate)
	}
	if opts.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate %v must be positive", opts.LearningRate)
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))

	for _, units := range opts.Hidden {
		if units <= 0 {
			return nil, fmt.Errorf("hidden layer size %d must be positive", units)
		}
	}

	graph := loom.NewNetwork(numFeatures, 1, 1, len(opts.Hidden)+1)
	graph.BatchSize = 1

	sizes := append(append([]int{}, opts.Hidden...), 1)
	layers := make([]*dense, 0, len(sizes))
	fanIn := numFeatures
	for i, units := range sizes {
		act := relu
		if i == len(sizes)-1 {
			act = sigmoid
		}
		graph.SetLayer(0, 0, i, newDenseConfig(fanIn, units, act, rng))
		layers = append(layers, newDense(graph.GetLayer(0, 0, i), fanIn, units, act))
		fanIn = units
	}

	return &Network{
		numFeatures: numFeatures,
		graph:       graph,
		layers:      layers,
		dropoutRate: opts.DropoutRate,
		threshold:   opts.Threshold,
		optimizer:   NewAdam(opts.LearningRate),
		rng:         rng,
	}, nil
}

func (n *Network) NumFeatures() int {
	return n.numFeatures
}

func (n *Network) Threshold() float64 {
	return n.threshold
}

// Weights returns a copy of all parameters ordered layer by layer, kernel
// before bias.
func (n *Network) Weights() model.Parameters {
	params := make(model.Parameters, 0, 2*len(n.layers))
	for _, layer := range n.layers {
		kernel, bias := layer.tensors()
		params = append(params, kernel, bias)
	}
	return params
}

// SetWeights replaces every parameter. Nothing is modified when validation fails.
func (n *Network) SetWeights(params model.Parameters) error {
	expected := n.Weights()
	if len(params) != len(expected) {
		return fmt.Errorf("%w: expected %d tensors, got %d", ErrShapeMismatch, len(expected), len(params))
	}
	for i, tensor := range params {
		if err := tensor.Validate(); err != nil {
			return fmt.Errorf("%w: tensor %d: %v", ErrShapeMismatch, i, err)
		}
		if !tensor.SameShape(expected[i]) {
			return fmt.Errorf("%w: tensor %d has shape %v, expected %v", ErrShapeMismatch, i, tensor.Shape, expected[i].Shape)
		}
		if !tensor.IsFinite() || !fitsFloat32(tensor.Values) {
			return fmt.Errorf("%w: tensor %d", ErrNonFinite, i)
		}
	}

	for i, layer := range n.layers {
		layer.setTensors(params[2*i], params[2*i+1])
	}
	return nil
}

// Predict returns the sigmoid output for every row of x.
func (n *Network) Predict(x *mat.Dense) []float64 {
	if x == nil {
		return nil
	}
	n.load()
	return n.predict(x)
}

func (n *Network) predict(x *mat.Dense) []float64 {
	return mat.Col(nil, 0, n.forward(x, false))
}

// Fit runs epochs passes over (x, y) in shuffled mini-batches. The trained
// weights are kept only when every epoch loss and every parameter is finite;
// otherwise the network is left with the weights it had before the call.
func (n *Network) Fit(x *mat.Dense, y []float64, epochs int, batchSize int) (History, error) {
	history := History{}
	if len(y) == 0 || x == nil {
		return history, nil
	}
	if epochs <= 0 || batchSize <= 0 {
		return history, fmt.Errorf("epochs (%d) and batch size (%d) must be positive", epochs, batchSize)
	}
	if _, cols := x.Dims(); cols != n.numFeatures {
		return history, fmt.Errorf("%w: input has %d features, network expects %d", ErrShapeMismatch, cols, n.numFeatures)
	}

	n.load()
	saved := n.optimizer.snapshot()

	samples := len(y)
	for epoch := 0; epoch < epochs; epoch++ {
		order := n.rng.Perm(samples)
		epochLoss := 0.0

		for start := 0; start < samples; start += batchSize {
			end := min(start+batchSize, samples)
			batchX, batchY := gatherBatch(x, y, order[start:end], n.numFeatures)

			epochLoss += n.trainBatch(batchX, batchY) * float64(len(batchY))
		}
		history.Steps = n.optimizer.Steps() - saved.step

		epochLoss /= float64(samples)
		if math.IsNaN(epochLoss) || math.IsInf(epochLoss, 0) {
			n.optimizer.restore(saved)
			return history, fmt.Errorf("%w: loss at epoch %d", ErrNonFinite, epoch+1)
		}
		history.Loss = append(history.Loss, epochLoss)
	}

	for i, layer := range n.layers {
		if !fitsFloat32(layer.w.RawMatrix().Data) || !fitsFloat32(layer.b) {
			n.optimizer.restore(saved)
			return history, fmt.Errorf("%w: layer %d after training", ErrNonFinite, i)
		}
	}

	for _, layer := range n.layers {
		layer.store()
	}
	return history, nil
}

// Evaluate returns the mean binary cross-entropy and the accuracy over (x, y).
func (n *Network) Evaluate(x *mat.Dense, y []float64) (float64, float64, error) {
	if len(y) == 0 || x == nil {
		return 0, 0, nil
	}
	if _, cols := x.Dims(); cols != n.numFeatures {
		return 0, 0, fmt.Errorf("%w: input has %d features, network expects %d", ErrShapeMismatch, cols, n.numFeatures)
	}

	probabilities := n.Predict(x)
	loss := BinaryCrossEntropy(probabilities, y)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, 0, fmt.Errorf("%w: evaluation loss", ErrNonFinite)
	}

	return loss, BinaryAccuracy(probabilities, y, n.threshold), nil
}

func (n *Network) forward(x *mat.Dense, training bool) *mat.Dense {
	out := x
	lastHidden := len(n.layers) - 2
	for i, layer := range n.layers {
		out = layer.forward(out)
		if training && i == lastHidden && n.dropoutRate > 0 {
			out = layer.dropout(n.dropoutRate, n.rng)
		}
	}
	return out
}

func (n *Network) trainBatch(x *mat.Dense, y []float64) float64 {
	loss := n.backpropagate(x, y, true)

	params := make([][]float64, 0, 2*len(n.layers))
	grads := make([][]float64, 0, 2*len(n.layers))
	for _, layer := range n.layers {
		params = append(params, layer.w.RawMatrix().Data, layer.b)
		grads = append(grads, layer.gradW.RawMatrix().Data, layer.gradB)
	}
	n.optimizer.Step(params, grads)

	return loss
}

// backpropagate runs a forward and backward pass, leaving the gradients in
// every layer, and returns the batch loss.
func (n *Network) backpropagate(x *mat.Dense, y []float64, training bool) float64 {
	probabilities := mat.Col(nil, 0, n.forward(x, training))
	loss := BinaryCrossEntropy(probabilities, y)

	// sigmoid + cross-entropy: dLoss/dZ = (p - y) / batch
	delta := make([]float64, len(y))
	floats.SubTo(delta, probabilities, y)
	floats.Scale(1/float64(len(y)), delta)

	grad := mat.NewDense(len(y), 1, delta)
	for i := len(n.layers) - 1; i >= 0; i-- {
		grad = n.layers[i].backward(grad)
		if i > 0 {
			grad = n.layers[i-1].activationGrad(grad)
		}
	}

	return loss
}

func (n *Network) load() {
	for _, layer := range n.layers {
		layer.load()
	}
}

// fitsFloat32 reports whether every value is finite once stored as float32.
func fitsFloat32(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.Abs(v) > math.MaxFloat32 {
			return false
		}
	}
	return true
}

func gatherBatch(x *mat.Dense, y []float64, indices []int, numFeatures int) (*mat.Dense, []float64) {
	batchX := mat.NewDense(len(indices), numFeatures, nil)
	batchY := make([]float64, len(indices))
	for r, idx := range indices {
		batchX.SetRow(r, x.RawRowView(idx))
		batchY[r] = y[idx]
	}
	return batchX, batchY
}
