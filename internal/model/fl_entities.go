package model

import (
	"fmt"
	"math"
)

// Tensor is a dense, row-major array of weights.
type Tensor struct {
	Shape  []int     `json:"shape"`
	Values []float64 `json:"values"`
}

// Parameters is the ordered collection of tensors exchanged with the aggregator.
type Parameters []Tensor

// Config is the per-round key-value mapping sent by the aggregator.
type Config map[string]any

// Metrics are named scalar measurements returned alongside results.
type Metrics map[string]float64

func NewTensor(shape []int, values []float64) Tensor {
	return Tensor{
		Shape:  append([]int(nil), shape...),
		Values: values,
	}
}

// Size returns the number of elements the shape describes.
func (t Tensor) Size() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

func (t Tensor) Validate() error {
	for _, dim := range t.Shape {
		if dim < 0 {
			return fmt.Errorf("negative dimension in shape %v", t.Shape)
		}
	}
	if t.Size() != len(t.Values) {
		return fmt.Errorf("shape %v holds %d values, got %d", t.Shape, t.Size(), len(t.Values))
	}
	return nil
}

func (t Tensor) IsFinite() bool {
	for _, v := range t.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (t Tensor) SameShape(other Tensor) bool {
	if len(t.Shape) != len(other.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != other.Shape[i] {
			return false
		}
	}
	return true
}

func (t Tensor) Clone() Tensor {
	return Tensor{
		Shape:  append([]int(nil), t.Shape...),
		Values: append([]float64(nil), t.Values...),
	}
}

func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	cloned := make(Parameters, len(p))
	for i, t := range p {
		cloned[i] = t.Clone()
	}
	return cloned
}

// NumValues returns the total number of scalars across all tensors.
func (p Parameters) NumValues() int {
	total := 0
	for _, t := range p {
		total += len(t.Values)
	}
	return total
}

// Int reads an integer round setting. Numbers decoded from JSON arrive as
// float64 and are accepted when they carry no fractional part. Values outside
// the int32 range are rejected.
func (c Config) Int(key string) (int, bool, error) {
	raw, found := c[key]
	if !found {
		return 0, false, nil
	}

	var value float64
	switch v := raw.(type) {
	case int:
		value = float64(v)
	case int32:
		return int(v), true, nil
	case int64:
		value = float64(v)
	case float64:
		if v != math.Trunc(v) {
			return 0, true, fmt.Errorf("config key %q: %v is not an integer", key, v)
		}
		value = v
	default:
		return 0, true, fmt.Errorf("config key %q: unsupported type %T", key, raw)
	}

	if value > math.MaxInt32 || value < math.MinInt32 {
		return 0, true, fmt.Errorf("config key %q: %v is out of range", key, raw)
	}
	return int(value), true, nil
}
