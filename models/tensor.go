package models

import (
	"fmt"
	"math"
)

// Tensor is a dense float32 array in NCHW layout.
type Tensor struct {
	Data  []float32
	Shape []int64
}

func NewTensor(shape ...int64) *Tensor {
	return &Tensor{Data: make([]float32, numel(shape)), Shape: append([]int64(nil), shape...)}
}

// TensorFrom wraps data without copying. It fails if the lengths disagree.
func TensorFrom(data []float32, shape ...int64) (*Tensor, error) {
	if int64(len(data)) != numel(shape) {
		return nil, fmt.Errorf("tensor data length %d does not match shape %v", len(data), shape)
	}
	return &Tensor{Data: data, Shape: append([]int64(nil), shape...)}, nil
}

func (t *Tensor) Numel() int64 {
	return numel(t.Shape)
}

func (t *Tensor) Clone() *Tensor {
	d := make([]float32, len(t.Data))
	copy(d, t.Data)
	return &Tensor{Data: d, Shape: append([]int64(nil), t.Shape...)}
}

// Dims returns channels, height and width of a 3-D or 4-D tensor.
func (t *Tensor) Dims() (c, h, w int, err error) {
	switch len(t.Shape) {
	case 3:
		return int(t.Shape[0]), int(t.Shape[1]), int(t.Shape[2]), nil
	case 4:
		if t.Shape[0] != 1 {
			return 0, 0, 0, fmt.Errorf("batch size %d not supported", t.Shape[0])
		}
		return int(t.Shape[1]), int(t.Shape[2]), int(t.Shape[3]), nil
	}
	return 0, 0, 0, fmt.Errorf("expected CHW or NCHW tensor, got shape %v", t.Shape)
}

// Finite reports whether every element is neither NaN nor Inf.
func (t *Tensor) Finite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func numel(shape []int64) int64 {
	n := int64(1)
	for _, s := range shape {
		n *= s
	}
	return n
}

const (
	// RolePrimary names the enhanced image every model must produce.
	RolePrimary = "primary"
	// RoleHistogram names the [1,3,256] color histogram some models are
	// conditioned on.
	RoleHistogram = "histogram"
)

// Inputs maps auxiliary input roles to tensors fed next to the image.
type Inputs map[string]*Tensor

// Outputs maps output roles to tensors.
type Outputs map[string]*Tensor

func (o Outputs) Primary() (*Tensor, error) {
	t, ok := o[RolePrimary]
	if !ok || t == nil {
		return nil, fmt.Errorf("model produced no %q output", RolePrimary)
	}
	return t, nil
}
