package zoo

import (
	"context"
	"fmt"
	"sync"

	"github.com/Tutortoise/llie-pipeline/models"
)

const (
	zeroDCEFeatures   = 32
	zeroDCEIterations = 8
)

// ZeroDCE estimates per-pixel light-enhancement curves with a seven layer
// convolutional network and applies them iteratively:
// LE(x) = x + r * (x^2 - x).
type ZeroDCE struct {
	mu    sync.Mutex
	convs [7]*conv2d
}

func zeroDCELayout() [7][2]int {
	f := zeroDCEFeatures
	return [7][2]int{
		{3, f}, {f, f}, {f, f}, {f, f},
		{2 * f, f}, {2 * f, f}, {2 * f, 3 * zeroDCEIterations},
	}
}

func zeroDCEExpected() map[string][]int64 {
	expected := make(map[string][]int64)
	for i, l := range zeroDCELayout() {
		expected[fmt.Sprintf("e_conv%d.weight", i+1)] = []int64{int64(l[1]), int64(l[0]), 3, 3}
		expected[fmt.Sprintf("e_conv%d.bias", i+1)] = []int64{int64(l[1])}
	}
	return expected
}

// OpenZeroDCE loads a Zero-DCE checkpoint in safetensors format.
func OpenZeroDCE(weights string, dev models.Device) (Model, error) {
	if err := requireCPU(VariantZeroDCE, dev); err != nil {
		return nil, err
	}
	if weights == "" {
		return nil, models.ConfigError(nil, "%s needs a weights file", VariantZeroDCE)
	}
	ckpt, err := OpenCheckpoint(weights)
	if err != nil {
		return nil, err
	}
	params, err := ckpt.LoadStrict(zeroDCEExpected())
	if err != nil {
		return nil, err
	}

	m := &ZeroDCE{}
	for i, l := range zeroDCELayout() {
		m.convs[i] = &conv2d{
			in:     l[0],
			out:    l[1],
			weight: params[fmt.Sprintf("e_conv%d.weight", i+1)],
			bias:   params[fmt.Sprintf("e_conv%d.bias", i+1)],
		}
	}
	return m, nil
}

func (m *ZeroDCE) Spec() Spec {
	return Spec{
		Name:    VariantZeroDCE,
		Divisor: 1,
		Outputs: []string{models.RolePrimary, "intermediate", "curves"},
		Device:  models.Device{Kind: models.DeviceCPU},
	}
}

func (m *ZeroDCE) Infer(ctx context.Context, in *models.Tensor) (models.Outputs, error) {
	c, h, w, err := in.Dims()
	if err != nil {
		return nil, models.ShapeError("", "%v", err)
	}
	if c != 3 {
		return nil, models.ShapeError("", "%s expects 3 channels, got %d", VariantZeroDCE, c)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	x := in.Data
	var x1, x2, x3, x4, x5, x6, r []float32
	steps := []func(){
		func() { x1 = reluInPlace(m.convs[0].forward(x, h, w)) },
		func() { x2 = reluInPlace(m.convs[1].forward(x1, h, w)) },
		func() { x3 = reluInPlace(m.convs[2].forward(x2, h, w)) },
		func() { x4 = reluInPlace(m.convs[3].forward(x3, h, w)) },
		func() { x5 = reluInPlace(m.convs[4].forward(concat(x3, x4), h, w)) },
		func() { x6 = reluInPlace(m.convs[5].forward(concat(x2, x5), h, w)) },
		func() { r = tanhInPlace(m.convs[6].forward(concat(x1, x6), h, w)) },
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		step()
	}

	plane := 3 * h * w
	cur := append([]float32(nil), x...)
	var intermediate []float32
	for it := 0; it < zeroDCEIterations; it++ {
		curve := r[it*plane : (it+1)*plane]
		for i, v := range cur {
			cur[i] = v + curve[i]*(v*v-v)
		}
		if it == zeroDCEIterations/2-1 {
			intermediate = append([]float32(nil), cur...)
		}
	}

	shape := []int64{1, 3, int64(h), int64(w)}
	return models.Outputs{
		models.RolePrimary: {Data: cur, Shape: shape},
		"intermediate":     {Data: intermediate, Shape: shape},
		"curves":           {Data: r, Shape: []int64{1, 3 * zeroDCEIterations, int64(h), int64(w)}},
	}, nil
}

func (m *ZeroDCE) NumParams() int64 {
	var n int64
	for _, c := range m.convs {
		n += c.numParams()
	}
	return n
}

// FLOPs counts two operations per multiply-accumulate plus four per pixel
// and channel for every curve iteration.
func (m *ZeroDCE) FLOPs(c, h, w int) int64 {
	var macs int64
	for _, conv := range m.convs {
		macs += conv.macs(h, w)
	}
	return 2*macs + int64(zeroDCEIterations)*4*int64(c)*int64(h)*int64(w)
}

func (m *ZeroDCE) Clone() (Model, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := &ZeroDCE{}
	for i, c := range m.convs {
		cp.convs[i] = c.clone()
	}
	return cp, nil
}

func (m *ZeroDCE) Close() error { return nil }
