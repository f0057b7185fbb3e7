package zoo

import (
	"context"
	"sync"

	"github.com/chewxy/math32"

	"github.com/Tutortoise/llie-pipeline/filtering"
	"github.com/Tutortoise/llie-pipeline/models"
)

const (
	DefaultRetinexGamma     = 0.6
	DefaultRetinexEps       = 1e-3
	DefaultRetinexRadius    = 8
	DefaultRetinexSubsample = 4
	minIllumination         = 0.01
)

// Retinex estimates illumination as the per-pixel channel maximum refined by
// a fast guided filter, then lifts it with a gamma curve:
// out = I * L^(gamma-1).
type Retinex struct {
	mu        sync.Mutex
	gamma     float32
	eps       float32
	radius    int
	subsample int
}

// OpenRetinex builds the enhancer. weights is optional; when set it must be a
// safetensors file holding exactly the scalars "gamma" and "eps".
func OpenRetinex(weights string, dev models.Device) (Model, error) {
	if err := requireCPU(VariantRetinex, dev); err != nil {
		return nil, err
	}
	m := &Retinex{
		gamma:     DefaultRetinexGamma,
		eps:       DefaultRetinexEps,
		radius:    DefaultRetinexRadius,
		subsample: DefaultRetinexSubsample,
	}
	if weights == "" {
		return m, nil
	}

	ckpt, err := OpenCheckpoint(weights)
	if err != nil {
		return nil, err
	}
	params, err := ckpt.LoadStrict(map[string][]int64{"gamma": {1}, "eps": {1}})
	if err != nil {
		return nil, err
	}
	m.gamma, m.eps = params["gamma"][0], params["eps"][0]
	if m.gamma <= 0 || m.gamma > 1 || m.eps <= 0 {
		return nil, models.WeightsError(weights, nil, "gamma %v must be in (0,1] and eps %v positive", m.gamma, m.eps)
	}
	return m, nil
}

func (m *Retinex) Spec() Spec {
	return Spec{
		Name:    VariantRetinex,
		Divisor: 1,
		Outputs: []string{models.RolePrimary, "illumination"},
		Device:  models.Device{Kind: models.DeviceCPU},
	}
}

func (m *Retinex) Infer(ctx context.Context, in *models.Tensor) (models.Outputs, error) {
	c, h, w, err := in.Dims()
	if err != nil {
		return nil, models.ShapeError("", "%v", err)
	}
	if c != 3 {
		return nil, models.ShapeError("", "%s expects 3 channels, got %d", VariantRetinex, c)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	plane := h * w
	guide := filtering.NewPlane(w, h)
	for i := 0; i < plane; i++ {
		guide.Data[i] = max(in.Data[i], in.Data[plane+i], in.Data[2*plane+i])
	}
	illum, err := filtering.FastGuidedFilter(guide, guide, m.radius, m.eps, m.subsample)
	if err != nil {
		return nil, models.ShapeError("", "illumination: %v", err)
	}

	out := make([]float32, 3*plane)
	exp := m.gamma - 1
	for i, l := range illum.Data {
		l = max(l, minIllumination)
		illum.Data[i] = l
		gain := math32.Pow(l, exp)
		for ch := 0; ch < 3; ch++ {
			v := in.Data[ch*plane+i] * gain
			out[ch*plane+i] = min(max(v, 0), 1)
		}
	}

	return models.Outputs{
		models.RolePrimary: {Data: out, Shape: []int64{1, 3, int64(h), int64(w)}},
		"illumination":     {Data: illum.Data, Shape: []int64{1, 1, int64(h), int64(w)}},
	}, nil
}

func (m *Retinex) NumParams() int64 { return 2 }

// FLOPs is an estimate: channel max, four box filters of the coefficient
// pass at the subsampled size, and the per-pixel gain.
func (m *Retinex) FLOPs(c, h, w int) int64 {
	full := int64(h) * int64(w)
	s := int64(max(m.subsample, 1))
	sub := full / (s * s)
	return int64(c)*full + 4*4*sub + 10*sub + 2*4*full + int64(c)*2*full
}

func (m *Retinex) Clone() (Model, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Retinex{gamma: m.gamma, eps: m.eps, radius: m.radius, subsample: m.subsample}, nil
}

func (m *Retinex) Close() error { return nil }
