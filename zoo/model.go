// Package zoo adapts enhancement models to a uniform load/infer contract.
package zoo

import (
	"context"
	"image"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Tutortoise/llie-pipeline/models"
)

// Spec describes how a loaded model expects to be fed.
type Spec struct {
	Name string
	// Divisor is the spatial granularity of the model input.
	Divisor int
	// Input is a fixed input size (width, height); zero when the model accepts any size.
	Input image.Point
	// Outputs lists the roles Infer returns. models.RolePrimary is always present.
	Outputs []string
	Device  models.Device
}

// Model is a loaded network bound to its parameters and device. Infer must
// not mutate parameters; implementations serialize concurrent calls.
type Model interface {
	Spec() Spec
	Infer(ctx context.Context, in *models.Tensor) (models.Outputs, error)
	Close() error
}

// Cloner returns an independent deep copy of a model.
type Cloner interface {
	Clone() (Model, error)
}

// ParamCounter reports the number of trainable parameters.
type ParamCounter interface {
	NumParams() int64
}

// FLOPsCounter reports floating-point operations for one forward pass on a
// c x h x w input.
type FLOPsCounter interface {
	FLOPs(c, h, w int) int64
}

// AuxInput is an auxiliary tensor a conditioned model expects.
type AuxInput struct {
	Role  string
	Shape []int64
}

// Conditioned is implemented by models that take auxiliary inputs, keyed by
// role, next to the image.
type Conditioned interface {
	AuxInputs() []AuxInput
	InferWith(ctx context.Context, in *models.Tensor, aux models.Inputs) (models.Outputs, error)
}

// auxShapes are the auxiliary roles the pipeline can provide.
var auxShapes = map[string][]int64{
	models.RoleHistogram: {1, 3, models.HistogramBins},
}

// AuxInputsOf returns the auxiliary inputs m needs, if any.
func AuxInputsOf(m Model) []AuxInput {
	if c, ok := m.(Conditioned); ok {
		return c.AuxInputs()
	}
	return nil
}

// NeedsAux reports whether m is conditioned on role.
func NeedsAux(m Model, role string) bool {
	for _, a := range AuxInputsOf(m) {
		if a.Role == role {
			return true
		}
	}
	return false
}

// Run feeds in, plus aux for conditioned models, through m.
func Run(ctx context.Context, m Model, in *models.Tensor, aux models.Inputs) (models.Outputs, error) {
	if c, ok := m.(Conditioned); ok && len(c.AuxInputs()) > 0 {
		return c.InferWith(ctx, in, aux)
	}
	return m.Infer(ctx, in)
}

// Opener loads a model variant from a weights path onto a device.
type Opener func(weights string, dev models.Device) (Model, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Opener{
		VariantONNX:    OpenONNX,
		VariantZeroDCE: OpenZeroDCE,
		VariantRetinex: OpenRetinex,
	}
)

const (
	VariantONNX    = "onnx"
	VariantZeroDCE = "zerodce"
	VariantRetinex = "retinex"
)

// Register adds or replaces a model variant.
func Register(name string, open Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = open
}

func Variants() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Load opens variant with the given weights. An empty variant is inferred
// from the weights extension (.onnx).
func Load(variant, weights string, dev models.Device) (Model, error) {
	if variant == "" {
		if strings.EqualFold(filepath.Ext(weights), ".onnx") {
			variant = VariantONNX
		} else {
			return nil, models.ConfigError(nil, "model variant is required for weights %q (one of %s)",
				weights, strings.Join(Variants(), ", "))
		}
	}
	registryMu.RLock()
	open, ok := registry[strings.ToLower(variant)]
	registryMu.RUnlock()
	if !ok {
		return nil, models.ConfigError(nil, "unknown model variant %q (one of %s)", variant, strings.Join(Variants(), ", "))
	}
	return open(weights, dev)
}

func requireCPU(name string, dev models.Device) error {
	if dev.Kind != models.DeviceCPU {
		return models.ConfigError(nil, "%s runs on cpu only, got device %s", name, dev)
	}
	return nil
}
