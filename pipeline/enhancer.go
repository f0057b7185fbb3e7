// Package pipeline drives models over datasets: preprocess, infer, check,
// restore and save, with optional efficiency benchmarking.
package pipeline

import (
	"context"
	"image"
	"log"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/Tutortoise/llie-pipeline/dataset"
	"github.com/Tutortoise/llie-pipeline/enhance"
	"github.com/Tutortoise/llie-pipeline/models"
	"github.com/Tutortoise/llie-pipeline/zoo"
)

var debugMode = os.Getenv("DEBUG") == "true"

// LogTimings prints per-stage durations when DEBUG=true.
func LogTimings(t *models.ProcessingTimings) {
	if debugMode {
		log.Printf("[DEBUG] RequestID: %s - Processing times:\n"+
			"\tImage Decode: %v\n"+
			"\tPreprocess:  %v\n"+
			"\tInference:   %v\n"+
			"\tPostprocess: %v\n"+
			"\tSave:        %v\n"+
			"\tTotal:       %v",
			t.RequestID,
			t.ImageDecode,
			t.Preprocess,
			t.Inference,
			t.Postprocess,
			t.Save,
			t.Total)
	}
}

// Enhancer runs one image through a model and back to an image of the
// original size.
type Enhancer struct {
	model zoo.Model
	opts  enhance.Options
}

// NewEnhancer fits inputs to the model's divisor combined with cfg.Divisor.
// cfg.Resize rescales the short side to cfg.ImageSize first.
func NewEnhancer(m zoo.Model, cfg models.RunConfig) *Enhancer {
	spec := m.Spec()
	opts := enhance.Options{
		Divisor: lcm(max(cfg.Divisor, 1), max(spec.Divisor, 1)),
		Fit:     cfg.Fit,
		Target:  spec.Input,
	}
	if cfg.Resize {
		opts.ShortSide = cfg.ImageSize
	}
	return &Enhancer{model: m, opts: opts}
}

func (e *Enhancer) Model() zoo.Model { return e.model }

// Enhance returns the restored primary output and every raw output of the
// model. Auxiliary inputs a conditioned model needs and aux lacks are derived
// from img. A non-finite primary output is a numeric error.
func (e *Enhancer) Enhance(ctx context.Context, img image.Image, aux models.Inputs, timings *models.ProcessingTimings) (*image.NRGBA, models.Outputs, error) {
	start := time.Now()
	p, err := enhance.Preprocess(img, e.opts)
	if err == nil {
		aux, err = e.auxInputs(img, aux)
	}
	timings.Preprocess = time.Since(start)
	if err != nil {
		return nil, nil, err
	}

	start = time.Now()
	outs, err := zoo.Run(ctx, e.model, p.Tensor, aux)
	timings.Inference = time.Since(start)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "%s inference", e.model.Spec().Name)
	}

	primary, err := outs.Primary()
	if err != nil {
		return nil, nil, models.ShapeError("", "%v", err)
	}
	if !primary.Finite() {
		return nil, nil, models.NumericError("", "%s produced NaN or Inf", e.model.Spec().Name)
	}

	start = time.Now()
	restored, err := enhance.Restore(p, primary)
	timings.Postprocess = time.Since(start)
	if err != nil {
		return nil, nil, err
	}
	return restored, outs, nil
}

func (e *Enhancer) auxInputs(img image.Image, given models.Inputs) (models.Inputs, error) {
	needed := zoo.AuxInputsOf(e.model)
	if len(needed) == 0 {
		return given, nil
	}
	aux := make(models.Inputs, len(needed))
	for _, a := range needed {
		if t := given[a.Role]; t != nil {
			aux[a.Role] = t
			continue
		}
		switch a.Role {
		case models.RoleHistogram:
			h, err := dataset.ColorHistogram(img)
			if err != nil {
				return nil, err
			}
			aux[a.Role] = h.Tensor()
		default:
			return nil, models.ConfigError(nil, "no source for %s input of %s", a.Role, e.model.Spec().Name)
		}
	}
	return aux, nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	return a / gcd(a, b) * b
}
