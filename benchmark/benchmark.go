// Package benchmark measures model efficiency: FLOPs, parameter count and
// forward-pass latency.
package benchmark

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/Tutortoise/llie-pipeline/models"
	"github.com/Tutortoise/llie-pipeline/zoo"
)

const DefaultChannels = 3

type Options struct {
	Width    int
	Height   int
	Channels int
	// Runs counts every forward pass including the discarded warm-up.
	Runs int
	// Seed drives the random input. Zero is a valid seed; callers wanting the
	// shared default pass models.DefaultSeed.
	Seed int64
}

type Result struct {
	// FLOPs and Params are -1 when the model cannot report them.
	FLOPs      int64
	Params     int64
	AvgLatency time.Duration
	StdDev     time.Duration
	// Timed is the number of measured passes, Runs-1.
	Timed    int
	Input    [3]int
	Hardware Hardware
}

// GFLOPs returns FLOPs in billions, or -1 when unknown.
func (r *Result) GFLOPs() float64 {
	if r.FLOPs < 0 {
		return -1
	}
	return float64(r.FLOPs) / 1e9
}

// MParams returns the parameter count in millions, or -1 when unknown.
func (r *Result) MParams() float64 {
	if r.Params < 0 {
		return -1
	}
	return float64(r.Params) / 1e6
}

func (r *Result) String() string {
	return fmt.Sprintf("FLOPs  = %.4f\nParams = %.4f\nTime   = %.4f", r.GFLOPs(), r.MParams(), r.AvgLatency.Seconds())
}

func (o Options) withDefaults() Options {
	if o.Channels <= 0 {
		o.Channels = DefaultChannels
	}
	if o.Runs == 0 {
		o.Runs = models.DefaultBenchmarkRuns
	}
	return o
}

// Run benchmarks a deep copy of m so the caller's instance is never touched.
// The first pass warms up and is discarded.
func Run(ctx context.Context, m zoo.Model, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, models.ConfigError(nil, "benchmark input %dx%d must be positive", opts.Width, opts.Height)
	}
	if opts.Runs < 2 {
		return nil, models.ConfigError(nil, "benchmark needs at least 2 runs, got %d", opts.Runs)
	}
	cloner, ok := m.(zoo.Cloner)
	if !ok {
		return nil, models.ConfigError(nil, "model %s cannot be copied for benchmarking", m.Spec().Name)
	}
	cp, err := cloner.Clone()
	if err != nil {
		return nil, errors.Wrap(err, "copy model for benchmark")
	}
	defer cp.Close()

	res := &Result{
		FLOPs:    -1,
		Params:   -1,
		Input:    [3]int{opts.Channels, opts.Height, opts.Width},
		Hardware: DetectHardware(),
	}
	if fc, ok := cp.(zoo.FLOPsCounter); ok {
		res.FLOPs = fc.FLOPs(opts.Channels, opts.Height, opts.Width)
	}
	if pc, ok := cp.(zoo.ParamCounter); ok {
		res.Params = pc.NumParams()
	}

	input, aux := randomInputs(opts, zoo.AuxInputsOf(cp))
	if _, err := zoo.Run(ctx, cp, input, aux); err != nil {
		return nil, errors.Wrap(err, "benchmark warm-up")
	}

	samples := make([]float64, 0, opts.Runs-1)
	for i := 1; i < opts.Runs; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		if _, err := zoo.Run(ctx, cp, input, aux); err != nil {
			return nil, errors.Wrapf(err, "benchmark run %d", i)
		}
		samples = append(samples, time.Since(start).Seconds())
	}

	mean, std := stat.MeanStdDev(samples, nil)
	res.Timed = len(samples)
	res.AvgLatency = seconds(mean)
	if len(samples) > 1 {
		res.StdDev = seconds(std)
	}
	return res, nil
}

// randomInputs draws the image and every auxiliary input from one seeded
// source, image first.
func randomInputs(opts Options, needed []zoo.AuxInput) (*models.Tensor, models.Inputs) {
	r := rand.New(rand.NewSource(opts.Seed))
	fill := func(t *models.Tensor) *models.Tensor {
		for i := range t.Data {
			t.Data[i] = r.Float32()
		}
		return t
	}
	in := fill(models.NewTensor(1, int64(opts.Channels), int64(opts.Height), int64(opts.Width)))
	if len(needed) == 0 {
		return in, nil
	}
	aux := make(models.Inputs, len(needed))
	for _, a := range needed {
		aux[a.Role] = fill(models.NewTensor(a.Shape...))
	}
	return in, aux
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
