package pipeline

import (
	"context"
	"fmt"
	"image"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/Tutortoise/llie-pipeline/benchmark"
	"github.com/Tutortoise/llie-pipeline/dataset"
	"github.com/Tutortoise/llie-pipeline/enhance"
	"github.com/Tutortoise/llie-pipeline/models"
	"github.com/Tutortoise/llie-pipeline/zoo"
)

type Option func(*Runner)

// WithModel injects an already loaded model instead of loading cfg.Weights.
// The Runner does not close injected models.
func WithModel(m zoo.Model) Option {
	return func(r *Runner) {
		r.model = m
	}
}

type Runner struct {
	cfg       models.RunConfig
	data      *dataset.Dataset
	model     zoo.Model
	ownsModel bool
	enhancer  *Enhancer
	outDir    string
}

// SkippedSample records a sample that failed without aborting the run.
type SkippedSample struct {
	Path   string
	Reason string
}

// SampleQuality scores one output against its high-quality counterpart.
type SampleQuality struct {
	Path string
	enhance.Quality
}

type Report struct {
	Dataset        string
	OutputDir      string
	Processed      int
	Skipped        []SkippedSample
	TotalInference time.Duration
	MeanInference  time.Duration
	Benchmark      *benchmark.Result
	// Quality holds one entry per processed sample that had a reference.
	Quality  []SampleQuality
	MeanL1   float64
	MeanPSNR float64
}

func (r *Report) String() string {
	s := fmt.Sprintf("%s: %d processed, %d skipped, average time: %v (output %s)",
		r.Dataset, r.Processed, len(r.Skipped), r.MeanInference, r.OutputDir)
	if len(r.Quality) > 0 {
		s += fmt.Sprintf("\nL1 = %.4f, PSNR = %.4f dB over %d pairs", r.MeanL1, r.MeanPSNR, len(r.Quality))
	}
	return s
}

// sampleResult is what one successfully processed sample contributes.
type sampleResult struct {
	inference time.Duration
	quality   *enhance.Quality
}

// New validates cfg, opens the dataset, loads the model and creates the
// output directory. Every failure here is a startup error.
func New(cfg models.RunConfig, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{cfg: cfg}
	for _, opt := range opts {
		opt(r)
	}

	if r.model == nil {
		m, err := zoo.Load(cfg.Variant, cfg.Weights, cfg.Device)
		if err != nil {
			return nil, err
		}
		r.model, r.ownsModel = m, true
	}
	r.enhancer = NewEnhancer(r.model, cfg)

	data, err := dataset.Open(cfg.Source, dataset.Options{
		RequirePairs: cfg.RequirePairs,
		Augment:      cfg.Augment,
		Rand:         rand.New(rand.NewSource(cfg.Seed)),
		Histogram:    cfg.Histogram || zoo.NeedsAux(r.model, models.RoleHistogram),
	})
	if err != nil {
		r.Close()
		return nil, err
	}
	r.data = data

	r.outDir = filepath.Join(cfg.SaveDir, data.Name())
	if err := os.MkdirAll(r.outDir, 0o755); err != nil {
		r.Close()
		return nil, models.ConfigError(err, "cannot create output directory %s", r.outDir)
	}
	log.Printf("Loaded %s model (%s) for %d samples from %s", r.model.Spec().Name, r.model.Spec().Device, data.Len(), cfg.Source)
	return r, nil
}

func (r *Runner) Dataset() *dataset.Dataset { return r.data }

func (r *Runner) OutputDir() string { return r.outDir }

// Close releases the model if the Runner loaded it.
func (r *Runner) Close() error {
	if r.ownsModel && r.model != nil {
		return r.model.Close()
	}
	return nil
}

// Run processes every sample in order. Shape and numeric failures skip the
// sample; I/O failures and cancellation stop the run and return the partial
// report with the error.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	report := &Report{Dataset: r.data.Name(), OutputDir: r.outDir}

	if r.cfg.Benchmark {
		res, err := r.benchmark(ctx)
		if err != nil {
			return report, err
		}
		report.Benchmark = res
		log.Printf("Benchmark on %s:\n%s", res.Hardware, res)
	}

	paths := r.data.Paths()
	total := len(paths)
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			log.Printf("Stopping after %d of %d samples: %v", i, total, err)
			return report, err
		}

		path := paths[i]
		res, err := r.processSample(ctx, i)
		if err != nil {
			if models.IsFatal(err) {
				return report, errors.WithMessagef(err, "sample %s", path)
			}
			log.Printf("Skipping %s: %v", path, err)
			report.Skipped = append(report.Skipped, SkippedSample{Path: path, Reason: err.Error()})
			continue
		}
		report.Processed++
		report.TotalInference += res.inference
		if res.quality != nil {
			report.Quality = append(report.Quality, SampleQuality{Path: path, Quality: *res.quality})
			log.Printf("[%d/%d] %s (%v, L1 %.4f, PSNR %.2f dB)", i+1, total, filepath.Base(path), res.inference, res.quality.L1, res.quality.PSNR)
		} else {
			log.Printf("[%d/%d] %s (%v)", i+1, total, filepath.Base(path), res.inference)
		}
	}

	if report.Processed > 0 {
		report.MeanInference = report.TotalInference / time.Duration(report.Processed)
	}
	if n := len(report.Quality); n > 0 {
		l1, psnr := make([]float64, n), make([]float64, n)
		for i, q := range report.Quality {
			l1[i], psnr[i] = q.L1, q.PSNR
		}
		report.MeanL1 = stat.Mean(l1, nil)
		report.MeanPSNR = stat.Mean(psnr, nil)
		log.Printf("Mean L1: %.4f, mean PSNR: %.4f dB", report.MeanL1, report.MeanPSNR)
	}
	log.Printf("Average time: %v", report.MeanInference)
	return report, nil
}

// processSample enhances and saves sample i. Paired samples are also scored
// against their reference before saving.
func (r *Runner) processSample(ctx context.Context, i int) (sampleResult, error) {
	startTotal := time.Now()
	timings := &models.ProcessingTimings{RequestID: fmt.Sprintf("sample-%d", i)}

	start := time.Now()
	sample, err := r.data.Sample(i)
	timings.ImageDecode = time.Since(start)
	if err != nil {
		return sampleResult{}, err
	}

	var aux models.Inputs
	if sample.Histogram != nil {
		aux = models.Inputs{models.RoleHistogram: sample.Histogram.Tensor()}
	}
	img, _, err := r.enhancer.Enhance(ctx, sample.Low, aux, timings)
	if err != nil {
		return sampleResult{}, err
	}

	res := sampleResult{inference: timings.Inference}
	if sample.High != nil {
		q, err := enhance.Compare(img, sample.High)
		if err != nil {
			return sampleResult{}, err
		}
		res.quality = &q
	}

	start = time.Now()
	if err := enhance.Save(img, enhance.OutputPath(r.outDir, sample.Path)); err != nil {
		return sampleResult{}, err
	}
	timings.Save = time.Since(start)
	timings.Total = time.Since(startTotal)
	LogTimings(timings)
	return res, nil
}

// benchmark measures the model at the configured square size, or at its
// fixed input size when it has one.
func (r *Runner) benchmark(ctx context.Context) (*benchmark.Result, error) {
	size := image.Pt(r.cfg.ImageSize, r.cfg.ImageSize)
	if in := r.model.Spec().Input; in != (image.Point{}) {
		size = in
	}
	res, err := benchmark.Run(ctx, r.model, benchmark.Options{
		Width:  size.X,
		Height: size.Y,
		Runs:   r.cfg.BenchmarkRuns,
		Seed:   r.cfg.Seed,
	})
	if err != nil {
		return nil, errors.Wrap(err, "benchmark")
	}
	return res, nil
}
