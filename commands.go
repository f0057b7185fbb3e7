package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"

	"github.com/Tutortoise/llie-pipeline/benchmark"
	"github.com/Tutortoise/llie-pipeline/models"
	"github.com/Tutortoise/llie-pipeline/pipeline"
	"github.com/Tutortoise/llie-pipeline/zoo"
)

// modelFlags are shared by every command that loads a model.
type modelFlags struct {
	weights string
	variant string
	device  string
}

func (m *modelFlags) register(f *flag.FlagSet) {
	f.StringVar(&m.weights, "weights", "", "Path to the model weights (.onnx or .safetensors)")
	f.StringVar(&m.variant, "model", "", fmt.Sprintf("Model variant, one of %s (inferred from .onnx weights)", strings.Join(zoo.Variants(), ", ")))
	f.StringVar(&m.device, "device", models.EnvOr("LLIE_DEVICE", "cpu"), "Device: cpu, cuda, cuda:N or a GPU index")
}

func (m *modelFlags) parseDevice() (models.Device, error) {
	dev, err := models.ParseDevice(m.device)
	if err != nil {
		return dev, models.ConfigError(err, "invalid -device")
	}
	return dev, nil
}

func (m *modelFlags) load() (zoo.Model, error) {
	dev, err := m.parseDevice()
	if err != nil {
		return nil, err
	}
	return zoo.Load(m.variant, m.weights, dev)
}

type predictCommand struct {
	model        modelFlags
	data         string
	saveDir      string
	imgsz        int
	resize       bool
	benchmark    bool
	runs         int
	divisor      int
	fit          string
	requirePairs bool
	augment      bool
	histogram    bool
	seed         int64
}

var _ subcommands.Command = (*predictCommand)(nil)

func (*predictCommand) Name() string { return "predict" }

func (*predictCommand) Synopsis() string {
	return "Enhance every image of a dataset and save the results"
}

func (*predictCommand) Usage() string {
	return `predict -data <source> -save-dir <dir> -weights <file> [-model <variant>] [flags]:
  Runs the model over a single image, a flat directory or an lq/hq dataset root
  and writes <save-dir>/<dataset>/<file name>.
`
}

func (c *predictCommand) SetFlags(f *flag.FlagSet) {
	c.model.register(f)
	f.StringVar(&c.data, "data", "", "Source image, directory or dataset root")
	f.StringVar(&c.saveDir, "save-dir", "run/predict", "Destination directory")
	f.IntVar(&c.imgsz, "imgsz", models.DefaultImageSize, "Image size for -resize and -benchmark")
	f.BoolVar(&c.resize, "resize", false, "Rescale the short side to -imgsz before inference")
	f.BoolVar(&c.benchmark, "benchmark", false, "Measure FLOPs, parameters and latency first")
	f.IntVar(&c.runs, "runs", models.DefaultBenchmarkRuns, "Benchmark passes including warm-up")
	f.IntVar(&c.divisor, "divisor", models.DefaultDivisor, "Model input sides are multiples of this")
	f.StringVar(&c.fit, "fit", string(models.FitResize), "How to reach the divisor: resize or pad")
	f.BoolVar(&c.requirePairs, "require-pairs", false, "Fail when an lq image has no hq counterpart")
	f.BoolVar(&c.augment, "augment", false, "Apply a seeded random flip/rotation per sample")
	f.BoolVar(&c.histogram, "histogram", false, "Compute per-channel color histograms")
	f.Int64Var(&c.seed, "seed", models.DefaultSeed, "Seed for augmentation and benchmark input")
}

func (c *predictCommand) config() (models.RunConfig, error) {
	cfg := models.DefaultRunConfig()
	dev, err := c.model.parseDevice()
	if err != nil {
		return cfg, err
	}
	fit, err := models.ParseFit(c.fit)
	if err != nil {
		return cfg, models.ConfigError(err, "invalid -fit")
	}
	cfg.Source = c.data
	cfg.SaveDir = c.saveDir
	cfg.Weights = c.model.weights
	cfg.Variant = c.model.variant
	cfg.Device = dev
	cfg.ImageSize = c.imgsz
	cfg.Resize = c.resize
	cfg.Benchmark = c.benchmark
	cfg.BenchmarkRuns = c.runs
	cfg.Divisor = c.divisor
	cfg.Fit = fit
	cfg.RequirePairs = c.requirePairs
	cfg.Augment = c.augment
	cfg.Histogram = c.histogram
	cfg.Seed = c.seed
	return cfg, nil
}

func (c *predictCommand) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := c.config()
	if err != nil {
		log.Printf("Error: %v", err)
		return subcommands.ExitUsageError
	}
	runner, err := pipeline.New(cfg)
	if err != nil {
		log.Printf("Failed to start: %v", err)
		return subcommands.ExitFailure
	}
	defer runner.Close()

	report, err := runner.Run(ctx)
	if report != nil {
		log.Print(report)
	}
	if err != nil {
		log.Printf("Run aborted: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type benchmarkCommand struct {
	model modelFlags
	imgsz int
	runs  int
	seed  int64
}

var _ subcommands.Command = (*benchmarkCommand)(nil)

func (*benchmarkCommand) Name() string { return "benchmark" }

func (*benchmarkCommand) Synopsis() string {
	return "Report FLOPs, parameter count and average forward time"
}

func (*benchmarkCommand) Usage() string {
	return `benchmark -weights <file> [-model <variant>] [-imgsz N] [-runs N]:
  Runs a copy of the model on a random input; the first pass is a discarded warm-up.
`
}

func (c *benchmarkCommand) SetFlags(f *flag.FlagSet) {
	c.model.register(f)
	f.IntVar(&c.imgsz, "imgsz", models.DefaultImageSize, "Square input size")
	f.IntVar(&c.runs, "runs", models.DefaultBenchmarkRuns, "Passes including warm-up")
	f.Int64Var(&c.seed, "seed", models.DefaultSeed, "Seed for the random input")
}

func (c *benchmarkCommand) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	m, err := c.model.load()
	if err != nil {
		log.Printf("Failed to load model: %v", err)
		return subcommands.ExitFailure
	}
	defer m.Close()

	w, h := c.imgsz, c.imgsz
	if in := m.Spec().Input; in.X > 0 {
		w, h = in.X, in.Y
	}
	res, err := benchmark.Run(ctx, m, benchmark.Options{Width: w, Height: h, Runs: c.runs, Seed: c.seed})
	if err != nil {
		log.Printf("Benchmark failed: %v", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("Model  = %s on %s\nHost   = %s\n%s\nStdDev = %.4f\n", m.Spec().Name, m.Spec().Device, res.Hardware, res, res.StdDev.Seconds())
	return subcommands.ExitSuccess
}

type serveCommand struct {
	model    modelFlags
	addr     string
	poolSize int
	divisor  int
	fit      string
}

var _ subcommands.Command = (*serveCommand)(nil)

func (*serveCommand) Name() string { return "serve" }

func (*serveCommand) Synopsis() string { return "Serve POST /enhance over HTTP" }

func (*serveCommand) Usage() string {
	return `serve -weights <file> [-model <variant>] [-addr host:port] [-pool N]:
  Accepts raw, multipart or base64 JSON images and returns the enhanced PNG.
`
}

func (c *serveCommand) SetFlags(f *flag.FlagSet) {
	c.model.register(f)
	addr := defaultServeAddr
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	f.StringVar(&c.addr, "addr", addr, "Listen address")
	f.IntVar(&c.poolSize, "pool", DefaultPoolSize, "Number of model instances")
	f.IntVar(&c.divisor, "divisor", models.DefaultDivisor, "Model input sides are multiples of this")
	f.StringVar(&c.fit, "fit", string(models.FitResize), "How to reach the divisor: resize or pad")
}

func (c *serveCommand) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	fit, err := models.ParseFit(c.fit)
	if err != nil {
		log.Printf("Error: invalid -fit: %v", err)
		return subcommands.ExitUsageError
	}
	base, err := c.model.load()
	if err != nil {
		log.Printf("Failed to load model: %v", err)
		return subcommands.ExitFailure
	}
	opener, err := CloneOpener(base)
	if err != nil {
		base.Close()
		log.Printf("Failed to create model pool: %v", err)
		return subcommands.ExitFailure
	}
	pool, err := NewModelPool(opener, c.poolSize)
	if err != nil {
		log.Printf("Failed to create model pool: %v", err)
		return subcommands.ExitFailure
	}
	defer pool.Destroy()

	cfg := models.DefaultRunConfig()
	cfg.Divisor = c.divisor
	cfg.Fit = fit
	srv := newServer(c.addr, &AppState{Config: cfg, Pool: pool})

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting server on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server failed: %v", err)
			return subcommands.ExitFailure
		}
	case <-ctx.Done():
		log.Printf("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

type inspectCommand struct {
	weights string
}

var _ subcommands.Command = (*inspectCommand)(nil)

func (*inspectCommand) Name() string { return "inspect" }

func (*inspectCommand) Synopsis() string { return "List the inputs and outputs of an ONNX graph" }

func (*inspectCommand) Usage() string {
	return `inspect -weights <model.onnx>:
  Prints every graph input and output with its element type and dimensions.
`
}

func (c *inspectCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.weights, "weights", "", "Path to the ONNX graph")
}

func (c *inspectCommand) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.weights == "" {
		log.Printf("Error: -weights is required")
		return subcommands.ExitUsageError
	}
	inputs, outputs, err := zoo.Describe(c.weights)
	if err != nil {
		log.Printf("Failed to inspect %s: %v", c.weights, err)
		return subcommands.ExitFailure
	}
	for _, in := range inputs {
		fmt.Printf("input  %-24s %-10s %v\n", in.Name, in.DataType, in.Dims)
	}
	for _, out := range outputs {
		fmt.Printf("output %-24s %-10s %v\n", out.Name, out.DataType, out.Dims)
	}
	return subcommands.ExitSuccess
}
