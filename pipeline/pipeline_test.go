package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/Tutortoise/llie-pipeline/dataset"
	"github.com/Tutortoise/llie-pipeline/enhance"
	"github.com/Tutortoise/llie-pipeline/models"
	"github.com/Tutortoise/llie-pipeline/zoo"
)

type fakeModel struct {
	calls   int
	nan     bool
	divisor int
	closed  bool
}

func (m *fakeModel) Spec() zoo.Spec {
	return zoo.Spec{Name: "fake", Divisor: m.divisor, Outputs: []string{models.RolePrimary}}
}

func (m *fakeModel) Infer(_ context.Context, in *models.Tensor) (models.Outputs, error) {
	m.calls++
	out := in.Clone()
	for i := range out.Data {
		if m.nan {
			out.Data[i] = float32(math.NaN())
		} else {
			out.Data[i] = 1 - out.Data[i]
		}
	}
	return models.Outputs{models.RolePrimary: out}, nil
}

func (m *fakeModel) Close() error {
	m.closed = true
	return nil
}

func (m *fakeModel) Clone() (zoo.Model, error) { return &fakeModel{divisor: m.divisor}, nil }

func writeImage(t *testing.T, path string, w, h int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 3), G: uint8(y * 5), B: 20, A: 255})
		}
	}
	if err := imaging.Save(img, path); err != nil {
		t.Fatal(err)
	}
}

// flatSource creates <tmp>/night with two images and one corrupt file.
func flatSource(t *testing.T) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "night")
	writeImage(t, filepath.Join(src, "a.png"), 37, 21)
	writeImage(t, filepath.Join(src, "b.png"), 64, 64)
	if err := os.WriteFile(filepath.Join(src, "bad.png"), []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}
	return src
}

func config(src, save string) models.RunConfig {
	cfg := models.DefaultRunConfig()
	cfg.Source = src
	cfg.SaveDir = save
	return cfg
}

func TestRunWritesOutputsAndSkipsBadSamples(t *testing.T) {
	src := flatSource(t)
	save := t.TempDir()
	m := &fakeModel{divisor: 1}

	r, err := New(config(src, save), WithModel(m))
	if err != nil {
		t.Fatal(err)
	}
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Processed != 2 || len(report.Skipped) != 1 {
		t.Fatalf("report = %+v", report)
	}
	if filepath.Base(report.Skipped[0].Path) != "bad.png" {
		t.Errorf("skipped %s", report.Skipped[0].Path)
	}
	if report.OutputDir != filepath.Join(save, "night") {
		t.Errorf("output dir = %s", report.OutputDir)
	}
	if m.calls != 2 {
		t.Errorf("model ran %d times", m.calls)
	}

	for name, size := range map[string]image.Point{"a.png": {37, 21}, "b.png": {64, 64}} {
		img, err := imaging.Open(filepath.Join(report.OutputDir, name))
		if err != nil {
			t.Fatal(err)
		}
		if img.Bounds().Size() != size {
			t.Errorf("%s: size %v, want %v", name, img.Bounds().Size(), size)
		}
	}
	if err := r.Close(); err != nil || m.closed {
		t.Errorf("injected model closed=%v err=%v", m.closed, err)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	src := flatSource(t)
	save := t.TempDir()
	run := func() []byte {
		r, err := New(config(src, save), WithModel(&fakeModel{divisor: 1}))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := r.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		data, err := os.ReadFile(filepath.Join(save, "night", "a.png"))
		if err != nil {
			t.Fatal(err)
		}
		return data
	}
	if first, second := run(), run(); !bytes.Equal(first, second) {
		t.Error("rerun produced different bytes")
	}
}

func TestRunSkipsNumericFailures(t *testing.T) {
	src := flatSource(t)
	r, err := New(config(src, t.TempDir()), WithModel(&fakeModel{divisor: 1, nan: true}))
	if err != nil {
		t.Fatal(err)
	}
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Processed != 0 || len(report.Skipped) != 3 {
		t.Errorf("report = %+v", report)
	}
	entries, _ := os.ReadDir(report.OutputDir)
	if len(entries) != 0 {
		t.Errorf("%d files written for NaN outputs", len(entries))
	}
}

func TestRunAbortsOnIOError(t *testing.T) {
	src := flatSource(t)
	m := &fakeModel{divisor: 1}
	r, err := New(config(src, t.TempDir()), WithModel(m))
	if err != nil {
		t.Fatal(err)
	}
	// Replace the output directory with a file so every save fails.
	if err := os.RemoveAll(r.OutputDir()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(r.OutputDir(), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := r.Run(context.Background())
	if !errors.Is(err, models.ErrIO) {
		t.Fatalf("got %v, want io error", err)
	}
	if m.calls != 1 || report.Processed != 0 {
		t.Errorf("calls %d processed %d, want the batch to stop after the first sample", m.calls, report.Processed)
	}
}

func TestRunStopsWhenCancelled(t *testing.T) {
	m := &fakeModel{divisor: 1}
	r, err := New(config(flatSource(t), t.TempDir()), WithModel(m))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v", err)
	}
	if m.calls != 0 {
		t.Errorf("model ran %d times after cancel", m.calls)
	}
}

func TestRunBenchmarksACopy(t *testing.T) {
	cfg := config(flatSource(t), t.TempDir())
	cfg.Benchmark = true
	cfg.BenchmarkRuns = 5
	cfg.ImageSize = 16
	m := &fakeModel{divisor: 1}
	r, err := New(cfg, WithModel(m))
	if err != nil {
		t.Fatal(err)
	}
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Benchmark == nil || report.Benchmark.Timed != 4 {
		t.Fatalf("benchmark = %+v", report.Benchmark)
	}
	if m.calls != 2 {
		t.Errorf("original model ran %d times, want only the 2 samples", m.calls)
	}
}

func TestNewStartupErrors(t *testing.T) {
	save := t.TempDir()
	src := flatSource(t)

	if _, err := New(config(filepath.Join(save, "missing"), save)); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("missing source: got %v", err)
	}

	cfg := config(src, save)
	cfg.Variant = "unknown"
	if _, err := New(cfg); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("unknown variant: got %v", err)
	}

	bad := filepath.Join(save, "weights.safetensors")
	if err := os.WriteFile(bad, []byte("garbage garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg = config(src, save)
	cfg.Variant = zoo.VariantZeroDCE
	cfg.Weights = bad
	if _, err := New(cfg); !errors.Is(err, models.ErrWeightsLoad) {
		t.Errorf("corrupt weights: got %v", err)
	}
}

func TestRunWithBuiltinRetinex(t *testing.T) {
	cfg := config(flatSource(t), t.TempDir())
	cfg.Variant = zoo.VariantRetinex
	cfg.Fit = models.FitPad
	r, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Processed != 2 || report.MeanInference <= 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestEnhancerDivisor(t *testing.T) {
	cfg := models.DefaultRunConfig()
	e := NewEnhancer(&fakeModel{divisor: 12}, cfg)
	if e.opts.Divisor != 96 {
		t.Errorf("divisor = %d, want lcm(32,12)=96", e.opts.Divisor)
	}

	cfg.Resize = true
	cfg.ImageSize = 64
	e = NewEnhancer(&fakeModel{divisor: 1}, cfg)
	img, outs, err := e.Enhance(context.Background(), image.NewNRGBA(image.Rect(0, 0, 200, 100)), nil, &models.ProcessingTimings{})
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Size() != image.Pt(200, 100) {
		t.Errorf("restored size %v", img.Bounds().Size())
	}
	if s := outs[models.RolePrimary].Shape; s[2] != 64 || s[3] != 128 {
		t.Errorf("model saw %v, want short side 64", s)
	}
}

// histModel is conditioned on the color histogram and records what it gets.
type histModel struct {
	fakeModel
	hists []*models.Tensor
}

func (m *histModel) AuxInputs() []zoo.AuxInput {
	return []zoo.AuxInput{{Role: models.RoleHistogram, Shape: []int64{1, 3, models.HistogramBins}}}
}

func (m *histModel) InferWith(ctx context.Context, in *models.Tensor, aux models.Inputs) (models.Outputs, error) {
	m.hists = append(m.hists, aux[models.RoleHistogram])
	return m.fakeModel.Infer(ctx, in)
}

func TestRunFeedsHistogramToConditionedModel(t *testing.T) {
	src := filepath.Join(t.TempDir(), "night")
	writeImage(t, filepath.Join(src, "a.png"), 37, 21)
	m := &histModel{fakeModel: fakeModel{divisor: 1}}

	r, err := New(config(src, t.TempDir()), WithModel(m))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(m.hists) != 1 || m.hists[0] == nil {
		t.Fatalf("model received %d histograms", len(m.hists))
	}

	img, err := dataset.Decode(filepath.Join(src, "a.png"))
	if err != nil {
		t.Fatal(err)
	}
	h, err := dataset.ColorHistogram(img)
	if err != nil {
		t.Fatal(err)
	}
	want := h.Tensor()
	got := m.hists[0]
	if len(got.Shape) != 3 || got.Shape[2] != models.HistogramBins {
		t.Fatalf("histogram shape %v", got.Shape)
	}
	for i := range want.Data {
		if got.Data[i] != want.Data[i] {
			t.Fatalf("histogram differs at %d: %v vs %v", i, got.Data[i], want.Data[i])
		}
	}
}

func TestEnhancerDerivesHistogram(t *testing.T) {
	m := &histModel{fakeModel: fakeModel{divisor: 1}}
	e := NewEnhancer(m, models.DefaultRunConfig())
	if _, _, err := e.Enhance(context.Background(), image.NewNRGBA(image.Rect(0, 0, 8, 8)), nil, &models.ProcessingTimings{}); err != nil {
		t.Fatal(err)
	}
	if len(m.hists) != 1 || m.hists[0] == nil {
		t.Fatal("no histogram passed to the model")
	}
	var sum float32
	for _, v := range m.hists[0].Data[:models.HistogramBins] {
		sum += v
	}
	if math.Abs(float64(sum)-1) > 1e-5 {
		t.Errorf("red histogram sums to %v", sum)
	}
}

func TestRunScoresPairedSamples(t *testing.T) {
	root := filepath.Join(t.TempDir(), "lol")
	if err := os.MkdirAll(filepath.Join(root, dataset.HighDir), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.png", "b.png"} {
		writeImage(t, filepath.Join(root, dataset.LowDir, name), 24, 16)
		low, err := imaging.Open(filepath.Join(root, dataset.LowDir, name))
		if err != nil {
			t.Fatal(err)
		}
		// The reference is the inverted input, which is what fakeModel returns.
		ref := imaging.AdjustFunc(low, func(c color.NRGBA) color.NRGBA {
			return color.NRGBA{R: 255 - c.R, G: 255 - c.G, B: 255 - c.B, A: c.A}
		})
		if name == "b.png" {
			ref = imaging.AdjustFunc(ref, func(c color.NRGBA) color.NRGBA {
				return color.NRGBA{R: 0, G: 0, B: 0, A: c.A}
			})
		}
		if err := imaging.Save(ref, filepath.Join(root, dataset.HighDir, name)); err != nil {
			t.Fatal(err)
		}
	}

	cfg := config(root, t.TempDir())
	cfg.Divisor = 8
	cfg.RequirePairs = true
	r, err := New(cfg, WithModel(&fakeModel{divisor: 1}))
	if err != nil {
		t.Fatal(err)
	}
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Quality) != 2 {
		t.Fatalf("quality entries = %d", len(report.Quality))
	}
	exact, off := report.Quality[0], report.Quality[1]
	if exact.L1 > 1e-9 || exact.PSNR != enhance.MaxPSNR {
		t.Errorf("matching pair scored %+v", exact)
	}
	if off.L1 <= 0 || off.PSNR >= enhance.MaxPSNR {
		t.Errorf("mismatched pair scored %+v", off)
	}
	if wantL1 := (exact.L1 + off.L1) / 2; math.Abs(report.MeanL1-wantL1) > 1e-12 {
		t.Errorf("MeanL1 = %v, want %v", report.MeanL1, wantL1)
	}
	if wantPSNR := (exact.PSNR + off.PSNR) / 2; math.Abs(report.MeanPSNR-wantPSNR) > 1e-9 {
		t.Errorf("MeanPSNR = %v, want %v", report.MeanPSNR, wantPSNR)
	}
}

func TestRunWithoutReferencesHasNoQuality(t *testing.T) {
	r, err := New(config(flatSource(t), t.TempDir()), WithModel(&fakeModel{divisor: 1}))
	if err != nil {
		t.Fatal(err)
	}
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Quality) != 0 || report.MeanPSNR != 0 {
		t.Errorf("unpaired run reported quality %+v", report.Quality)
	}
}
