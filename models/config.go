package models

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Fit selects how an image is brought to divisor-aligned dimensions.
type Fit string

const (
	FitResize Fit = "resize"
	FitPad    Fit = "pad"
)

func ParseFit(s string) (Fit, error) {
	switch Fit(strings.ToLower(s)) {
	case FitResize, "":
		return FitResize, nil
	case FitPad:
		return FitPad, nil
	}
	return "", fmt.Errorf("unknown fit mode %q (want resize or pad)", s)
}

// DeviceKind is the compute backend a model is placed on.
type DeviceKind string

const (
	DeviceCPU  DeviceKind = "cpu"
	DeviceCUDA DeviceKind = "cuda"
)

type Device struct {
	Kind  DeviceKind
	Index int
}

func (d Device) String() string {
	if d.Kind == DeviceCUDA {
		return fmt.Sprintf("cuda:%d", d.Index)
	}
	return string(DeviceCPU)
}

// ParseDevice accepts "cpu", "cuda", "cuda:N" or a bare GPU index "N".
func ParseDevice(s string) (Device, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "" || s == "cpu":
		return Device{Kind: DeviceCPU}, nil
	case s == "cuda" || s == "gpu":
		return Device{Kind: DeviceCUDA}, nil
	case strings.HasPrefix(s, "cuda:"):
		idx, err := strconv.Atoi(strings.TrimPrefix(s, "cuda:"))
		if err != nil || idx < 0 {
			return Device{}, fmt.Errorf("invalid cuda device %q", s)
		}
		return Device{Kind: DeviceCUDA, Index: idx}, nil
	}
	if idx, err := strconv.Atoi(s); err == nil && idx >= 0 {
		return Device{Kind: DeviceCUDA, Index: idx}, nil
	}
	return Device{}, fmt.Errorf("unknown device %q", s)
}

const (
	DefaultDivisor       = 32
	DefaultImageSize     = 512
	DefaultBenchmarkRuns = 100
	DefaultSeed          = 123
)

// RunConfig is built once from invocation arguments and read-only afterwards.
type RunConfig struct {
	Source        string
	SaveDir       string
	Weights       string
	Variant       string
	Device        Device
	ImageSize     int
	Resize        bool
	Benchmark     bool
	BenchmarkRuns int
	Divisor       int
	Fit           Fit
	RequirePairs  bool
	Augment       bool
	Histogram     bool
	Seed          int64
}

func DefaultRunConfig() RunConfig {
	return RunConfig{
		Device:        Device{Kind: DeviceCPU},
		ImageSize:     DefaultImageSize,
		BenchmarkRuns: DefaultBenchmarkRuns,
		Divisor:       DefaultDivisor,
		Fit:           FitResize,
		Seed:          DefaultSeed,
	}
}

// Validate checks arguments and the existence of the source and weights paths.
func (c RunConfig) Validate() error {
	if c.Source == "" {
		return ConfigError(nil, "source path is required")
	}
	if _, err := os.Stat(c.Source); err != nil {
		return ConfigError(err, "source path %s is not readable", c.Source)
	}
	if c.SaveDir == "" {
		return ConfigError(nil, "save directory is required")
	}
	if c.Weights != "" {
		if _, err := os.Stat(c.Weights); err != nil {
			return ConfigError(err, "weights %s are not readable", c.Weights)
		}
	}
	if c.Divisor < 1 {
		return ConfigError(nil, "divisor must be >= 1, got %d", c.Divisor)
	}
	if c.ImageSize < 1 {
		return ConfigError(nil, "image size must be >= 1, got %d", c.ImageSize)
	}
	if c.Benchmark && c.BenchmarkRuns < 2 {
		return ConfigError(nil, "benchmark needs at least 2 runs, got %d", c.BenchmarkRuns)
	}
	if _, err := ParseFit(string(c.Fit)); err != nil {
		return ConfigError(err, "invalid fit")
	}
	return nil
}

// EnvOr returns the environment value for key, or def when unset.
func EnvOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
