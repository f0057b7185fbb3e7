package models

import (
	"image"
	"path/filepath"
	"time"
)

// Augment identifies the transform applied to a sample pair.
type Augment int

const (
	AugmentIdentity Augment = iota
	AugmentRotate180
	AugmentRotate180FlipV
	AugmentFlipV
)

func (a Augment) String() string {
	switch a {
	case AugmentIdentity:
		return "identity"
	case AugmentRotate180:
		return "rot180"
	case AugmentRotate180FlipV:
		return "rot180+flipv"
	case AugmentFlipV:
		return "flipv"
	}
	return "unknown"
}

// HistogramBins is the number of intensity bins per channel.
const HistogramBins = 256

// Histogram holds one normalized intensity histogram per RGB channel.
type Histogram [3][HistogramBins]float64

// Tensor lays the histogram out as a [1,3,256] tensor.
func (h *Histogram) Tensor() *Tensor {
	t := NewTensor(1, 3, HistogramBins)
	for c := range h {
		for i, v := range h[c] {
			t.Data[c*HistogramBins+i] = float32(v)
		}
	}
	return t
}

// Sample is one dataset record. High and Histogram are optional.
type Sample struct {
	Index     int
	Path      string
	Low       image.Image
	High      image.Image
	Histogram *Histogram
	Augment   Augment
}

// Name returns the base file name of the low-quality source.
func (s *Sample) Name() string {
	return filepath.Base(s.Path)
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Save        time.Duration
	Total       time.Duration
}
