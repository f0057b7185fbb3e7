package dataset

import (
	"fmt"
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/Tutortoise/llie-pipeline/models"
)

// Options control pairing, augmentation and auxiliary features.
type Options struct {
	// RequirePairs makes a missing high-quality counterpart a configuration error.
	RequirePairs bool
	// Augment applies one of four flips/rotations per sample.
	Augment bool
	// Rand drives augmentation choices. A nil Rand is seeded with models.DefaultSeed.
	Rand *rand.Rand
	// Histogram computes the per-channel color histogram of the low image.
	Histogram bool
	// Size, when non-zero, resizes low and high images before augmentation.
	Size image.Point
}

// Dataset is a finite, restartable sequence of samples. Images are decoded
// only when a sample is requested.
type Dataset struct {
	name     string
	low      []string
	high     []string
	opts     Options
	augments []models.Augment
}

// Open scans root, which may be a single image, a flat directory of images or a
// directory holding lq/ and optionally hq/ subfolders.
func Open(root string, opts Options) (*Dataset, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, models.ConfigError(err, "cannot read source %s", root)
	}

	d := &Dataset{opts: opts}
	root = filepath.Clean(root)

	switch {
	case !info.IsDir():
		if !IsImage(root) {
			return nil, models.ConfigError(nil, "source %s is not an image", root)
		}
		d.name = filepath.Base(filepath.Dir(root))
		d.low = []string{root}
	case isDir(filepath.Join(root, LowDir)):
		d.name = filepath.Base(root)
		if d.low, err = listImages(filepath.Join(root, LowDir)); err != nil {
			return nil, models.ConfigError(err, "cannot list %s", filepath.Join(root, LowDir))
		}
		if err := d.matchHigh(filepath.Join(root, HighDir)); err != nil {
			return nil, err
		}
	default:
		d.name = filepath.Base(root)
		if d.low, err = listImages(root); err != nil {
			return nil, models.ConfigError(err, "cannot list %s", root)
		}
	}

	if len(d.low) == 0 {
		return nil, models.ConfigError(nil, "no images found in %s", root)
	}
	if opts.RequirePairs && d.high == nil {
		return nil, models.ConfigError(nil, "paired mode needs %s/%s and %s/%s", root, LowDir, root, HighDir)
	}

	if opts.Augment {
		r := opts.Rand
		if r == nil {
			r = rand.New(rand.NewSource(models.DefaultSeed))
		}
		d.augments = drawAugments(r, len(d.low))
	}
	return d, nil
}

// matchHigh attaches same-named files from highDir. Missing counterparts are
// collected and reported together when pairing is required.
func (d *Dataset) matchHigh(highDir string) error {
	if !isDir(highDir) {
		return nil
	}
	d.high = make([]string, len(d.low))
	var missing []string
	for i, p := range d.low {
		candidate := filepath.Join(highDir, filepath.Base(p))
		if _, err := os.Stat(candidate); err != nil {
			missing = append(missing, filepath.Base(p))
			continue
		}
		d.high[i] = candidate
	}
	if len(missing) > 0 && d.opts.RequirePairs {
		return models.ConfigError(nil, "%d of %d low-quality images have no counterpart in %s: %s",
			len(missing), len(d.low), highDir, strings.Join(missing, ", "))
	}
	return nil
}

// Name is the dataset name used for output directories.
func (d *Dataset) Name() string { return d.name }

func (d *Dataset) Len() int { return len(d.low) }

// Paths returns the low-quality source paths in iteration order.
func (d *Dataset) Paths() []string {
	return append([]string(nil), d.low...)
}

// AugmentAt returns the transform assigned to index i.
func (d *Dataset) AugmentAt(i int) models.Augment {
	if d.augments == nil {
		return models.AugmentIdentity
	}
	return d.augments[i]
}

// Sample decodes and prepares the record at index i.
func (d *Dataset) Sample(i int) (*models.Sample, error) {
	if i < 0 || i >= len(d.low) {
		return nil, fmt.Errorf("sample index %d out of range [0,%d)", i, len(d.low))
	}
	path := d.low[i]
	s := &models.Sample{Index: i, Path: path, Augment: d.AugmentAt(i)}

	low, err := Decode(path)
	if err != nil {
		return nil, models.ShapeError(path, "undecodable image: %v", err)
	}
	var high image.Image
	if d.high != nil && d.high[i] != "" {
		if high, err = Decode(d.high[i]); err != nil {
			return nil, models.ShapeError(d.high[i], "undecodable image: %v", err)
		}
	}

	if d.opts.Histogram {
		if s.Histogram, err = ColorHistogram(low); err != nil {
			return nil, err
		}
	}

	if sz := d.opts.Size; sz.X > 0 && sz.Y > 0 {
		low = imaging.Resize(low, sz.X, sz.Y, imaging.Linear)
		if high != nil {
			high = imaging.Resize(high, sz.X, sz.Y, imaging.Linear)
		}
	}

	s.Low = applyAugment(low, s.Augment)
	s.High = applyAugment(high, s.Augment)

	if s.High != nil && s.Low.Bounds().Size() != s.High.Bounds().Size() {
		return nil, models.ShapeError(path, "low %v and high %v sizes differ",
			s.Low.Bounds().Size(), s.High.Bounds().Size())
	}
	return s, nil
}
