package enhance

import (
	"image"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/Tutortoise/llie-pipeline/models"
)

// Restore converts a model output back to an image with the exact size the
// preprocessed input had before fitting.
func Restore(p *Prepared, out *models.Tensor) (*image.NRGBA, error) {
	c, h, w, err := out.Dims()
	if err != nil {
		return nil, models.ShapeError("", "output tensor: %v", err)
	}
	if w == 0 || h == 0 {
		return nil, models.ShapeError("", "output tensor has zero area")
	}

	data := out.Data
	switch c {
	case Channels:
	case 1:
		data = make([]float32, Channels*w*h)
		for i := 0; i < Channels; i++ {
			copy(data[i*w*h:], out.Data[:w*h])
		}
	default:
		return nil, models.ShapeError("", "output has %d channels, want %d", c, Channels)
	}

	img := newChannelProcessor(w, h).fromCHW(data)
	if p.Fit == models.FitPad && p.Content != p.Input {
		img = imaging.Crop(img, image.Rectangle{Max: contentAt(p, image.Pt(w, h))})
	}
	if img.Bounds().Size() != p.Original {
		img = imaging.Resize(img, p.Original.X, p.Original.Y, imaging.Linear)
	}
	return img, nil
}

// contentAt maps the unpadded region of p onto an output of the given size,
// for models whose output resolution differs from their input.
func contentAt(p *Prepared, out image.Point) image.Point {
	if out == p.Input {
		return p.Content
	}
	scale := func(c, in, o int) int {
		return min(max(int(math.Round(float64(c)*float64(o)/float64(in))), 1), o)
	}
	return image.Pt(scale(p.Content.X, p.Input.X, out.X), scale(p.Content.Y, p.Input.Y, out.Y))
}

// OutputPath roots the base name of src under dir, switching to PNG when the
// source format cannot be encoded.
func OutputPath(dir, src string) string {
	name := filepath.Base(src)
	if _, err := imaging.FormatFromFilename(name); err != nil {
		name = strings.TrimSuffix(name, filepath.Ext(name)) + DefaultFormat
	}
	return filepath.Join(dir, name)
}

// Save encodes img by the extension of path. The file is written next to its
// destination and renamed into place, so reruns overwrite atomically.
func Save(img image.Image, path string) error {
	format, err := imaging.FormatFromFilename(path)
	if err != nil {
		return models.IOError(path, err, "unsupported output format")
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".enhance-*")
	if err != nil {
		return models.IOError(path, err, "cannot create output file")
	}
	tmpName := tmp.Name()

	if err := imaging.Encode(tmp, img, format); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return models.IOError(path, err, "encode failed")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return models.IOError(path, err, "write failed")
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return models.IOError(path, err, "chmod failed")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return models.IOError(path, err, "rename failed")
	}
	return nil
}
