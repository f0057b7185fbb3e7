package enhance

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	"github.com/Tutortoise/llie-pipeline/models"
)

// Options describe how an image is fitted to the model input.
type Options struct {
	// Divisor is the spatial granularity required by the model. Values < 1 mean 1.
	Divisor int
	// Fit chooses between bilinear resize and edge padding to reach multiples of Divisor.
	Fit models.Fit
	// ShortSide, when > 0, first rescales so the shorter side has this length.
	ShortSide int
	// Target, when non-zero, is a fixed model input size that overrides Divisor.
	Target image.Point
	// AllowGray accepts single-channel images by replicating the gray channel.
	AllowGray bool
}

// Prepared is a model-ready tensor plus what is needed to undo the fitting.
type Prepared struct {
	Tensor *models.Tensor
	// Original is the size of the decoded image.
	Original image.Point
	// Content is the size of the image data inside the tensor, before padding.
	Content image.Point
	// Input is the spatial size of Tensor.
	Input image.Point
	Fit   models.Fit
}

// Preprocess converts img into a [1,3,H,W] tensor in [0,1] whose height and
// width are multiples of opts.Divisor.
func Preprocess(img image.Image, opts Options) (*Prepared, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, models.ShapeError("", "image has zero area (%dx%d)", b.Dx(), b.Dy())
	}
	if isGray(img.ColorModel()) && !opts.AllowGray {
		return nil, models.ShapeError("", "expected %d color channels, got a single-channel image", Channels)
	}

	p := &Prepared{Original: b.Size(), Fit: opts.Fit}
	if p.Fit == "" {
		p.Fit = models.FitResize
	}

	work := img
	if opts.ShortSide > 0 {
		size := scaleShortSide(b.Size(), opts.ShortSide)
		if size != b.Size() {
			work = imaging.Resize(work, size.X, size.Y, imaging.Linear)
		}
	}
	p.Content = work.Bounds().Size()

	switch {
	case opts.Target.X > 0 && opts.Target.Y > 0:
		p.Input = opts.Target
		p.Fit = models.FitResize
	default:
		d := max(opts.Divisor, 1)
		p.Input = image.Pt(ceilMultiple(p.Content.X, d), ceilMultiple(p.Content.Y, d))
	}

	if p.Input != p.Content {
		if p.Fit == models.FitPad {
			work = padEdge(work, p.Input)
		} else {
			work = imaging.Resize(work, p.Input.X, p.Input.Y, imaging.Linear)
		}
	}

	t := models.NewTensor(1, Channels, int64(p.Input.Y), int64(p.Input.X))
	newChannelProcessor(p.Input.X, p.Input.Y).toCHW(work, t.Data)
	p.Tensor = t
	return p, nil
}

func ceilMultiple(v, d int) int {
	return (v + d - 1) / d * d
}

func scaleShortSide(size image.Point, short int) image.Point {
	scale := float64(short) / float64(min(size.X, size.Y))
	return image.Pt(
		max(int(math.Round(float64(size.X)*scale)), 1),
		max(int(math.Round(float64(size.Y)*scale)), 1),
	)
}

// padEdge places img at the origin of a size canvas and replicates the last
// column and row into the padding.
func padEdge(img image.Image, size image.Point) *image.NRGBA {
	src := imaging.Clone(img)
	sw, sh := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, size.X, size.Y))
	for y := 0; y < size.Y; y++ {
		sy := min(y, sh-1)
		srow := src.Pix[sy*src.Stride:]
		drow := dst.Pix[y*dst.Stride:]
		copy(drow[:sw*4], srow[:sw*4])
		last := srow[(sw-1)*4 : sw*4]
		for x := sw; x < size.X; x++ {
			copy(drow[x*4:x*4+4], last)
		}
	}
	return dst
}

func isGray(m color.Model) bool {
	return m == color.GrayModel || m == color.Gray16Model
}
