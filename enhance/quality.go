package enhance

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/floats"

	"github.com/Tutortoise/llie-pipeline/models"
)

// MaxPSNR caps the PSNR of identical images so averages stay finite.
const MaxPSNR = 100.0

// Quality compares an enhanced image with its reference on RGB values
// scaled to [0,1].
type Quality struct {
	L1   float64
	MSE  float64
	PSNR float64
}

// Compare measures out against ref. Both images must have the same size.
func Compare(out, ref image.Image) (Quality, error) {
	if out.Bounds().Size() != ref.Bounds().Size() {
		return Quality{}, models.ShapeError("", "output is %v, reference is %v", out.Bounds().Size(), ref.Bounds().Size())
	}
	if out.Bounds().Empty() {
		return Quality{}, models.ShapeError("", "cannot compare empty images")
	}

	a, b := rgbValues(out), rgbValues(ref)
	n := float64(len(a))
	l2 := floats.Distance(a, b, 2)
	q := Quality{
		L1:  floats.Distance(a, b, 1) / n,
		MSE: l2 * l2 / n,
	}
	q.PSNR = MaxPSNR
	if q.MSE > 0 {
		q.PSNR = math.Min(10*math.Log10(1/q.MSE), MaxPSNR)
	}
	return q, nil
}

func rgbValues(img image.Image) []float64 {
	nrgba := imaging.Clone(img)
	vals := make([]float64, 0, len(nrgba.Pix)/4*Channels)
	for i := 0; i+3 < len(nrgba.Pix); i += 4 {
		vals = append(vals,
			float64(nrgba.Pix[i])/255,
			float64(nrgba.Pix[i+1])/255,
			float64(nrgba.Pix[i+2])/255)
	}
	return vals
}
