package dataset

import (
	"image"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/floats"

	"github.com/Tutortoise/llie-pipeline/models"
)

// ColorHistogram counts 8-bit intensities per RGB channel and normalizes
// each channel to sum to 1.
func ColorHistogram(img image.Image) (*models.Histogram, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, models.ShapeError("", "cannot build histogram of a %dx%d image", b.Dx(), b.Dy())
	}

	nrgba := imaging.Clone(img)
	var counts [3][]float64
	for c := range counts {
		counts[c] = make([]float64, models.HistogramBins)
	}
	pix := nrgba.Pix
	for i := 0; i+3 < len(pix); i += 4 {
		counts[0][pix[i]]++
		counts[1][pix[i+1]]++
		counts[2][pix[i+2]]++
	}

	h := new(models.Histogram)
	for c := range counts {
		floats.Scale(1/floats.Sum(counts[c]), counts[c])
		copy(h[c][:], counts[c])
	}
	return h, nil
}
