// Package filtering implements edge-preserving filters over single-channel
// float32 planes.
package filtering

import "fmt"

// Plane is a row-major single-channel image.
type Plane struct {
	Width, Height int
	Data          []float32
}

func NewPlane(w, h int) *Plane {
	return &Plane{Width: w, Height: h, Data: make([]float32, w*h)}
}

func PlaneFrom(data []float32, w, h int) (*Plane, error) {
	if len(data) != w*h {
		return nil, fmt.Errorf("plane data length %d does not match %dx%d", len(data), w, h)
	}
	return &Plane{Width: w, Height: h, Data: data}, nil
}

func (p *Plane) At(x, y int) float32 { return p.Data[y*p.Width+x] }

// BoxFilter returns the mean over a (2r+1)x(2r+1) window clipped at the
// borders, computed from a summed-area table.
func BoxFilter(src *Plane, r int) *Plane {
	w, h := src.Width, src.Height
	dst := NewPlane(w, h)
	if r <= 0 {
		copy(dst.Data, src.Data)
		return dst
	}

	// integral has one extra row and column of zeros.
	iw := w + 1
	integral := make([]float64, iw*(h+1))
	for y := 0; y < h; y++ {
		var row float64
		for x := 0; x < w; x++ {
			row += float64(src.Data[y*w+x])
			integral[(y+1)*iw+x+1] = integral[y*iw+x+1] + row
		}
	}

	for y := 0; y < h; y++ {
		y0, y1 := max(y-r, 0), min(y+r+1, h)
		for x := 0; x < w; x++ {
			x0, x1 := max(x-r, 0), min(x+r+1, w)
			sum := integral[y1*iw+x1] - integral[y0*iw+x1] - integral[y1*iw+x0] + integral[y0*iw+x0]
			dst.Data[y*w+x] = float32(sum / float64((y1-y0)*(x1-x0)))
		}
	}
	return dst
}
