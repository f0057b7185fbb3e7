package filtering

import "fmt"

// GuidedFilter smooths src while preserving the edges of guide (He et al.).
func GuidedFilter(guide, src *Plane, r int, eps float32) (*Plane, error) {
	a, b, err := coefficients(guide, src, r, eps)
	if err != nil {
		return nil, err
	}
	meanA := BoxFilter(a, r)
	meanB := BoxFilter(b, r)

	out := NewPlane(guide.Width, guide.Height)
	for i, g := range guide.Data {
		out.Data[i] = meanA.Data[i]*g + meanB.Data[i]
	}
	return out, nil
}

// FastGuidedFilter computes the linear coefficients on a copy subsampled by s
// and upsamples them bilinearly before applying them to the full guide.
func FastGuidedFilter(guide, src *Plane, r int, eps float32, s int) (*Plane, error) {
	if s <= 1 {
		return GuidedFilter(guide, src, r, eps)
	}
	w, h := max(guide.Width/s, 1), max(guide.Height/s, 1)
	gs := Resize(guide, w, h)
	ps := Resize(src, w, h)

	rs := max(r/s, 1)
	a, b, err := coefficients(gs, ps, rs, eps)
	if err != nil {
		return nil, err
	}
	meanA := Resize(BoxFilter(a, rs), guide.Width, guide.Height)
	meanB := Resize(BoxFilter(b, rs), guide.Width, guide.Height)

	out := NewPlane(guide.Width, guide.Height)
	for i, g := range guide.Data {
		out.Data[i] = meanA.Data[i]*g + meanB.Data[i]
	}
	return out, nil
}

func coefficients(guide, src *Plane, r int, eps float32) (a, b *Plane, err error) {
	if guide.Width != src.Width || guide.Height != src.Height {
		return nil, nil, fmt.Errorf("guide %dx%d and source %dx%d differ",
			guide.Width, guide.Height, src.Width, src.Height)
	}
	n := len(guide.Data)
	gp := NewPlane(guide.Width, guide.Height)
	gg := NewPlane(guide.Width, guide.Height)
	for i := 0; i < n; i++ {
		gp.Data[i] = guide.Data[i] * src.Data[i]
		gg.Data[i] = guide.Data[i] * guide.Data[i]
	}

	meanG := BoxFilter(guide, r)
	meanP := BoxFilter(src, r)
	corrGP := BoxFilter(gp, r)
	corrGG := BoxFilter(gg, r)

	a = NewPlane(guide.Width, guide.Height)
	b = NewPlane(guide.Width, guide.Height)
	for i := 0; i < n; i++ {
		varG := corrGG.Data[i] - meanG.Data[i]*meanG.Data[i]
		covGP := corrGP.Data[i] - meanG.Data[i]*meanP.Data[i]
		a.Data[i] = covGP / (varG + eps)
		b.Data[i] = meanP.Data[i] - a.Data[i]*meanG.Data[i]
	}
	return a, b, nil
}

// Resize scales a plane with bilinear interpolation on pixel centers.
func Resize(src *Plane, w, h int) *Plane {
	dst := NewPlane(w, h)
	if w == src.Width && h == src.Height {
		copy(dst.Data, src.Data)
		return dst
	}
	sx := float32(src.Width) / float32(w)
	sy := float32(src.Height) / float32(h)
	for y := 0; y < h; y++ {
		fy := (float32(y)+0.5)*sy - 0.5
		y0 := clampInt(int(floor(fy)), 0, src.Height-1)
		y1 := clampInt(y0+1, 0, src.Height-1)
		dy := clamp01(fy - float32(y0))
		for x := 0; x < w; x++ {
			fx := (float32(x)+0.5)*sx - 0.5
			x0 := clampInt(int(floor(fx)), 0, src.Width-1)
			x1 := clampInt(x0+1, 0, src.Width-1)
			dx := clamp01(fx - float32(x0))

			top := src.At(x0, y0)*(1-dx) + src.At(x1, y0)*dx
			bot := src.At(x0, y1)*(1-dx) + src.At(x1, y1)*dx
			dst.Data[y*w+x] = top*(1-dy) + bot*dy
		}
	}
	return dst
}

func floor(v float32) float32 {
	i := float32(int(v))
	if v < i {
		return i - 1
	}
	return i
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func clamp01(v float32) float32 {
	return max(0, min(v, 1))
}
