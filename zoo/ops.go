package zoo

import (
	"runtime"
	"sync"

	"github.com/chewxy/math32"
)

// conv2d holds a 3x3, stride 1, padding 1 convolution.
type conv2d struct {
	in, out int
	weight  []float32 // [out, in, 3, 3]
	bias    []float32 // [out]
}

func (c *conv2d) numParams() int64 {
	return int64(len(c.weight) + len(c.bias))
}

// macs is the multiply-accumulate count over an h x w plane.
func (c *conv2d) macs(h, w int) int64 {
	return int64(c.out) * int64(c.in) * 9 * int64(h) * int64(w)
}

func (c *conv2d) clone() *conv2d {
	return &conv2d{
		in:     c.in,
		out:    c.out,
		weight: append([]float32(nil), c.weight...),
		bias:   append([]float32(nil), c.bias...),
	}
}

// forward convolves a CHW input with c.in channels. Output channels are
// spread over a worker pool; each worker accumulates shifted input rows.
func (c *conv2d) forward(in []float32, h, w int) []float32 {
	plane := h * w
	out := make([]float32, c.out*plane)

	parallelFor(c.out, func(co int) {
		o := out[co*plane : (co+1)*plane]
		b := c.bias[co]
		for i := range o {
			o[i] = b
		}
		for ci := 0; ci < c.in; ci++ {
			src := in[ci*plane : (ci+1)*plane]
			for kh := 0; kh < 3; kh++ {
				dy := kh - 1
				y0, y1 := max(0, -dy), min(h, h-dy)
				for kw := 0; kw < 3; kw++ {
					dx := kw - 1
					wv := c.weight[((co*c.in+ci)*3+kh)*3+kw]
					if wv == 0 {
						continue
					}
					x0, x1 := max(0, -dx), min(w, w-dx)
					for y := y0; y < y1; y++ {
						orow := o[y*w : (y+1)*w]
						irow := src[(y+dy)*w : (y+dy+1)*w]
						for x := x0; x < x1; x++ {
							orow[x] += wv * irow[x+dx]
						}
					}
				}
			}
		}
	})
	return out
}

func parallelFor(n int, fn func(i int)) {
	numWorkers := min(runtime.GOMAXPROCS(0), n)
	jobs := make(chan int, n)
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				fn(i)
			}
		}()
	}
	wg.Wait()
}

func reluInPlace(x []float32) []float32 {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
	return x
}

func tanhInPlace(x []float32) []float32 {
	for i, v := range x {
		x[i] = tanh(v)
	}
	return x
}

func tanh(v float32) float32 {
	switch {
	case v > 10:
		return 1
	case v < -10:
		return -1
	}
	e := math32.Exp(2 * v)
	return (e - 1) / (e + 1)
}

// concat stacks CHW buffers along the channel axis.
func concat(parts ...[]float32) []float32 {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]float32, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
