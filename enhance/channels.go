package enhance

import (
	"image"
	"math"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

// channelProcessor converts between NRGBA pixels and planar CHW float32
// buffers, splitting rows across worker goroutines.
type channelProcessor struct {
	width, height int
	channelSize   int
	numWorkers    int
}

func newChannelProcessor(width, height int) *channelProcessor {
	workers := runtime.GOMAXPROCS(0)
	if byRows := height / MinRowsPerWorker; byRows < workers {
		workers = max(byRows, 1)
	}
	return &channelProcessor{
		width:       width,
		height:      height,
		channelSize: width * height,
		numWorkers:  workers,
	}
}

func (cp *channelProcessor) forRows(fn func(startY, endY int)) {
	rowsPerWorker := cp.height / cp.numWorkers
	var wg sync.WaitGroup
	wg.Add(cp.numWorkers)
	for w := 0; w < cp.numWorkers; w++ {
		startY := w * rowsPerWorker
		endY := startY + rowsPerWorker
		if w == cp.numWorkers-1 {
			endY = cp.height
		}
		go func(startY, endY int) {
			defer wg.Done()
			fn(startY, endY)
		}(startY, endY)
	}
	wg.Wait()
}

// toCHW writes the RGB channels of img into buffer scaled to [0,1].
func (cp *channelProcessor) toCHW(img image.Image, buffer []float32) {
	pic, ok := img.(*image.NRGBA)
	if !ok {
		pic = imaging.Clone(img)
	}
	minX, minY := pic.Rect.Min.X, pic.Rect.Min.Y
	cp.forRows(func(startY, endY int) {
		for y := startY; y < endY; y++ {
			row := pic.Pix[pic.PixOffset(minX, minY+y):]
			offset := y * cp.width
			for x := 0; x < cp.width; x++ {
				i := offset + x
				buffer[i] = float32(row[x*4]) / 255.0
				buffer[cp.channelSize+i] = float32(row[x*4+1]) / 255.0
				buffer[cp.channelSize*2+i] = float32(row[x*4+2]) / 255.0
			}
		}
	})
}

// fromCHW builds an opaque image from a [0,1] CHW buffer, clamping and rounding.
func (cp *channelProcessor) fromCHW(buffer []float32) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, cp.width, cp.height))
	cp.forRows(func(startY, endY int) {
		for y := startY; y < endY; y++ {
			row := dst.Pix[y*dst.Stride:]
			offset := y * cp.width
			for x := 0; x < cp.width; x++ {
				i := offset + x
				row[x*4] = toByte(buffer[i])
				row[x*4+1] = toByte(buffer[cp.channelSize+i])
				row[x*4+2] = toByte(buffer[cp.channelSize*2+i])
				row[x*4+3] = 0xff
			}
		}
	})
	return dst
}

func toByte(v float32) uint8 {
	switch {
	case v != v || v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(math.Round(float64(v) * 255))
}
