package enhance

const (
	Channels = 3
	// MinRowsPerWorker keeps tiny images on a single goroutine.
	MinRowsPerWorker = 16
	DefaultFormat    = ".png"
)
