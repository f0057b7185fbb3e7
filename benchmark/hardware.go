package benchmark

import (
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"
)

// Hardware describes the host a benchmark ran on.
type Hardware struct {
	OS       string
	Arch     string
	CPUs     int
	Features []string
}

func (h Hardware) String() string {
	features := "none"
	if len(h.Features) > 0 {
		features = strings.Join(h.Features, ",")
	}
	return fmt.Sprintf("%s/%s, %d CPUs, SIMD: %s", h.OS, h.Arch, h.CPUs, features)
}

// DetectHardware reports the SIMD extensions the CPU exposes.
func DetectHardware() Hardware {
	h := Hardware{OS: runtime.GOOS, Arch: runtime.GOARCH, CPUs: runtime.NumCPU()}
	add := func(ok bool, name string) {
		if ok {
			h.Features = append(h.Features, name)
		}
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		add(cpu.X86.HasSSE41, "sse4.1")
		add(cpu.X86.HasAVX, "avx")
		add(cpu.X86.HasAVX2, "avx2")
		add(cpu.X86.HasFMA, "fma")
		add(cpu.X86.HasAVX512F, "avx512f")
	case "arm64":
		add(cpu.ARM64.HasASIMD, "neon")
		add(cpu.ARM64.HasFPHP, "fp16")
		add(cpu.ARM64.HasSVE, "sve")
	}
	return h
}
