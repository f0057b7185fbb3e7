package zoo

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/x448/float16"

	"github.com/Tutortoise/llie-pipeline/models"
)

// TensorInfo describes a tensor in a safetensors header.
type TensorInfo struct {
	Dtype       string  `json:"dtype"`
	Shape       []int64 `json:"shape"`
	DataOffsets [2]int  `json:"data_offsets"`
}

// Checkpoint is a parsed safetensors file.
type Checkpoint struct {
	Path string
	Meta map[string]TensorInfo
	Data []byte
}

// OpenCheckpoint reads and parses a safetensors file. Malformed files are
// reported as weights load errors.
func OpenCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, models.ConfigError(err, "cannot read weights %s", path)
	}
	if len(data) < 8 {
		return nil, models.WeightsError(path, nil, "file too small: %d bytes", len(data))
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, models.WeightsError(path, nil, "header length %d exceeds file size %d", headerLen, len(data))
	}
	headerJSON := data[8 : 8+headerLen]
	payload := data[8+headerLen:]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerJSON, &raw); err != nil {
		return nil, models.WeightsError(path, err, "parse header")
	}

	meta := make(map[string]TensorInfo, len(raw))
	for k, v := range raw {
		if k == "__metadata__" {
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(v, &info); err != nil {
			return nil, models.WeightsError(path, err, "parse tensor %s", k)
		}
		if info.DataOffsets[0] < 0 || info.DataOffsets[1] < info.DataOffsets[0] || info.DataOffsets[1] > len(payload) {
			return nil, models.WeightsError(path, nil, "tensor %s offsets %v outside payload of %d bytes",
				k, info.DataOffsets, len(payload))
		}
		meta[k] = info
	}
	return &Checkpoint{Path: path, Meta: meta, Data: payload}, nil
}

// Float32 decodes a tensor to float32, converting from F16, BF16 or F64.
func (c *Checkpoint) Float32(name string) ([]float32, []int64, error) {
	info, ok := c.Meta[name]
	if !ok {
		return nil, nil, fmt.Errorf("tensor %q not found", name)
	}
	raw := c.Data[info.DataOffsets[0]:info.DataOffsets[1]]

	n := 1
	for _, s := range info.Shape {
		n *= int(s)
	}
	width := map[string]int{"F32": 4, "F16": 2, "BF16": 2, "F64": 8}[info.Dtype]
	if width == 0 {
		return nil, nil, fmt.Errorf("unsupported dtype %q for tensor %q", info.Dtype, name)
	}
	if len(raw) != n*width {
		return nil, nil, fmt.Errorf("tensor %q holds %d bytes, shape %v needs %d", name, len(raw), info.Shape, n*width)
	}

	out := make([]float32, n)
	switch info.Dtype {
	case "F32":
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "F16":
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case "BF16":
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	case "F64":
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	}
	return out, info.Shape, nil
}

// LoadStrict decodes exactly the expected tensors. Missing, unexpected or
// mis-shaped entries mean the checkpoint belongs to a different architecture.
func (c *Checkpoint) LoadStrict(expected map[string][]int64) (map[string][]float32, error) {
	var problems []string
	for name := range c.Meta {
		if _, ok := expected[name]; !ok {
			problems = append(problems, fmt.Sprintf("unexpected %s", name))
		}
	}

	out := make(map[string][]float32, len(expected))
	for name, want := range expected {
		info, ok := c.Meta[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("missing %s", name))
			continue
		}
		if !sameShape(info.Shape, want) {
			problems = append(problems, fmt.Sprintf("%s has shape %v, want %v", name, info.Shape, want))
			continue
		}
		data, _, err := c.Float32(name)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		out[name] = data
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, models.WeightsError(c.Path, nil, "checkpoint does not match architecture: %s",
			strings.Join(problems, "; "))
	}
	return out, nil
}

func sameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
