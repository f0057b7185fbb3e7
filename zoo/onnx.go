package zoo

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"
	"log"
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/x448/float16"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/Tutortoise/llie-pipeline/models"
)

// onnxMeta is the optional sidecar "<weights>.json" describing an exported
// graph.
type onnxMeta struct {
	Input   string            `json:"input"`
	Primary string            `json:"primary"`
	Roles   map[string]string `json:"roles"`
	Divisor int               `json:"divisor"`
	// Inputs maps auxiliary graph inputs to roles, e.g. {"hist": "histogram"}.
	Inputs map[string]string `json:"inputs"`
}

// auxBinding ties a graph input to an auxiliary role.
type auxBinding struct {
	info ort.InputOutputInfo
	role string
	half bool
}

// ONNX runs an exported graph through ONNX Runtime.
type ONNX struct {
	mu      sync.Mutex
	path    string
	dev     models.Device
	session *ort.DynamicAdvancedSession
	input   ort.InputOutputInfo
	aux     []auxBinding
	outputs []ort.InputOutputInfo
	roles   []string
	spec    Spec
	halfIn  bool
	closed  bool
}

// IOInfo describes one graph input or output.
type IOInfo struct {
	Name     string
	DataType string
	Dims     []int64
}

// Describe lists the inputs and outputs of an ONNX graph.
func Describe(path string) (inputs, outputs []IOInfo, err error) {
	if err := InitRuntime(); err != nil {
		return nil, nil, err
	}
	ins, outs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, nil, models.WeightsError(path, err, "read graph io")
	}
	conv := func(list []ort.InputOutputInfo) []IOInfo {
		out := make([]IOInfo, len(list))
		for i, info := range list {
			out[i] = IOInfo{Name: info.Name, DataType: fmt.Sprintf("%v", info.DataType), Dims: []int64(info.Dimensions)}
		}
		return out
	}
	return conv(ins), conv(outs), nil
}

func readSidecar(weights string) (*onnxMeta, error) {
	data, err := os.ReadFile(weights + ".json")
	if os.IsNotExist(err) {
		return &onnxMeta{}, nil
	}
	if err != nil {
		return nil, models.ConfigError(err, "read sidecar for %s", weights)
	}
	var meta onnxMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, models.WeightsError(weights+".json", err, "parse sidecar")
	}
	return &meta, nil
}

// OpenONNX loads an exported graph. The first input (or the one named in the
// sidecar) must be a float tensor of shape [N,3,H,W]. Any other input must be
// mapped to an auxiliary role by the sidecar.
func OpenONNX(weights string, dev models.Device) (Model, error) {
	if weights == "" {
		return nil, models.ConfigError(nil, "%s needs a weights file", VariantONNX)
	}
	if _, err := os.Stat(weights); err != nil {
		return nil, models.ConfigError(err, "weights %s", weights)
	}
	meta, err := readSidecar(weights)
	if err != nil {
		return nil, err
	}
	if err := InitRuntime(); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(weights)
	if err != nil {
		return nil, models.WeightsError(weights, err, "read graph io")
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, models.WeightsError(weights, nil, "graph has %d inputs and %d outputs", len(inputs), len(outputs))
	}

	in, aux, err := bindInputs(weights, inputs, meta)
	if err != nil {
		return nil, err
	}
	roles, err := assignRoles(weights, outputs, meta)
	if err != nil {
		return nil, err
	}

	m := &ONNX{
		path:    weights,
		dev:     dev,
		input:   in,
		aux:     aux,
		outputs: outputs,
		roles:   roles,
		halfIn:  in.DataType == ort.TensorElementDataTypeFloat16,
	}
	m.spec = Spec{
		Name:    VariantONNX,
		Divisor: max(meta.Divisor, 1),
		Outputs: roles,
		Device:  dev,
	}
	if h, w := in.Dimensions[2], in.Dimensions[3]; h > 0 && w > 0 {
		m.spec.Input = image.Pt(int(w), int(h))
	}

	if err := m.openSession(); err != nil {
		return nil, err
	}
	return m, nil
}

func pickInput(path string, inputs []ort.InputOutputInfo, name string) (ort.InputOutputInfo, error) {
	in := inputs[0]
	if name != "" {
		found := false
		for _, info := range inputs {
			if info.Name == name {
				in, found = info, true
				break
			}
		}
		if !found {
			return in, models.WeightsError(path, nil, "graph has no input %q", name)
		}
	}
	if in.DataType != ort.TensorElementDataTypeFloat && in.DataType != ort.TensorElementDataTypeFloat16 {
		return in, models.WeightsError(path, nil, "input %q has type %v, want float", in.Name, in.DataType)
	}
	if len(in.Dimensions) != 4 {
		return in, models.WeightsError(path, nil, "input %q has shape %v, want [N,3,H,W]", in.Name, in.Dimensions)
	}
	if c := in.Dimensions[1]; c != 3 && c > 0 {
		return in, models.WeightsError(path, nil, "input %q has %d channels, want 3", in.Name, c)
	}
	return in, nil
}

// bindInputs picks the image input and binds every remaining graph input to
// the auxiliary role the sidecar gives it.
func bindInputs(path string, inputs []ort.InputOutputInfo, meta *onnxMeta) (ort.InputOutputInfo, []auxBinding, error) {
	in, err := pickInput(path, inputs, meta.Input)
	if err != nil {
		return in, nil, err
	}
	known := make(map[string]bool, len(inputs))
	for _, info := range inputs {
		known[info.Name] = true
	}
	for name := range meta.Inputs {
		if !known[name] {
			return in, nil, models.WeightsError(path, nil, "sidecar maps unknown input %q", name)
		}
	}

	var aux []auxBinding
	seen := make(map[string]bool)
	for _, info := range inputs {
		if info.Name == in.Name {
			continue
		}
		role, ok := meta.Inputs[info.Name]
		if !ok {
			return in, nil, models.WeightsError(path, nil, "graph input %q has no role in the sidecar", info.Name)
		}
		want, ok := auxShapes[role]
		if !ok {
			return in, nil, models.WeightsError(path, nil, "input %q has unsupported role %q", info.Name, role)
		}
		if seen[role] {
			return in, nil, models.WeightsError(path, nil, "input role %q assigned twice", role)
		}
		seen[role] = true
		if info.DataType != ort.TensorElementDataTypeFloat && info.DataType != ort.TensorElementDataTypeFloat16 {
			return in, nil, models.WeightsError(path, nil, "input %q has type %v, want float", info.Name, info.DataType)
		}
		if !shapeFits(info.Dimensions, want) {
			return in, nil, models.WeightsError(path, nil, "input %q has shape %v, %s needs %v", info.Name, info.Dimensions, role, want)
		}
		aux = append(aux, auxBinding{
			info: info,
			role: role,
			half: info.DataType == ort.TensorElementDataTypeFloat16,
		})
	}
	return in, aux, nil
}

// shapeFits accepts dynamic (non-positive) graph dimensions.
func shapeFits(dims ort.Shape, want []int64) bool {
	if len(dims) != len(want) {
		return false
	}
	for i, d := range dims {
		if d > 0 && d != want[i] {
			return false
		}
	}
	return true
}

// assignRoles names every output. Without a sidecar a single output is the
// primary one; with several outputs the last is primary and the others keep
// their graph names.
func assignRoles(path string, outputs []ort.InputOutputInfo, meta *onnxMeta) ([]string, error) {
	primary := meta.Primary
	if primary == "" {
		primary = outputs[len(outputs)-1].Name
	}
	roles := make([]string, len(outputs))
	found := false
	seen := make(map[string]bool, len(outputs))
	for i, out := range outputs {
		role := out.Name
		if r, ok := meta.Roles[out.Name]; ok && r != "" {
			role = r
		}
		if out.Name == primary {
			role, found = models.RolePrimary, true
		}
		if seen[role] {
			return nil, models.WeightsError(path, nil, "output role %q assigned twice", role)
		}
		seen[role] = true
		roles[i] = role
	}
	if !found {
		return nil, models.WeightsError(path, nil, "graph has no output %q", primary)
	}
	return roles, nil
}

func (m *ONNX) openSession() error {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return models.ConfigError(err, "create session options")
	}
	defer opts.Destroy()

	if err := opts.SetIntraOpNumThreads(runtime.NumCPU()); err != nil {
		return models.ConfigError(err, "set intra-op threads")
	}
	if m.dev.Kind == models.DeviceCUDA {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return models.ConfigError(err, "cuda provider for device %s", m.dev)
		}
		defer cudaOpts.Destroy()
		if err := cudaOpts.Update(map[string]string{"device_id": strconv.Itoa(m.dev.Index)}); err != nil {
			return models.ConfigError(err, "configure device %s", m.dev)
		}
		if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return models.ConfigError(err, "enable device %s", m.dev)
		}
	}

	names := make([]string, len(m.outputs))
	for i, out := range m.outputs {
		names[i] = out.Name
	}
	inputs := []string{m.input.Name}
	for _, a := range m.aux {
		inputs = append(inputs, a.info.Name)
	}
	session, err := ort.NewDynamicAdvancedSession(m.path, inputs, names, opts)
	if err != nil {
		return models.WeightsError(m.path, err, "create session")
	}
	m.session = session
	return nil
}

func (m *ONNX) Spec() Spec { return m.spec }

// AuxInputs lists the auxiliary roles bound by the sidecar.
func (m *ONNX) AuxInputs() []AuxInput {
	out := make([]AuxInput, len(m.aux))
	for i, a := range m.aux {
		out[i] = AuxInput{Role: a.role, Shape: auxShapes[a.role]}
	}
	return out
}

func (m *ONNX) Infer(ctx context.Context, in *models.Tensor) (models.Outputs, error) {
	return m.InferWith(ctx, in, nil)
}

// InferWith runs the graph with the image and every bound auxiliary input.
func (m *ONNX) InferWith(ctx context.Context, in *models.Tensor, aux models.Inputs) (models.Outputs, error) {
	c, h, w, err := in.Dims()
	if err != nil {
		return nil, models.ShapeError(m.path, "%v", err)
	}
	if c != 3 {
		return nil, models.ShapeError(m.path, "expects 3 channels, got %d", c)
	}
	if fixed := m.spec.Input; fixed != (image.Point{}) && (fixed.X != w || fixed.Y != h) {
		return nil, models.ShapeError(m.path, "input is %dx%d, graph needs %dx%d", w, h, fixed.X, fixed.Y)
	}
	for _, a := range m.aux {
		t := aux[a.role]
		if t == nil {
			return nil, models.ShapeError(m.path, "missing %s input", a.role)
		}
		if t.Numel() != numel(auxShapes[a.role]) || int64(len(t.Data)) != t.Numel() {
			return nil, models.ShapeError(m.path, "%s input has shape %v, want %v", a.role, t.Shape, auxShapes[a.role])
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("onnx model is closed")
	}

	values := make([]ort.Value, 0, 1+len(m.aux))
	defer func() {
		for _, v := range values {
			v.Destroy()
		}
	}()
	input, err := newInputValue(ort.NewShape(1, 3, int64(h), int64(w)), in.Data, m.halfIn)
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}
	values = append(values, input)
	for _, a := range m.aux {
		v, err := newInputValue(ort.NewShape(auxShapes[a.role]...), aux[a.role].Data, a.half)
		if err != nil {
			return nil, errors.Wrapf(err, "create %s tensor", a.role)
		}
		values = append(values, v)
	}

	outs := make([]ort.Value, len(m.outputs))
	if err := m.session.Run(values, outs); err != nil {
		return nil, errors.Wrapf(err, "run %s", m.path)
	}
	defer func() {
		for _, o := range outs {
			if o != nil {
				if err := o.Destroy(); err != nil {
					log.Printf("Error destroying output tensor: %v", err)
				}
			}
		}
	}()

	result := make(models.Outputs, len(outs))
	for i, o := range outs {
		t, err := extractFloat32(o)
		if err != nil {
			return nil, errors.WithMessagef(err, "output %q", m.outputs[i].Name)
		}
		result[m.roles[i]] = t
	}
	return result, nil
}

func newInputValue(shape ort.Shape, data []float32, half bool) (ort.Value, error) {
	if half {
		return ort.NewCustomDataTensor(shape, toHalfBytes(data), ort.TensorElementDataTypeFloat16)
	}
	return ort.NewTensor(shape, data)
}

func numel(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// extractFloat32 copies an output value into a tensor owned by the caller.
func extractFloat32(v ort.Value) (*models.Tensor, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		src := t.GetData()
		return &models.Tensor{Data: append([]float32(nil), src...), Shape: append([]int64(nil), t.GetShape()...)}, nil
	case *ort.CustomDataTensor:
		raw := t.GetData()
		data := make([]float32, len(raw)/2)
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return &models.Tensor{Data: data, Shape: append([]int64(nil), t.GetShape()...)}, nil
	}
	return nil, fmt.Errorf("unsupported output tensor type %T", v)
}

func toHalfBytes(data []float32) []byte {
	out := make([]byte, 2*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
	}
	return out
}

// Clone opens a second session on the same graph and device.
func (m *ONNX) Clone() (Model, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := &ONNX{
		path:    m.path,
		dev:     m.dev,
		input:   m.input,
		aux:     m.aux,
		outputs: m.outputs,
		roles:   m.roles,
		spec:    m.spec,
		halfIn:  m.halfIn,
	}
	if err := cp.openSession(); err != nil {
		return nil, err
	}
	return cp, nil
}

func (m *ONNX) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.session != nil {
		return m.session.Destroy()
	}
	return nil
}
