//go:build cgo

package engine

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// initializeRuntime loads the ONNX Runtime shared library once per process
func initializeRuntime(libraryPath string) error {
	ortInitOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			ortInitErr = fmt.Errorf("initializing ONNX Runtime: %w", err)
		}
	})
	return ortInitErr
}

// ONNXEngine runs an ONNX model through ONNX Runtime
type ONNXEngine struct {
	modelPath  string
	inputName  string
	outputName string
	inShape    Shape
	outShape   Shape

	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
}

// NewONNXEngine loads the model and reads the declared shapes of its input and
// output. Empty tensor names select the first input and output of the model.
func NewONNXEngine(opts ONNXOptions) (*ONNXEngine, error) {
	if opts.ModelPath == "" {
		return nil, &ModelError{Op: "load", Model: opts.ModelPath, Err: fmt.Errorf("no model path given")}
	}
	if err := initializeRuntime(opts.LibraryPath); err != nil {
		return nil, &ModelError{Op: "init", Model: opts.ModelPath, Err: err}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, &ModelError{Op: "metadata", Model: opts.ModelPath, Err: err}
	}
	in, err := pickTensor(inputs, opts.InputName)
	if err != nil {
		return nil, &ModelError{Op: "metadata", Model: opts.ModelPath, Err: fmt.Errorf("input: %w", err)}
	}
	out, err := pickTensor(outputs, opts.OutputName)
	if err != nil {
		return nil, &ModelError{Op: "metadata", Model: opts.ModelPath, Err: fmt.Errorf("output: %w", err)}
	}

	var options *ort.SessionOptions
	if opts.IntraOpThreads > 0 {
		options, err = ort.NewSessionOptions()
		if err != nil {
			return nil, &ModelError{Op: "session", Model: opts.ModelPath, Err: err}
		}
		defer options.Destroy()
		if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, &ModelError{Op: "session", Model: opts.ModelPath, Err: err}
		}
	}

	session, err := ort.NewDynamicAdvancedSession(opts.ModelPath,
		[]string{in.Name}, []string{out.Name}, options)
	if err != nil {
		return nil, &ModelError{Op: "session", Model: opts.ModelPath, Err: err}
	}

	return &ONNXEngine{
		modelPath:  opts.ModelPath,
		inputName:  in.Name,
		outputName: out.Name,
		inShape:    Shape(in.Dimensions),
		outShape:   Shape(out.Dimensions),
		session:    session,
	}, nil
}

func pickTensor(infos []ort.InputOutputInfo, name string) (ort.InputOutputInfo, error) {
	if len(infos) == 0 {
		return ort.InputOutputInfo{}, fmt.Errorf("model declares no tensors")
	}
	if name == "" {
		return infos[0], nil
	}
	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}
	return ort.InputOutputInfo{}, fmt.Errorf("no tensor named %q", name)
}

func (e *ONNXEngine) InputShape() Shape  { return e.inShape }
func (e *ONNXEngine) OutputShape() Shape { return e.outShape }

// Infer runs one session call. Calls are serialized on the engine.
func (e *ONNXEngine) Infer(ctx context.Context, in *Tensor) (*Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, ErrClosed
	}

	dims := make([]int64, len(in.Shape))
	for i, s := range in.Shape {
		dims[i] = int64(s)
	}
	input, err := ort.NewTensor(ort.NewShape(dims...), in.Data)
	if err != nil {
		return nil, &ModelError{Op: "input", Model: e.modelPath, Err: err}
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, &ModelError{Op: "run", Model: e.modelPath, Err: err}
	}
	defer outputs[0].Destroy()

	result, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, &ModelError{Op: "output", Model: e.modelPath,
			Err: fmt.Errorf("output %s is %T, want float32 tensor", e.outputName, outputs[0])}
	}
	shape := result.GetShape()
	out := &Tensor{Shape: make([]int, len(shape))}
	for i, s := range shape {
		out.Shape[i] = int(s)
	}
	out.Data = append([]float32(nil), result.GetData()...)
	return out, nil
}

// Close releases the session
func (e *ONNXEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	return err
}
