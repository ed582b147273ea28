package engine

import "fmt"

// ONNXOptions selects the model and runtime used by NewONNXEngine
type ONNXOptions struct {
	// ModelPath is the .onnx file to load
	ModelPath string

	// LibraryPath points at the onnxruntime shared library; empty uses the default search
	LibraryPath string

	// InputName and OutputName select tensors by name; empty picks the first one
	InputName  string
	OutputName string

	// IntraOpThreads limits the threads ONNX Runtime uses per call; 0 keeps its default
	IntraOpThreads int
}

// ModelError reports a failure of a model operation
type ModelError struct {
	Op    string
	Model string
	Err   error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %s: %s: %v", e.Model, e.Op, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}
