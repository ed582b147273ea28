//go:build !cgo

package engine

import (
	"context"
	"fmt"
)

// ONNXEngine is unavailable without cgo
type ONNXEngine struct{}

// NewONNXEngine always fails: ONNX Runtime is loaded through cgo
func NewONNXEngine(opts ONNXOptions) (*ONNXEngine, error) {
	return nil, &ModelError{Op: "init", Model: opts.ModelPath, Err: fmt.Errorf("ONNX Runtime support needs a cgo build")}
}

func (e *ONNXEngine) InputShape() Shape  { return nil }
func (e *ONNXEngine) OutputShape() Shape { return nil }

func (e *ONNXEngine) Infer(ctx context.Context, in *Tensor) (*Tensor, error) {
	return nil, ErrClosed
}

func (e *ONNXEngine) Close() error { return nil }
