// Package engine defines the boundary to the neural network inference engine.
//
// The pipeline treats the engine as a black box: it declares the shape of the
// tensor it consumes and the tensor it produces, and turns one into the other.
// Tensors are dense float32 arrays in row-major order whose slots follow the
// N, Z, Y, X, C convention for rank 5 networks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Dynamic marks a tensor slot whose size the engine accepts at run time
const Dynamic = -1

// Shape lists the size of every tensor slot; Dynamic slots accept any size
type Shape []int64

// Rank returns the number of slots
func (s Shape) Rank() int { return len(s) }

// Fixed reports whether the slot has a declared size
func (s Shape) Fixed(slot int) bool {
	return slot >= 0 && slot < len(s) && s[slot] > 0
}

// Accepts reports whether a concrete tensor shape satisfies the declaration
func (s Shape) Accepts(sizes []int) bool {
	if len(sizes) != len(s) {
		return false
	}
	for i, v := range s {
		if v > 0 && int64(sizes[i]) != v {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, v := range s {
		if v > 0 {
			parts[i] = fmt.Sprint(v)
		} else {
			parts[i] = "?"
		}
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Tensor is a dense row-major float32 array
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor allocates a zero-filled tensor
func NewTensor(shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, n)}
}

// Len returns the number of elements the shape describes
func (t *Tensor) Len() int {
	n := 1
	for _, s := range t.Shape {
		n *= s
	}
	return n
}

// Bytes returns the memory held by the tensor data
func (t *Tensor) Bytes() uint64 {
	return uint64(len(t.Data)) * 4
}

// Engine runs a network on one tensor at a time
type Engine interface {
	// InputShape declares the tensor the engine consumes
	InputShape() Shape

	// OutputShape declares the tensor the engine produces
	OutputShape() Shape

	// Infer runs the network. Implementations need not be safe for concurrent use
	// unless they say so through SessionLimiter.
	Infer(ctx context.Context, in *Tensor) (*Tensor, error)
}

// SessionLimiter is implemented by engines that can serve several Infer calls at once
type SessionLimiter interface {
	MaxSessions() int
}

// MaxSessions returns how many concurrent Infer calls an engine supports
func MaxSessions(e Engine) int {
	if l, ok := e.(SessionLimiter); ok && l.MaxSessions() > 0 {
		return l.MaxSessions()
	}
	return 1
}

// ErrClosed is returned by engines used after Close
var ErrClosed = errors.New("engine closed")

// Identity returns its input unchanged. It is used for dry runs of the tiling
// pipeline and in tests.
type Identity struct {
	Shape    Shape
	Sessions int
}

// NewIdentity returns an identity engine declaring the same shape on both sides
func NewIdentity(shape Shape) *Identity {
	return &Identity{Shape: shape, Sessions: 1}
}

func (e *Identity) InputShape() Shape  { return e.Shape }
func (e *Identity) OutputShape() Shape { return e.Shape }
func (e *Identity) MaxSessions() int   { return e.Sessions }

func (e *Identity) Infer(ctx context.Context, in *Tensor) (*Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := &Tensor{Shape: append([]int(nil), in.Shape...), Data: make([]float32, len(in.Data))}
	copy(out.Data, in.Data)
	return out, nil
}

// Func adapts a function to the Engine interface
type Func struct {
	In, Out Shape
	Fn      func(ctx context.Context, in *Tensor) (*Tensor, error)
}

func (e *Func) InputShape() Shape  { return e.In }
func (e *Func) OutputShape() Shape { return e.Out }

func (e *Func) Infer(ctx context.Context, in *Tensor) (*Tensor, error) {
	return e.Fn(ctx, in)
}

// Pooled bounds the number of concurrent Infer calls on an engine
type Pooled struct {
	Engine
	semaphore chan struct{}
}

// NewPooled wraps an engine so that at most n Infer calls run at once
func NewPooled(e Engine, n int) *Pooled {
	if n < 1 {
		n = 1
	}
	return &Pooled{Engine: e, semaphore: make(chan struct{}, n)}
}

// MaxSessions reports the pool size
func (p *Pooled) MaxSessions() int { return cap(p.semaphore) }

// Infer waits for a free session or the context to end
func (p *Pooled) Infer(ctx context.Context, in *Tensor) (*Tensor, error) {
	select {
	case p.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for inference session: %w", ctx.Err())
	}
	defer func() { <-p.semaphore }()
	return p.Engine.Infer(ctx, in)
}
