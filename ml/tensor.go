package ml

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// ErrShapeMismatch is returned when a tensor does not have the shape a model declares.
var ErrShapeMismatch = errors.New("shape mismatch")

// Shape is the dimensions of a tensor, outermost first. Image tensors are
// (batch, height, width, channels).
type Shape []int

func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 0
	}

	return mul(s...)
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}

	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}

	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}

	return "(" + strings.Join(parts, ", ") + ")"
}

// ParseShape parses a comma separated list of dimensions such as "1,256,256,3".
func ParseShape(s string) (Shape, error) {
	s = strings.Trim(strings.TrimSpace(s), "()[]")
	if s == "" {
		return nil, errors.New("empty shape")
	}

	var shape Shape
	for _, part := range strings.Split(s, ",") {
		d, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid dimension %q: %w", part, err)
		}

		if d <= 0 {
			return nil, fmt.Errorf("invalid dimension %d", d)
		}

		shape = append(shape, d)
	}

	return shape, nil
}

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape Shape
	Data  []float32
}

func NewTensor(shape Shape, data []float32) (*Tensor, error) {
	if n := shape.NumElements(); n != len(data) {
		return nil, fmt.Errorf("tensor of shape %s needs %d values, got %d", shape, n, len(data))
	}

	return &Tensor{Shape: shape, Data: data}, nil
}

func Zeros(shape ...int) *Tensor {
	return &Tensor{Shape: shape, Data: make([]float32, Shape(shape).NumElements())}
}

func (t *Tensor) Dim(n int) int {
	return t.Shape[n]
}

// ShapeError reports a tensor whose shape differs from the one expected.
type ShapeError struct {
	Name     string
	Expected Shape
	Actual   Shape
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: tensor %q expected shape %s, got %s", ErrShapeMismatch, e.Name, e.Expected, e.Actual)
}

func (e *ShapeError) Unwrap() error {
	return ErrShapeMismatch
}

// CheckShape returns a *ShapeError when t is nil or its shape differs from want.
func CheckShape(name string, t *Tensor, want Shape) error {
	if t == nil {
		return &ShapeError{Name: name, Expected: want}
	}

	if !t.Shape.Equal(want) || len(t.Data) != want.NumElements() {
		return &ShapeError{Name: name, Expected: want, Actual: t.Shape}
	}

	return nil
}

// Stats returns the minimum, maximum and mean of the tensor values.
func Stats(t *Tensor) (lo, hi, mean float64) {
	if t == nil || len(t.Data) == 0 {
		return 0, 0, 0
	}

	f64s := make([]float64, len(t.Data))
	for i, v := range t.Data {
		f64s[i] = float64(v)
	}

	return floats.Min(f64s), floats.Max(f64s), floats.Sum(f64s) / float64(len(f64s))
}
