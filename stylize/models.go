package stylize

import (
	"errors"
	"fmt"

	"github.com/ollama/stylize/ml"
)

const (
	StyleSize      = 256
	ContentSize    = 384
	DescriptorSize = 100
)

var (
	StyleShape      = ml.Shape{1, StyleSize, StyleSize, 3}
	ContentShape    = ml.Shape{1, ContentSize, ContentSize, 3}
	DescriptorShape = ml.Shape{1, 1, 1, DescriptorSize}
)

// StyleEncoder maps a style image tensor to a style descriptor.
type StyleEncoder struct {
	model ml.Model
}

func NewStyleEncoder(m ml.Model) *StyleEncoder {
	return &StyleEncoder{model: m}
}

// Encode runs one forward pass of the style prediction network. style must
// have StyleShape; the result has DescriptorShape.
func (e *StyleEncoder) Encode(style *ml.Tensor) (*ml.Tensor, error) {
	if e == nil || e.model == nil {
		return nil, fmt.Errorf("%w: style encoder not loaded", ErrModelUnavailable)
	}

	if err := ml.CheckShape("style", style, StyleShape); err != nil {
		return nil, err
	}

	outputs, err := e.model.Run(style)
	if err != nil {
		return nil, wrapRun("style encoder", err)
	}

	return first("descriptor", outputs, DescriptorShape)
}

// TransferExecutor combines a content tensor with a style descriptor.
type TransferExecutor struct {
	model ml.Model
}

func NewTransferExecutor(m ml.Model) *TransferExecutor {
	return &TransferExecutor{model: m}
}

// Execute runs one forward pass of the style transfer network. The network
// may produce several outputs; only the first is returned.
func (x *TransferExecutor) Execute(content, descriptor *ml.Tensor) (*ml.Tensor, error) {
	if x == nil || x.model == nil {
		return nil, fmt.Errorf("%w: transfer executor not loaded", ErrModelUnavailable)
	}

	if err := ml.CheckShape("content", content, ContentShape); err != nil {
		return nil, err
	}

	if err := ml.CheckShape("descriptor", descriptor, DescriptorShape); err != nil {
		return nil, err
	}

	outputs, err := x.model.Run(content, descriptor)
	if err != nil {
		return nil, wrapRun("transfer executor", err)
	}

	return first("stylized", outputs, ContentShape)
}

func first(name string, outputs []*ml.Tensor, want ml.Shape) (*ml.Tensor, error) {
	if len(outputs) == 0 {
		return nil, &ml.ShapeError{Name: name, Expected: want}
	}

	if err := ml.CheckShape(name, outputs[0], want); err != nil {
		return nil, err
	}

	return outputs[0], nil
}

func wrapRun(stage string, err error) error {
	if errors.Is(err, ErrShapeMismatch) {
		return err
	}

	return fmt.Errorf("%s: %w", stage, err)
}
