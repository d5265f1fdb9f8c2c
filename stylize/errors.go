package stylize

import (
	"errors"

	"github.com/ollama/stylize/ml"
	"github.com/ollama/stylize/model/imageproc"
)

var (
	// ErrModelUnavailable is returned by every inference call on an engine
	// whose models failed to load.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrNoStyleSelected is returned by Transfer before SetStyleImage.
	ErrNoStyleSelected = errors.New("no style selected")

	ErrInvalidImage  = imageproc.ErrInvalidImage
	ErrShapeMismatch = ml.ErrShapeMismatch
)
