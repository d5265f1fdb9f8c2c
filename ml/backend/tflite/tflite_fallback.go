//go:build !tflite || !cgo
// +build !tflite !cgo

package tflite

import (
	"errors"

	"github.com/ollama/stylize/ml"
)

// ErrUnsupported is returned when the binary was built without TF Lite.
var ErrUnsupported = errors.New("tflite: built without tflite support (build with -tags tflite,cgo)")

// Available reports whether the TF Lite runtime is compiled in.
func Available() bool { return false }

func load([]byte, ml.Options) (ml.Model, error) {
	return nil, ErrUnsupported
}
