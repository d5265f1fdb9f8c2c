// Package tflite runs TensorFlow Lite flatbuffer models. The runtime is only
// compiled in with the tflite build tag; otherwise loading reports that
// support is missing.
package tflite

import (
	"github.com/ollama/stylize/ml"
)

const Extension = ".tflite"

func init() {
	ml.RegisterBackend("tflite", Extension, func(data []byte, opts ml.Options) (ml.Model, error) {
		return load(data, opts)
	})
}
