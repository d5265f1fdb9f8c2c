package tflite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/stylize/ml"
)

func TestRegistered(t *testing.T) {
	assert.Equal(t, "tflite", ml.BackendName(Extension))
}

func TestLoadGarbage(t *testing.T) {
	if !Available() {
		_, err := ml.Load(Extension, []byte("not a flatbuffer"), ml.Options{})
		require.ErrorIs(t, err, ErrUnsupported)
		return
	}

	_, err := ml.Load(Extension, []byte("not a flatbuffer"), ml.Options{})
	require.Error(t, err)
}
