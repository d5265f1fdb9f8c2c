package backend

import (
	_ "github.com/ollama/stylize/ml/backend/native"
	_ "github.com/ollama/stylize/ml/backend/tflite"
)
