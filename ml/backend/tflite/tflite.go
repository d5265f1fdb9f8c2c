//go:build tflite && cgo
// +build tflite,cgo

package tflite

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattn/go-tflite"

	"github.com/ollama/stylize/ml"
)

var ErrUnsupported = errors.New("tflite: unsupported model")

func Available() bool { return true }

type Model struct {
	mu sync.Mutex

	model       *tflite.Model
	options     *tflite.InterpreterOptions
	interpreter *tflite.Interpreter

	inputs  []ml.TensorInfo
	outputs []ml.TensorInfo
}

func load(data []byte, opts ml.Options) (ml.Model, error) {
	model := tflite.NewModel(data)
	if model == nil {
		return nil, errors.New("tflite: cannot parse model")
	}

	options := tflite.NewInterpreterOptions()
	options.SetNumThread(opts.Threads())
	options.SetErrorReporter(func(msg string, _ interface{}) {
		slog.Warn("tflite", "msg", msg)
	}, nil)

	m := Model{model: model, options: options}

	m.interpreter = tflite.NewInterpreter(model, options)
	if m.interpreter == nil {
		m.Close()
		return nil, errors.New("tflite: cannot create interpreter")
	}

	if status := m.interpreter.AllocateTensors(); status != tflite.OK {
		m.Close()
		return nil, fmt.Errorf("tflite: allocate tensors: %v", status)
	}

	for i := range m.interpreter.GetInputTensorCount() {
		info, err := tensorInfo(m.interpreter.GetInputTensor(i))
		if err != nil {
			m.Close()
			return nil, err
		}
		m.inputs = append(m.inputs, info)
	}

	for i := range m.interpreter.GetOutputTensorCount() {
		info, err := tensorInfo(m.interpreter.GetOutputTensor(i))
		if err != nil {
			m.Close()
			return nil, err
		}
		m.outputs = append(m.outputs, info)
	}

	slog.Debug("tflite model loaded", "inputs", m.inputs, "outputs", m.outputs, "threads", opts.Threads())
	return &m, nil
}

func tensorInfo(t *tflite.Tensor) (ml.TensorInfo, error) {
	if t.Type() != tflite.Float32 {
		return ml.TensorInfo{}, fmt.Errorf("%w: tensor %q has type %v, want float32", ErrUnsupported, t.Name(), t.Type())
	}

	shape := make(ml.Shape, t.NumDims())
	for i := range shape {
		shape[i] = t.Dim(i)
	}

	return ml.TensorInfo{Name: t.Name(), Shape: shape}, nil
}

func (m *Model) Inputs() []ml.TensorInfo { return m.inputs }

func (m *Model) Outputs() []ml.TensorInfo { return m.outputs }

func (m *Model) Run(inputs ...*ml.Tensor) ([]*ml.Tensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.interpreter == nil {
		return nil, errors.New("tflite: model closed")
	}

	if err := ml.CheckInputs(m.inputs, inputs); err != nil {
		return nil, err
	}

	for i, t := range inputs {
		if status := m.interpreter.GetInputTensor(i).CopyFromBuffer(t.Data); status != tflite.OK {
			return nil, fmt.Errorf("tflite: copy input %d: %v", i, status)
		}
	}

	if status := m.interpreter.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("tflite: invoke: %v", status)
	}

	outputs := make([]*ml.Tensor, len(m.outputs))
	for i, info := range m.outputs {
		t := ml.Zeros(info.Shape...)
		if status := m.interpreter.GetOutputTensor(i).CopyToBuffer(t.Data); status != tflite.OK {
			return nil, fmt.Errorf("tflite: copy output %d: %v", i, status)
		}
		outputs[i] = t
	}

	return outputs, nil
}

func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.interpreter != nil {
		m.interpreter.Delete()
		m.interpreter = nil
	}

	if m.options != nil {
		m.options.Delete()
		m.options = nil
	}

	if m.model != nil {
		m.model.Delete()
		m.model = nil
	}

	return nil
}
