// Package native runs the style networks in pure Go. Models are stored as
// safetensors files whose metadata names the architecture and declares the
// model inputs and outputs.
package native

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pdevine/tensor"
	tnative "github.com/pdevine/tensor/native"
	"golang.org/x/sync/errgroup"

	"github.com/ollama/stylize/logutil"
	"github.com/ollama/stylize/ml"
)

const Extension = ".safetensors"

func init() {
	ml.RegisterBackend("native", Extension, func(data []byte, opts ml.Options) (ml.Model, error) {
		return Load(data, opts)
	})
}

// network is the forward pass of one architecture.
type network interface {
	forward(threads int, inputs []*ml.Tensor) []*ml.Tensor
}

type Model struct {
	arch    string
	inputs  []ml.TensorInfo
	outputs []ml.TensorInfo
	threads int

	net network
}

func Load(data []byte, opts ml.Options) (*Model, error) {
	f, err := Parse(data)
	if err != nil {
		return nil, err
	}

	return New(f, opts)
}

// New builds a runnable model from a parsed file.
func New(f *File, opts ml.Options) (*Model, error) {
	m := Model{
		arch:    f.Architecture(),
		threads: opts.Threads(),
	}

	var err error
	if m.inputs, err = tensorInfos(f.Metadata, "input"); err != nil {
		return nil, err
	}

	if m.outputs, err = tensorInfos(f.Metadata, "output"); err != nil {
		return nil, err
	}

	w := weights(f.Tensors)
	if f.Metadata["layout"] == "io" {
		if w, err = transposeAll(w); err != nil {
			return nil, err
		}
	}

	ctor, ok := architectures[m.arch]
	if !ok {
		return nil, fmt.Errorf("native: unsupported architecture %q", m.arch)
	}

	if m.net, err = ctor(w, m.inputs, m.outputs); err != nil {
		return nil, fmt.Errorf("native: %s: %w", m.arch, err)
	}

	slog.Debug("native model loaded", "architecture", m.arch, "inputs", m.inputs, "outputs", m.outputs, "threads", m.threads)
	return &m, nil
}

func (m *Model) Architecture() string { return m.arch }

func (m *Model) Inputs() []ml.TensorInfo { return m.inputs }

func (m *Model) Outputs() []ml.TensorInfo { return m.outputs }

func (m *Model) Run(inputs ...*ml.Tensor) ([]*ml.Tensor, error) {
	if m.net == nil {
		return nil, fmt.Errorf("native: model closed")
	}

	if err := ml.CheckInputs(m.inputs, inputs); err != nil {
		return nil, err
	}

	outputs := m.net.forward(m.threads, inputs)
	outputs = outputs[:min(len(outputs), len(m.outputs))]

	if slog.Default().Enabled(context.TODO(), logutil.LevelTrace) {
		for i, t := range outputs {
			lo, hi, mean := ml.Stats(t)
			logutil.Trace("native forward", "architecture", m.arch, "output", m.outputs[i].Name, "shape", t.Shape, "min", lo, "max", hi, "mean", mean, "values", ml.Dump(t, ml.DumpOptions{Items: 2, Precision: 3}))
		}
	}

	return outputs, nil
}

func (m *Model) Close() error {
	m.net = nil
	return nil
}

// parallelRows calls fn for every row in [0, rows) using at most threads
// goroutines. Rows are split into contiguous bands; fn must only write
// state owned by its row.
func parallelRows(threads, rows int, fn func(y int)) {
	if threads <= 1 || rows <= 1 {
		for y := range rows {
			fn(y)
		}
		return
	}

	band := (rows + threads - 1) / threads

	var g errgroup.Group
	g.SetLimit(threads)
	for lo := 0; lo < rows; lo += band {
		hi := min(lo+band, rows)
		g.Go(func() error {
			for y := lo; y < hi; y++ {
				fn(y)
			}
			return nil
		})
	}

	// fn cannot fail
	_ = g.Wait()
}

type weights map[string]*ml.Tensor

func (w weights) get(name string, shape ...int) (*ml.Tensor, error) {
	t, ok := w[name]
	if !ok {
		return nil, fmt.Errorf("missing tensor %q", name)
	}

	if err := ml.CheckShape(name, t, shape); err != nil {
		return nil, err
	}

	return t, nil
}

// matrix returns a 2D weight and its dimensions without checking them against
// an expected shape.
func (w weights) matrix(name string) (*ml.Tensor, int, int, error) {
	t, ok := w[name]
	if !ok {
		return nil, 0, 0, fmt.Errorf("missing tensor %q", name)
	}

	if len(t.Shape) != 2 {
		return nil, 0, 0, fmt.Errorf("tensor %q must be 2D, got %s", name, t.Shape)
	}

	return t, t.Shape[0], t.Shape[1], nil
}

// transposeAll converts 2D weights stored input-major (in, out) to the
// output-major (out, in) layout the kernels read.
func transposeAll(w weights) (weights, error) {
	out := make(weights, len(w))
	for name, t := range w {
		if len(t.Shape) != 2 {
			out[name] = t
			continue
		}

		if t.Shape[0] == 1 || t.Shape[1] == 1 {
			out[name] = &ml.Tensor{Shape: ml.Shape{t.Shape[1], t.Shape[0]}, Data: t.Data}
			continue
		}

		n := tensor.New(tensor.WithShape(t.Shape[0], t.Shape[1]), tensor.WithBacking(append([]float32(nil), t.Data...)))
		if err := n.T(1, 0); err != nil {
			return nil, err
		}

		if err := n.Transpose(); err != nil {
			return nil, err
		}

		ts, err := tnative.SelectF32(n, 1)
		if err != nil {
			return nil, err
		}

		var f32s []float32
		for _, t := range ts {
			f32s = append(f32s, t...)
		}

		out[name] = &ml.Tensor{Shape: ml.Shape{t.Shape[1], t.Shape[0]}, Data: f32s}
	}

	return out, nil
}
