package native

import (
	"errors"
	"fmt"
	"math"

	"github.com/ollama/stylize/ml"
)

const (
	ArchStylePredict  = "style_predict"
	ArchStyleTransfer = "style_transfer"
)

type constructor func(w weights, inputs, outputs []ml.TensorInfo) (network, error)

var architectures = map[string]constructor{
	ArchStylePredict:  newStylePredict,
	ArchStyleTransfer: newStyleTransfer,
}

func imageShape(info ml.TensorInfo) (h, w int, err error) {
	s := info.Shape
	if len(s) != 4 || s[0] != 1 || s[3] != 3 {
		return 0, 0, fmt.Errorf("%s must have shape (1, H, W, 3), got %s", info.Name, s)
	}

	return s[1], s[2], nil
}

func vectorLen(info ml.TensorInfo) (int, error) {
	s := info.Shape
	if len(s) != 4 || s[0] != 1 || s[1] != 1 || s[2] != 1 {
		return 0, fmt.Errorf("%s must have shape (1, 1, 1, N), got %s", info.Name, s)
	}

	return s[3], nil
}

// stylePredict encodes an image into a style vector from the per-channel
// mean and standard deviation of a pointwise feature map.
type stylePredict struct {
	height, width int
	hidden, dim   int

	conv, convBias *ml.Tensor
	proj, projBias *ml.Tensor
}

func newStylePredict(w weights, inputs, outputs []ml.TensorInfo) (network, error) {
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, errors.New("expected 1 input and 1 output")
	}

	var p stylePredict
	var err error
	if p.height, p.width, err = imageShape(inputs[0]); err != nil {
		return nil, err
	}

	if p.dim, err = vectorLen(outputs[0]); err != nil {
		return nil, err
	}

	var in int
	if p.conv, p.hidden, in, err = w.matrix("encoder.conv.weight"); err != nil {
		return nil, err
	} else if in != 3 {
		return nil, fmt.Errorf("encoder.conv.weight must take 3 channels, got %d", in)
	}

	if p.convBias, err = w.get("encoder.conv.bias", p.hidden); err != nil {
		return nil, err
	}

	if p.proj, err = w.get("encoder.proj.weight", p.dim, 2*p.hidden); err != nil {
		return nil, err
	}

	if p.projBias, err = w.get("encoder.proj.bias", p.dim); err != nil {
		return nil, err
	}

	return &p, nil
}

func (p *stylePredict) forward(threads int, inputs []*ml.Tensor) []*ml.Tensor {
	x := inputs[0].Data
	c := p.hidden

	// per-row partial sums, combined below in row order so the result does
	// not depend on how rows were split across workers
	sums := make([]float64, p.height*c)
	sqs := make([]float64, p.height*c)

	parallelRows(threads, p.height, func(y int) {
		sum := sums[y*c : (y+1)*c]
		sq := sqs[y*c : (y+1)*c]
		for i := range p.width {
			px := x[(y*p.width+i)*3:]
			for k := range c {
				wk := p.conv.Data[k*3:]
				v := wk[0]*px[0] + wk[1]*px[1] + wk[2]*px[2] + p.convBias.Data[k]
				if v < 0 {
					v = 0
				}

				sum[k] += float64(v)
				sq[k] += float64(v) * float64(v)
			}
		}
	})

	n := float64(p.height * p.width)
	stats := make([]float64, 2*c)
	for y := range p.height {
		for k := range c {
			stats[k] += sums[y*c+k]
			stats[c+k] += sqs[y*c+k]
		}
	}

	for k := range c {
		mean := stats[k] / n
		variance := stats[c+k]/n - mean*mean
		stats[k] = mean
		stats[c+k] = math.Sqrt(max(variance, 0))
	}

	out := ml.Zeros(1, 1, 1, p.dim)
	for d := range p.dim {
		row := p.proj.Data[d*2*c : (d+1)*2*c]
		acc := float64(p.projBias.Data[d])
		for j, v := range stats {
			acc += float64(row[j]) * v
		}
		out.Data[d] = float32(acc)
	}

	return []*ml.Tensor{out}
}

// styleTransfer applies a style vector to an image with a per-pixel network
// whose hidden activations are scaled and shifted by projections of the
// style vector. A second output exposes that conditioning.
type styleTransfer struct {
	height, width int
	hidden, dim   int

	gamma, gammaBias *ml.Tensor
	beta, betaBias   *ml.Tensor
	in, inBias       *ml.Tensor
	out, outBias     *ml.Tensor
}

func newStyleTransfer(w weights, inputs, outputs []ml.TensorInfo) (network, error) {
	if len(inputs) != 2 || len(outputs) < 1 {
		return nil, errors.New("expected 2 inputs and at least 1 output")
	}

	var t styleTransfer
	var err error
	if t.height, t.width, err = imageShape(inputs[0]); err != nil {
		return nil, err
	}

	if t.dim, err = vectorLen(inputs[1]); err != nil {
		return nil, err
	}

	if !outputs[0].Shape.Equal(inputs[0].Shape) {
		return nil, fmt.Errorf("output %s must match content shape %s", outputs[0].Shape, inputs[0].Shape)
	}

	var cols int
	if t.gamma, t.hidden, cols, err = w.matrix("decoder.gamma.weight"); err != nil {
		return nil, err
	} else if cols != t.dim {
		return nil, fmt.Errorf("decoder.gamma.weight must take %d values, got %d", t.dim, cols)
	}

	if len(outputs) > 1 {
		if n, err := vectorLen(outputs[1]); err != nil {
			return nil, err
		} else if n != 2*t.hidden {
			return nil, fmt.Errorf("%s must have %d values, got %d", outputs[1].Name, 2*t.hidden, n)
		}
	}

	for _, p := range []struct {
		dst   **ml.Tensor
		name  string
		shape []int
	}{
		{&t.gammaBias, "decoder.gamma.bias", []int{t.hidden}},
		{&t.beta, "decoder.beta.weight", []int{t.hidden, t.dim}},
		{&t.betaBias, "decoder.beta.bias", []int{t.hidden}},
		{&t.in, "decoder.in.weight", []int{t.hidden, 3}},
		{&t.inBias, "decoder.in.bias", []int{t.hidden}},
		{&t.out, "decoder.out.weight", []int{3, t.hidden}},
		{&t.outBias, "decoder.out.bias", []int{3}},
	} {
		if *p.dst, err = w.get(p.name, p.shape...); err != nil {
			return nil, err
		}
	}

	return &t, nil
}

func affine(w, b *ml.Tensor, x []float32) []float32 {
	cols := len(x)
	out := make([]float32, len(b.Data))
	for i := range out {
		row := w.Data[i*cols : (i+1)*cols]
		acc := b.Data[i]
		for j, v := range x {
			acc += row[j] * v
		}
		out[i] = acc
	}

	return out
}

func (t *styleTransfer) forward(threads int, inputs []*ml.Tensor) []*ml.Tensor {
	x, s := inputs[0].Data, inputs[1].Data
	c := t.hidden

	gamma := affine(t.gamma, t.gammaBias, s)
	beta := affine(t.beta, t.betaBias, s)

	out := ml.Zeros(1, t.height, t.width, 3)
	parallelRows(threads, t.height, func(y int) {
		h := make([]float32, c)
		for i := range t.width {
			off := (y*t.width + i) * 3
			px := x[off : off+3]
			for k := range c {
				wk := t.in.Data[k*3:]
				v := wk[0]*px[0] + wk[1]*px[1] + wk[2]*px[2] + t.inBias.Data[k]
				if v < 0 {
					v = 0
				}
				h[k] = (1+gamma[k])*v + beta[k]
			}

			for j := range 3 {
				row := t.out.Data[j*c : (j+1)*c]
				acc := t.outBias.Data[j] + px[j]
				for k, v := range h {
					acc += row[k] * v
				}
				out.Data[off+j] = acc
			}
		}
	})

	features := ml.Zeros(1, 1, 1, 2*c)
	copy(features.Data, gamma)
	copy(features.Data[c:], beta)

	return []*ml.Tensor{out, features}
}
