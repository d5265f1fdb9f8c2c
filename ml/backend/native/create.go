package native

import (
	"cmp"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ollama/stylize/ml"
)

type CreateOptions struct {
	// Hidden is the width of the per-pixel feature map. Defaults to 8.
	Hidden int
	// Descriptor is the style vector length. Defaults to 100.
	Descriptor int
	// Height and Width are the image input size. Default to 256x256 for
	// style_predict and 384x384 for style_transfer.
	Height, Width int

	Seed  uint64
	DType string
}

// Create returns a model file of the given architecture with weights drawn
// from a seeded normal distribution. Identical options produce identical
// files.
func Create(arch string, opts CreateOptions) (*File, error) {
	hidden := cmp.Or(opts.Hidden, 8)
	dim := cmp.Or(opts.Descriptor, 100)

	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(opts.Seed)}
	randn := func(scale float64, shape ...int) *ml.Tensor {
		t := ml.Zeros(shape...)
		for i := range t.Data {
			t.Data[i] = float32(norm.Rand() * scale)
		}
		return t
	}

	f := File{
		Metadata: map[string]string{"architecture": arch},
		Tensors:  make(map[string]*ml.Tensor),
		DType:    cmp.Or(opts.DType, DTypeF32),
	}

	switch arch {
	case ArchStylePredict:
		h, w := cmp.Or(opts.Height, 256), cmp.Or(opts.Width, 256)
		setTensorInfos(f.Metadata, "input", []ml.TensorInfo{{Name: "style_image", Shape: ml.Shape{1, h, w, 3}}})
		setTensorInfos(f.Metadata, "output", []ml.TensorInfo{{Name: "style_bottleneck", Shape: ml.Shape{1, 1, 1, dim}}})

		f.Tensors["encoder.conv.weight"] = randn(1/math.Sqrt(3), hidden, 3)
		f.Tensors["encoder.conv.bias"] = randn(0.1, hidden)
		f.Tensors["encoder.proj.weight"] = randn(1/math.Sqrt(float64(2*hidden)), dim, 2*hidden)
		f.Tensors["encoder.proj.bias"] = randn(0.1, dim)
	case ArchStyleTransfer:
		h, w := cmp.Or(opts.Height, 384), cmp.Or(opts.Width, 384)
		setTensorInfos(f.Metadata, "input", []ml.TensorInfo{
			{Name: "content_image", Shape: ml.Shape{1, h, w, 3}},
			{Name: "style_bottleneck", Shape: ml.Shape{1, 1, 1, dim}},
		})
		setTensorInfos(f.Metadata, "output", []ml.TensorInfo{
			{Name: "stylized_image", Shape: ml.Shape{1, h, w, 3}},
			{Name: "features", Shape: ml.Shape{1, 1, 1, 2 * hidden}},
		})

		proj := 0.1 / math.Sqrt(float64(dim))
		f.Tensors["decoder.gamma.weight"] = randn(proj, hidden, dim)
		f.Tensors["decoder.gamma.bias"] = randn(0.01, hidden)
		f.Tensors["decoder.beta.weight"] = randn(proj, hidden, dim)
		f.Tensors["decoder.beta.bias"] = randn(0.01, hidden)
		f.Tensors["decoder.in.weight"] = randn(1/math.Sqrt(3), hidden, 3)
		f.Tensors["decoder.in.bias"] = randn(0.1, hidden)
		f.Tensors["decoder.out.weight"] = randn(0.1/math.Sqrt(float64(hidden)), 3, hidden)
		f.Tensors["decoder.out.bias"] = randn(0.01, 3)
	default:
		return nil, fmt.Errorf("native: unsupported architecture %q", arch)
	}

	return &f, nil
}
