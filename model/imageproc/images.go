package imageproc

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"

	"github.com/ollama/stylize/ml"
)

// ErrInvalidImage is returned for images that cannot be turned into a tensor.
var ErrInvalidImage = errors.New("invalid image")

// MaxDimension is the largest accepted width or height.
const MaxDimension = 16384

// Validate checks that img has a usable, finite size.
func Validate(img image.Image) error {
	if img == nil {
		return fmt.Errorf("%w: no image", ErrInvalidImage)
	}

	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidImage, b.Dx(), b.Dy())
	}

	if b.Dx() > MaxDimension || b.Dy() > MaxDimension {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels per side", ErrInvalidImage, b.Dx(), b.Dy(), MaxDimension)
	}

	return nil
}

// Flatten paints img onto an opaque bg so that translucent pixels blend into
// it. The result is anchored at the origin.
func Flatten(img image.Image, bg color.Color) *image.RGBA {
	r := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Rect, image.NewUniform(bg), image.Point{}, draw.Src)
	draw.Copy(dst, image.Point{}, img, r, draw.Over, nil)
	return dst
}

// CropOrPad returns a height x width image centered on img. Axes where img
// is larger are cropped symmetrically; axes where it is smaller are padded
// symmetrically with transparent black.
func CropOrPad(img image.Image, height, width int) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, width, height))

	src := b
	var at image.Point
	if b.Dx() > width {
		src.Min.X += (b.Dx() - width) / 2
		src.Max.X = src.Min.X + width
	} else {
		at.X = (width - b.Dx()) / 2
	}

	if b.Dy() > height {
		src.Min.Y += (b.Dy() - height) / 2
		src.Max.Y = src.Min.Y + height
	} else {
		at.Y = (height - b.Dy()) / 2
	}

	draw.Draw(dst, image.Rectangle{Min: at, Max: at.Add(src.Size())}, img, src.Min, draw.Src)
	return dst
}

// Resize returns an image scaled to height x width with bilinear
// interpolation. An image already at the target size is copied unchanged.
func Resize(img image.Image, height, width int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))

	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)
		return dst
	}

	draw.BiLinear.Scale(dst, dst.Rect, img, b, draw.Src, nil)
	return dst
}

// Normalize returns the r, g, b values of img in height, width, channel
// order scaled from [0, 255] to [0, 1].
func Normalize(img image.Image) []float32 {
	b := img.Bounds()
	pixelVals := make([]float32, 0, b.Dx()*b.Dy()*3)

	if rgba, ok := img.(*image.RGBA); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := rgba.Pix[rgba.PixOffset(b.Min.X, y):rgba.PixOffset(b.Max.X, y)]
			for i := 0; i < len(row); i += 4 {
				pixelVals = append(pixelVals,
					float32(row[i])/255.0,
					float32(row[i+1])/255.0,
					float32(row[i+2])/255.0,
				)
			}
		}

		return pixelVals
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			pixelVals = append(pixelVals,
				float32(r>>8)/255.0,
				float32(g>>8)/255.0,
				float32(bl>>8)/255.0,
			)
		}
	}

	return pixelVals
}

// Preprocess turns img into a (1, height, width, 3) tensor: the largest
// centered square is cropped, resized to height x width and normalized.
func Preprocess(img image.Image, height, width int) (*ml.Tensor, error) {
	if err := Validate(img); err != nil {
		return nil, err
	}

	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("%w: target size %dx%d", ml.ErrShapeMismatch, width, height)
	}

	b := img.Bounds()
	cropSize := min(b.Dx(), b.Dy())

	square := CropOrPad(Flatten(img, color.White), cropSize, cropSize)
	resized := Resize(square, height, width)

	return ml.NewTensor(ml.Shape{1, height, width, 3}, Normalize(resized))
}

// Postprocess converts a (1, H, W, 3) tensor with values nominally in
// [0, 1] into an opaque H x W image. Values outside the range are clamped.
func Postprocess(t *ml.Tensor) (*image.RGBA, error) {
	if t == nil || len(t.Shape) != 4 || t.Shape[0] != 1 || t.Shape[3] != 3 || len(t.Data) != t.Shape.NumElements() {
		var actual ml.Shape
		if t != nil {
			actual = t.Shape
		}
		return nil, &ml.ShapeError{Name: "output", Expected: ml.Shape{1, -1, -1, 3}, Actual: actual}
	}

	height, width := t.Shape[1], t.Shape[2]
	dst := image.NewRGBA(image.Rect(0, 0, width, height))

	for i, p := 0, 0; i < len(t.Data); i, p = i+3, p+4 {
		dst.Pix[p] = dequantize(t.Data[i])
		dst.Pix[p+1] = dequantize(t.Data[i+1])
		dst.Pix[p+2] = dequantize(t.Data[i+2])
		dst.Pix[p+3] = 255
	}

	return dst, nil
}

func dequantize(v float32) uint8 {
	f := math.Round(float64(v) * 255)
	switch {
	case math.IsNaN(f), f <= 0:
		return 0
	case f >= 255:
		return 255
	default:
		return uint8(f)
	}
}
