package imageproc

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Formats lists the encodings Decode understands.
var Formats = []string{"png", "jpeg", "gif", "webp", "bmp", "tiff"}

// Decode reads an image in any of the supported Formats. The header is
// checked against MaxDimension before any pixels are decoded.
func Decode(r io.Reader) (image.Image, string, error) {
	bts, err := io.ReadAll(r)
	if err != nil {
		return nil, "", err
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(bts))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	if cfg.Width > MaxDimension || cfg.Height > MaxDimension {
		return nil, "", fmt.Errorf("%w: %dx%d exceeds %d pixels per side", ErrInvalidImage, cfg.Width, cfg.Height, MaxDimension)
	}

	img, format, err := image.Decode(bytes.NewReader(bts))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	return img, format, nil
}

// Encode writes img as png or jpeg. An empty format means png.
func Encode(w io.Writer, img image.Image, format string) error {
	switch strings.ToLower(format) {
	case "", "png":
		return png.Encode(w, img)
	case "jpeg", "jpg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 90})
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

// FormatFromPath returns the output format implied by a file extension.
func FormatFromPath(path string) string {
	i := strings.LastIndexByte(path, '.')
	if i < 0 || strings.ContainsAny(path[i:], `/\`) {
		return "png"
	}

	switch ext := strings.ToLower(path[i+1:]); ext {
	case "jpg", "jpeg":
		return "jpeg"
	default:
		return ext
	}
}
