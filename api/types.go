package api

import (
	"time"
)

// StylizeRequest applies a style to a content image. The style is either the
// name of an image in the server's style catalog or an inline image; an
// inline image takes precedence.
type StylizeRequest struct {
	// Content is the encoded content image (png, jpeg, gif, webp, bmp or tiff).
	Content []byte `json:"content"`

	// Style names an image in the style catalog.
	Style string `json:"style,omitempty"`

	// StyleImage is an encoded style image.
	StyleImage []byte `json:"style_image,omitempty"`

	// Format is the encoding of the returned image, "png" (default) or "jpeg".
	Format string `json:"format,omitempty"`
}

type StylizeResponse struct {
	Image  []byte `json:"image"`
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`

	TotalDuration time.Duration `json:"total_duration,omitempty"`
}

// Tensor is the raw model output returned when a request accepts
// application/cbor.
type Tensor struct {
	Shape []int     `json:"shape" cbor:"shape"`
	Data  []float32 `json:"data" cbor:"data"`
}

type DescriptorRequest struct {
	Style      string `json:"style,omitempty"`
	StyleImage []byte `json:"style_image,omitempty"`
}

type DescriptorResponse struct {
	Style      string    `json:"style,omitempty"`
	Shape      []int     `json:"shape"`
	Descriptor []float32 `json:"descriptor"`
}

type StyleResponse struct {
	Name       string    `json:"name"`
	Format     string    `json:"format"`
	Size       int64     `json:"size"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	ModifiedAt time.Time `json:"modified_at"`
}

type StylesResponse struct {
	Styles []StyleResponse `json:"styles"`
}

type ModelResponse struct {
	Name    string `json:"name"`
	File    string `json:"file"`
	Backend string `json:"backend"`
	Size    int64  `json:"size"`
}

type ModelsResponse struct {
	// State is the engine state: "uninitialized", "ready" or "failed".
	State  string          `json:"state"`
	Error  string          `json:"error,omitempty"`
	Models []ModelResponse `json:"models"`
}

type VersionResponse struct {
	Version string `json:"version"`
}
