// Package pipeline turns user-facing compression options into a single,
// validated backend request.
//
// Stages are applied in a fixed order: resize, then convert, then preserve.
// Resizing first means the encoder sees the final pixels, and metadata is
// preserved on the final encoded container.
package pipeline

// ResizeMethod selects how the backend resizes an image.
type ResizeMethod string

const (
	// ResizeScale scales proportionally; provide a width or a height.
	ResizeScale ResizeMethod = "scale"

	// ResizeFit fits the image inside the given box, keeping aspect ratio.
	ResizeFit ResizeMethod = "fit"

	// ResizeCover covers the given box, keeping aspect ratio and cropping.
	ResizeCover ResizeMethod = "cover"

	// ResizeThumb creates a thumbnail using smart cropping.
	ResizeThumb ResizeMethod = "thumb"
)

// Valid reports whether m is a known method.
func (m ResizeMethod) Valid() bool {
	switch m {
	case ResizeScale, ResizeFit, ResizeCover, ResizeThumb:
		return true
	}
	return false
}

// Mime types accepted as conversion targets.
const (
	TypePNG  = "image/png"
	TypeJPEG = "image/jpeg"
	TypeWebP = "image/webp"
	TypeAVIF = "image/avif"

	// TypeSmallest lets the backend pick whichever format is smallest.
	TypeSmallest = "*/*"
)

// AllTypes lists every concrete conversion target.
var AllTypes = []string{TypePNG, TypeJPEG, TypeWebP, TypeAVIF}

// MetadataKind is a piece of metadata the backend can carry over.
type MetadataKind string

const (
	MetadataCopyright MetadataKind = "copyright"
	MetadataCreation  MetadataKind = "creation"
	MetadataLocation  MetadataKind = "location"
)

// metadataOrder is the canonical order used on the wire.
var metadataOrder = []MetadataKind{MetadataCopyright, MetadataCreation, MetadataLocation}

// ResizeOptions configures the resize stage. A nil dimension is inferred
// by the backend.
type ResizeOptions struct {
	Method ResizeMethod `json:"method" mapstructure:"method"`
	Width  *int         `json:"width,omitempty" mapstructure:"width"`
	Height *int         `json:"height,omitempty" mapstructure:"height"`
}

// ConvertOptions configures format conversion.
type ConvertOptions struct {
	Types      []string `json:"types" mapstructure:"types"`
	Background string   `json:"background,omitempty" mapstructure:"background"`
}

// Options is the full set of per-batch transformations. The zero value asks
// for a plain recompression.
type Options struct {
	Resize   *ResizeOptions  `json:"resize,omitempty"`
	Convert  *ConvertOptions `json:"convert,omitempty"`
	Preserve []MetadataKind  `json:"preserve,omitempty"`
}

// Dim is a convenience for building optional dimensions.
func Dim(v int) *int {
	return &v
}
