package client

import "strings"

// Result is the outcome of compressing one image.
type Result struct {
	Success        bool   `json:"success"`
	OriginalSize   int64  `json:"original_size"`
	CompressedSize int64  `json:"compressed_size"`
	Data           []byte `json:"-"`
	OutputType     string `json:"output_type,omitempty"`
	Extension      string `json:"extension,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// Failure builds a failed result. The compressed size falls back to the
// original so aggregate savings stay honest.
func Failure(originalSize int64, message string) *Result {
	return &Result{
		Success:        false,
		OriginalSize:   originalSize,
		CompressedSize: originalSize,
		ErrorMessage:   message,
	}
}

// SavingsPercent returns the whole-number percentage saved, 0 for empty input.
func (r *Result) SavingsPercent() int64 {
	if r.OriginalSize <= 0 {
		return 0
	}
	return (r.OriginalSize - r.CompressedSize) * 100 / r.OriginalSize
}

// BytesSaved returns original minus compressed size.
func (r *Result) BytesSaved() int64 {
	return r.OriginalSize - r.CompressedSize
}

// ExtensionFor maps a backend media type to a file extension. Unknown types
// map to "".
func ExtensionFor(mediaType string) string {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}

	switch mt {
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/avif":
		return "avif"
	default:
		return ""
	}
}
