// Package imagefile finds image files and formats their sizes for humans.
package imagefile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/spf13/afero"
)

// SupportedExtensions lists the image formats the backend accepts.
var SupportedExtensions = []string{"png", "jpg", "jpeg", "webp", "avif"}

// Ext returns the lower-case extension of path without the dot.
func Ext(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

// IsSupported reports whether path has a supported image extension.
func IsSupported(path string) bool {
	ext := Ext(path)
	for _, s := range SupportedExtensions {
		if ext == s {
			return true
		}
	}
	return false
}

// Collect walks roots (files or directories) and returns every supported
// image, deduplicated and sorted by path. Unsupported files given directly
// are ignored like any other.
func Collect(fs afero.Fs, roots ...string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string

	add := func(path string) {
		path = filepath.Clean(path)
		if _, dup := seen[path]; dup {
			return
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}

	for _, root := range roots {
		info, err := fs.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", root, err)
		}
		if !info.IsDir() {
			if IsSupported(root) {
				add(root)
			}
			continue
		}

		err = afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() && IsSupported(path) {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}

	sort.Strings(out)
	return out, nil
}

// MimeType returns the media type for an extension (with or without dot).
func MimeType(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	case "avif":
		return "image/avif"
	default:
		return "application/octet-stream"
	}
}

// FormatSize renders a byte count with binary units, e.g. "512 B" or "1.5 KiB".
func FormatSize(n int64) string {
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}

	units := []string{"B", "KiB", "MiB", "GiB"}
	size := float64(n)
	unit := 0
	for size >= 1024 && unit < len(units)-1 {
		size /= 1024
		unit++
	}

	s := strconv.FormatFloat(size, 'f', 1, 64)
	s = strings.TrimSuffix(s, ".0")
	return s + " " + units[unit]
}

// FormatPercent renders a whole-number percentage.
func FormatPercent(p int64) string {
	return fmt.Sprintf("%d%%", p)
}

// Dimensions decodes data and returns "WxH". Formats the decoder does not
// know (webp, avif) report false.
func Dimensions(data []byte) (string, bool) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return "", false
	}
	b := img.Bounds()
	return fmt.Sprintf("%dx%d", b.Dx(), b.Dy()), true
}
