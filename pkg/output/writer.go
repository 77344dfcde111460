// Package output writes compressed images next to their originals.
package output

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Sternrassler/squeeze/pkg/batch"
	"github.com/Sternrassler/squeeze/pkg/imagefile"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// Options control how results are written.
type Options struct {
	// Backup copies the original to "<name>.backup" before writing.
	Backup bool `mapstructure:"backup"`

	// ReplaceOriginal overwrites the source when the format is unchanged.
	// Otherwise a "<stem>.min.<ext>" sibling is written.
	ReplaceOriginal bool `mapstructure:"replace_original"`
}

// Report summarizes a save pass.
type Report struct {
	Saved  int
	Failed int
	Paths  []string
	Errors []error
}

// Summary returns the one-line notification text for the save pass.
func (r Report) Summary() string {
	if r.Failed > 0 {
		return fmt.Sprintf("Saved %d images, %d failed", r.Saved, r.Failed)
	}
	return fmt.Sprintf("Successfully saved %d images", r.Saved)
}

// Writer saves completed batch items.
type Writer struct {
	fs     afero.Fs
	opts   Options
	logger zerolog.Logger
}

// NewWriter creates a writer on fs.
func NewWriter(fs afero.Fs, opts Options) *Writer {
	return &Writer{
		fs:     fs,
		opts:   opts,
		logger: log.With().Str("component", "output").Logger(),
	}
}

// Target returns the path the compressed output of source will be written to.
func (w *Writer) Target(source, outputExt string) string {
	dir := filepath.Dir(source)
	base := filepath.Base(source)
	srcExt := filepath.Ext(base)
	stem := strings.TrimSuffix(base, srcExt)

	if outputExt != "" && imagefile.MimeType(outputExt) != imagefile.MimeType(srcExt) {
		return filepath.Join(dir, stem+"."+outputExt)
	}
	if w.opts.ReplaceOriginal {
		return source
	}
	return filepath.Join(dir, stem+".min"+srcExt)
}

// Save writes every completed, file-backed item. Other items are ignored.
func (w *Writer) Save(items []*batch.Item) Report {
	var report Report
	for _, item := range items {
		st := item.State()
		if st.Status != batch.StatusCompleted || item.Path == "" || st.CompressedBytes == nil {
			continue
		}

		path, err := w.saveOne(item.Path, st)
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, err)
			w.logger.Warn().Err(err).Str("item", item.Name).Msg("Failed to save compressed image")
			continue
		}
		report.Saved++
		report.Paths = append(report.Paths, path)
	}

	w.logger.Info().
		Int("saved", report.Saved).
		Int("failed", report.Failed).
		Msg("Compressed images written")
	return report
}

func (w *Writer) saveOne(source string, st batch.ItemState) (string, error) {
	if w.opts.Backup {
		original, err := afero.ReadFile(w.fs, source)
		if err != nil {
			return "", fmt.Errorf("read original %s: %w", source, err)
		}
		if err := afero.WriteFile(w.fs, source+".backup", original, 0o644); err != nil {
			return "", fmt.Errorf("write backup of %s: %w", source, err)
		}
	}

	target := w.Target(source, st.Extension)
	if err := afero.WriteFile(w.fs, target, st.CompressedBytes, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", target, err)
	}
	return target, nil
}
