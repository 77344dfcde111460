package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/squeeze/pkg/batch"
	"github.com/Sternrassler/squeeze/pkg/imagefile"
	"github.com/Sternrassler/squeeze/pkg/output"
	"github.com/Sternrassler/squeeze/pkg/pipeline"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// compressFlags override the configured defaults for one run.
type compressFlags struct {
	resizeMethod string
	width        int
	height       int
	convert      []string
	background   string
	preserve     []string
	concurrency  int
	dryRun       bool
	backup       bool
	keepOriginal bool
}

func newCompressCmd(fs afero.Fs, global *globalFlags) *cobra.Command {
	flags := &compressFlags{}

	cmd := &cobra.Command{
		Use:   "compress [paths...]",
		Short: "Compress images in files or directories",
		Long: `Compress every supported image (png, jpg, jpeg, webp, avif) found in the
given files and directories, recursively. Without arguments the current
directory is used.

Compressed images replace the originals unless the format changes, in which
case a new file with the new extension is written next to the original.
Press Ctrl+C to stop; images already being compressed still finish.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompress(cmd, fs, global, flags, args)
		},
	}

	flags.register(cmd)
	return cmd
}

// register binds the flags to cmd.
func (f *compressFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.resizeMethod, "resize-method", "", "resize method: scale, fit, cover, thumb")
	fl.IntVar(&f.width, "width", 0, "target width in pixels")
	fl.IntVar(&f.height, "height", 0, "target height in pixels")
	fl.StringSliceVar(&f.convert, "convert", nil, "convert to mime type(s), e.g. image/webp or */* for the smallest")
	fl.StringVar(&f.background, "background", "", "background color when converting to an opaque format (white, black, #rrggbb)")
	fl.StringSliceVar(&f.preserve, "preserve", nil, "metadata to keep: copyright, creation, location")
	fl.IntVar(&f.concurrency, "concurrency", 0, "number of parallel uploads (default from config)")
	fl.BoolVar(&f.dryRun, "dry-run", false, "list the images that would be compressed without uploading them")
	fl.BoolVar(&f.backup, "backup", false, "keep a .backup copy of every original")
	fl.BoolVar(&f.keepOriginal, "keep-original", false, "write <name>.min.<ext> instead of replacing the original")
}

func runCompress(cmd *cobra.Command, fs afero.Fs, global *globalFlags, flags *compressFlags, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, fs, global, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	base, err := a.cfg.Options()
	if err != nil {
		return err
	}
	opts, err := flags.options(cmd, base)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		args = []string{"."}
	}
	paths, err := imagefile.Collect(fs, args...)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(paths) == 0 {
		if !global.quiet {
			fmt.Fprintln(out, "No supported images found")
		}
		return nil
	}

	items, err := batch.ItemsFromPaths(fs, paths)
	if err != nil {
		return err
	}

	if flags.dryRun {
		printDryRun(out, items)
		return nil
	}

	concurrency := a.cfg.Batch.Concurrency
	if flags.concurrency > 0 {
		concurrency = flags.concurrency
	}

	if a.tracker != nil {
		if key, err := a.pool.Current(); err == nil {
			if ok, err := a.tracker.ShouldUse(ctx, key); err == nil && !ok {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: key %s has reached its monthly limit\n", key.Fingerprint())
			}
		}
	}

	startIndex := a.pool.CurrentIndex()
	orchestrator := batch.New(a.compressor, a.pool)

	runCfg := batch.RunConfig{Concurrency: concurrency}
	if !global.quiet {
		runCfg.OnProgress = func(p batch.Progress) {
			fmt.Fprintf(cmd.ErrOrStderr(), "\r[%d/%d] %3.0f%% %s", p.Done, p.Total, p.Fraction*100, p.Item.Name)
		}
	}

	stats, err := orchestrator.Run(ctx, items, opts, runCfg)
	if err != nil {
		return err
	}
	if !global.quiet {
		fmt.Fprintln(cmd.ErrOrStderr())
	}

	if a.pool.CurrentIndex() != startIndex {
		if err := a.saveCredentials(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: could not persist key rotation: %v\n", err)
		}
	}

	saveOpts := a.cfg.Output
	if cmd.Flags().Changed("backup") {
		saveOpts.Backup = flags.backup
	}
	if cmd.Flags().Changed("keep-original") {
		saveOpts.ReplaceOriginal = !flags.keepOriginal
	}
	report := output.NewWriter(fs, saveOpts).Save(items)

	if !global.quiet {
		printResults(out, items)
		fmt.Fprintf(out, "\n%s (saved %s, %s)\n", stats.Summary(),
			imagefile.FormatSize(stats.BytesSaved()), imagefile.FormatPercent(stats.SavingsPercent()))
		if stats.Skipped > 0 {
			fmt.Fprintf(out, "%d images skipped after cancellation\n", stats.Skipped)
		}
		fmt.Fprintln(out, report.Summary())
	}

	if ctx.Err() != nil {
		return context.Canceled
	}
	if stats.Failed > 0 || report.Failed > 0 {
		return fmt.Errorf("%d images failed to compress, %d failed to save", stats.Failed, report.Failed)
	}
	return nil
}

// options applies the flags that were set on top of base.
func (f *compressFlags) options(cmd *cobra.Command, base pipeline.Options) (pipeline.Options, error) {
	opts := base
	changed := cmd.Flags().Changed

	if changed("width") || changed("height") || changed("resize-method") {
		resize := pipeline.ResizeOptions{Method: pipeline.ResizeFit}
		if base.Resize != nil {
			resize = *base.Resize
		}
		if changed("resize-method") {
			resize.Method = pipeline.ResizeMethod(f.resizeMethod)
		}
		if changed("width") {
			resize.Width = positive(f.width)
		}
		if changed("height") {
			resize.Height = positive(f.height)
		}
		opts.Resize = &resize
	}

	if changed("convert") || changed("background") {
		convert := pipeline.ConvertOptions{}
		if base.Convert != nil {
			convert = *base.Convert
		}
		if changed("convert") {
			convert.Types = f.convert
		}
		if changed("background") {
			convert.Background = f.background
		}
		opts.Convert = &convert
	}

	if changed("preserve") {
		kinds, err := pipeline.ParseMetadataKinds(f.preserve)
		if err != nil {
			return pipeline.Options{}, err
		}
		opts.Preserve = kinds
	}

	if _, err := pipeline.Build(opts); err != nil {
		return pipeline.Options{}, err
	}
	return opts, nil
}

func positive(v int) *int {
	if v <= 0 {
		return nil
	}
	return pipeline.Dim(v)
}

func printDryRun(w io.Writer, items []*batch.Item) {
	var total int64
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\n", item.Path, imagefile.FormatSize(item.OriginalSize))
		total += item.OriginalSize
	}
	fmt.Fprintf(w, "%d images, %s\n", len(items), imagefile.FormatSize(total))
}

func printResults(w io.Writer, items []*batch.Item) {
	for _, item := range items {
		st := item.State()
		switch st.Status {
		case batch.StatusCompleted:
			r := item.Result()
			line := fmt.Sprintf("✓ %s  %s → %s (-%s)", item.Name,
				imagefile.FormatSize(r.OriginalSize), imagefile.FormatSize(r.CompressedSize),
				imagefile.FormatPercent(r.SavingsPercent()))
			if dims, ok := imagefile.Dimensions(st.CompressedBytes); ok {
				line += "  " + dims
			}
			fmt.Fprintln(w, line)
		case batch.StatusFailed:
			fmt.Fprintf(w, "✗ %s  %s\n", item.Name, st.ErrorMessage)
		case batch.StatusSkipped:
			fmt.Fprintf(w, "- %s  skipped\n", item.Name)
		}
	}
}
