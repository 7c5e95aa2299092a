package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"

	"github.com/italolelis/resource_fetcher/internal/config"
	"github.com/italolelis/resource_fetcher/internal/downloader"
	"github.com/italolelis/resource_fetcher/internal/logctx"
)

// exitCanceled is the conventional status for a process stopped by SIGINT.
const exitCanceled = 130

type getOptions struct {
	output  string
	noCache bool
	quiet   bool
}

func newGetCmd(a *app) *cobra.Command {
	opts := &getOptions{}

	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Fetch one resource through the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd.Context(), a.cfg, args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.output, "output", "o", "", "write the body to this file instead of stdout")
	flags.BoolVar(&opts.noCache, "no-cache", false, "keep the body in memory and never touch the disk cache")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "do not draw a progress bar")

	return cmd
}

func runGet(ctx context.Context, cfg *config.Config, resource string, opts *getOptions) error {
	logger := logctx.LoggerFromContext(ctx)

	s, err := buildStack(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	req := downloader.NewRequest(resource)
	if opts.noCache {
		req.CacheKey = ""
	}

	// The cancel flag is what the downloader polls between chunks.
	stop := context.AfterFunc(ctx, req.Cancel)
	defer stop()

	var bar *progressBar
	if !opts.quiet {
		bar = newProgressBar(ctx, path.Base(resource))
		req.Progress = bar.update
	}

	out, err := s.downloader.Fetch(ctx, req)
	bar.finish()

	if err != nil {
		return err
	}

	if out.Empty() {
		return &exitError{code: exitCanceled, msg: "canceled"}
	}

	logger.DebugContext(ctx, "fetched", "mode", out.Kind.String(), "from_cache", out.FromCache, "bytes", humanize.Bytes(uint64(out.Size)))

	return writeOutcome(out, opts.output)
}

func writeOutcome(out *downloader.Outcome, target string) error {
	body, err := out.Open()
	if err != nil {
		return err
	}
	defer body.Close()

	var w io.Writer = os.Stdout

	if target != "" && target != "-" {
		f, err := os.Create(target)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()

		w = f
	}

	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	return nil
}

// progressBar draws fetch progress on stderr. The bar is created on the first
// notification, once the total size is known.
type progressBar struct {
	name string
	p    *mpb.Progress

	mu  sync.Mutex
	bar *mpb.Bar
}

func newProgressBar(ctx context.Context, name string) *progressBar {
	return &progressBar{
		name: name,
		p:    mpb.NewWithContext(ctx, mpb.WithOutput(os.Stderr), mpb.WithWidth(60)),
	}
}

func (b *progressBar) update(total, written int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bar == nil {
		b.bar = b.p.AddBar(total,
			mpb.PrependDecorators(
				decor.Name(b.name, decor.WC{W: 40, C: decor.DidentRight}),
				decor.CountersKibiByte("% .2f / % .2f"),
			),
			mpb.AppendDecorators(
				decor.Percentage(decor.WCSyncSpace),
			),
		)
	}

	b.bar.SetCurrent(written)
}

func (b *progressBar) finish() {
	if b == nil {
		return
	}

	b.mu.Lock()
	if b.bar != nil && !b.bar.Completed() {
		b.bar.Abort(false)
	}
	b.mu.Unlock()

	b.p.Wait()
}
