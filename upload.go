package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/tusup/internal/config"
	"github.com/tonimelisma/tusup/internal/tus"
	"github.com/tonimelisma/tusup/internal/uploadops"
)

// Environment variables holding base64 key material. Key material is never
// read from the config file.
const (
	envKey = "TUSUP_KEY" //nolint:gosec // G101: variable name, not a credential
	envIV  = "TUSUP_IV"
)

var (
	flagKey      string
	flagIV       string
	flagMetadata map[string]string
)

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload FILE...",
		Short: "Upload files, resuming interrupted uploads",
		Long: `Upload one or more files to the configured tus endpoint.

Chunks are encrypted with the key and IV from --key/--iv or the TUSUP_KEY and
TUSUP_IV environment variables (base64). An upload interrupted by an error or
by Ctrl-C resumes from the server's offset the next time the same file is
uploaded with the same key material.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runUpload,
	}

	cmd.Flags().StringVar(&flagEndpoint, "endpoint", "", "tus creation URL")
	cmd.Flags().StringVar(&flagChunkSize, "chunk-size", "", "bytes read and encrypted per chunk (e.g. 1MiB)")
	cmd.Flags().StringVar(&flagPayloadSize, "payload-size", "", "bytes sent per PATCH request (e.g. 64MiB)")
	cmd.Flags().IntVar(&flagParallel, "parallel", 0, "files uploaded concurrently")
	cmd.Flags().StringVar(&flagKey, "key", "", "base64 encryption key (default $"+envKey+")")
	cmd.Flags().StringVar(&flagIV, "iv", "", "base64 IV or nonce (default $"+envIV+")")
	cmd.Flags().StringToStringVar(&flagMetadata, "metadata", nil, "upload metadata as key=value (repeatable)")

	return cmd
}

// keyMaterialFromFlags reads key material from flags, falling back to the
// environment.
func keyMaterialFromFlags() (tus.KeyMaterial, error) {
	key, iv := flagKey, flagIV
	if key == "" {
		key = os.Getenv(envKey)
	}

	if iv == "" {
		iv = os.Getenv(envIV)
	}

	if key == "" || iv == "" {
		return tus.KeyMaterial{}, fmt.Errorf("encryption key and IV are required: use --key/--iv or %s/%s", envKey, envIV)
	}

	return tus.ParseKeyMaterial(key, iv)
}

func runUpload(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	km, err := keyMaterialFromFlags()
	if err != nil {
		return err
	}

	ctx, stop := shutdownContext(cmd.Context(), cc.Logger)
	defer stop()

	store, err := openStore(ctx, cc)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.CleanStale(ctx, cc.Cfg.StaleAfter); err != nil {
		cc.Logger.Warn("failed to clean stale upload URLs", slog.String("error", err.Error()))
	}

	client, err := newTusClient(cc, "", store)
	if err != nil {
		return err
	}

	tm := uploadops.NewTransferManager(client, store, uploadops.TransferConfig{
		ChunkSize:          cc.Cfg.ChunkSize,
		RequestPayloadSize: cc.Cfg.RequestPayloadSize,
		MaxRetries:         cc.Cfg.MaxRetries,
	}, cc.Logger)

	progress := newProgressReporter(os.Stderr, cc.Flags.Quiet, len(args) == 1 && isTerminal(os.Stderr))

	return uploadFiles(ctx, cc, tm, km, args, progress)
}

// uploadFiles uploads paths with at most ParallelUploads in flight. One
// failed file does not stop the others.
func uploadFiles(
	ctx context.Context, cc *CLIContext, tm *uploadops.TransferManager,
	km tus.KeyMaterial, paths []string, progress *progressReporter,
) error {
	var (
		g      errgroup.Group
		failed atomic.Int32
		paused atomic.Int32
	)

	g.SetLimit(cc.Cfg.ParallelUploads)

	for _, path := range paths {
		g.Go(func() error {
			name := filepath.Base(path)

			result, err := tm.UploadFile(ctx, path, km, uploadops.UploadOpts{
				Metadata: flagMetadata,
				Progress: progress.forFile(name),
			})
			progress.done(name)

			switch {
			case err == nil:
				cc.Logger.Info("upload complete",
					slog.String("path", path),
					slog.String("upload_url", result.URL),
					slog.Int("attempts", result.Attempts),
				)
				cc.Statusf("Uploaded %s (%s) to %s\n", path, config.FormatSize(result.Size), result.URL)
			case errors.Is(err, context.Canceled):
				paused.Add(1)
				cc.Statusf("Paused %s\n", path)
			default:
				failed.Add(1)
				cc.Logger.Error("upload failed", slog.String("path", path), slog.String("error", err.Error()))
				fmt.Fprintf(os.Stderr, "Failed %s: %v\n", path, err)
			}

			return nil
		})
	}

	_ = g.Wait()

	if n := paused.Load(); n > 0 {
		cc.Statusf("%d upload(s) paused; run the same command again to resume\n", n)
	}

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d uploads failed", n, len(paths))
	}

	if paused.Load() > 0 {
		return ctx.Err()
	}

	return nil
}

// progressReporter prints per-file upload progress. On a terminal with a
// single upload the line is rewritten in place; otherwise a line is printed
// every progressStep percent.
type progressReporter struct {
	mu    sync.Mutex
	w     io.Writer
	quiet bool
	live  bool
	last  map[string]int64
}

const progressStep = 10

func newProgressReporter(w io.Writer, quiet, live bool) *progressReporter {
	return &progressReporter{w: w, quiet: quiet, live: live, last: make(map[string]int64)}
}

func (p *progressReporter) forFile(name string) uploadops.ProgressFunc {
	return func(written, total int64) {
		p.report(name, written, total)
	}
}

func (p *progressReporter) report(name string, written, total int64) {
	if p.quiet {
		return
	}

	pct := int64(100)
	if total > 0 {
		pct = written * 100 / total
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	line := fmt.Sprintf("%s %3d%% (%s / %s)", name, pct, config.FormatSize(written), config.FormatSize(total))

	if p.live {
		fmt.Fprintf(p.w, "\r%s", line)
		return
	}

	step := pct / progressStep
	if last, ok := p.last[name]; ok && step <= last {
		return
	}

	p.last[name] = step
	fmt.Fprintln(p.w, line)
}

// done ends the in-place line for a live upload.
func (p *progressReporter) done(name string) {
	if p.quiet {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.last, name)

	if p.live {
		fmt.Fprintln(p.w)
	}
}
