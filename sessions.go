package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/tusup/internal/config"
	"github.com/tonimelisma/tusup/internal/uploadops"
)

var flagOlderThan time.Duration

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and prune remembered upload URLs",
	}

	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsCleanCmd())
	cmd.AddCommand(newSessionsForgetCmd())

	return cmd
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List uploads that can be resumed",
		Args:  cobra.NoArgs,
		RunE:  runSessionsList,
	}
}

func newSessionsCleanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Forget upload URLs older than the stale age",
		Args:  cobra.NoArgs,
		RunE:  runSessionsClean,
	}

	cmd.Flags().DurationVar(&flagOlderThan, "older-than", 0, "age threshold (default store.stale_after)")

	return cmd
}

func newSessionsForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget FILE...",
		Short: "Forget remembered uploads of files so the next upload starts over",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSessionsForget,
	}
}

func runSessionsList(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	store, err := openStore(ctx, cc)
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.List(ctx)
	if err != nil {
		return err
	}

	if len(recs) == 0 {
		cc.Statusf("No resumable uploads.\n")
		return nil
	}

	rows := make([][]string, 0, len(recs))
	for _, rec := range recs {
		path, size := rec.FilePath, "-"
		if path == "" {
			path = "-"
		}

		if rec.FileSize > 0 {
			size = config.FormatSize(rec.FileSize)
		}

		rows = append(rows, []string{shortFingerprint(rec.Fingerprint), path, size, formatTime(rec.CreatedAt), rec.URL})
	}

	printTable(cmd.OutOrStdout(), []string{"FINGERPRINT", "FILE", "SIZE", "CREATED", "URL"}, rows)

	return nil
}

func runSessionsClean(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	maxAge := cc.Cfg.StaleAfter
	if flagOlderThan > 0 {
		maxAge = flagOlderThan
	}

	store, err := openStore(ctx, cc)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.CleanStale(ctx, maxAge)
	if err != nil {
		return err
	}

	cc.Statusf("Removed %d stale upload(s)\n", n)

	return nil
}

func runSessionsForget(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	store, err := openStore(ctx, cc)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, path := range args {
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", path, err)
		}

		n, err := store.RemoveByPath(ctx, abs)
		if err != nil {
			return err
		}

		// URLs stored without file details are found by the current
		// fingerprint of the file.
		if info, statErr := os.Stat(path); statErr == nil {
			fp, fpErr := uploadops.Fingerprint(path, info.Size(), info.ModTime())
			if fpErr != nil {
				return fpErr
			}

			if _, getErr := store.Get(ctx, fp); getErr == nil {
				if err := store.Remove(ctx, fp); err != nil {
					return err
				}

				n++
			}
		}

		cc.Statusf("Forgot %d upload(s) of %s\n", n, path)
	}

	return nil
}
