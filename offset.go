package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/tusup/internal/config"
)

func newOffsetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "offset URL",
		Short: "Print how many bytes the server has accepted for an upload",
		Args:  cobra.ExactArgs(1),
		RunE:  runOffset,
	}
}

func runOffset(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	uploadURL := args[0]

	// The upload URL doubles as the endpoint when none is configured.
	endpoint := cc.Cfg.Endpoint
	if endpoint == "" {
		endpoint = uploadURL
	}

	client, err := newTusClient(cc, endpoint, nil)
	if err != nil {
		return err
	}

	offset, err := client.QueryOffset(cmd.Context(), uploadURL)
	if err != nil {
		return fmt.Errorf("querying offset of %s: %w", uploadURL, err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), offset)
	cc.Statusf("%s accepted\n", config.FormatSize(offset))

	return nil
}
