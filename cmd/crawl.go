// Package cmd defines and implements the CLI commands for the harvester
// executable.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/track-harvester/internal/app"
)

// closeTimeout bounds the final shutdown of the store and ops server.
const closeTimeout = 10 * time.Second

// newCrawlCmd creates the 'crawl' subcommand, which runs one session.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Runs one resolve-and-harvest session",
		Long: `Resolves the configured catalog queries and harvests features for every
track that has no feature row yet. With live_network=false the session is
served entirely from the response cache.`,
		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}

	a, err := app.Build(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), closeTimeout)
		defer cancel()
		if cerr := a.Close(ctx); cerr != nil {
			rt.logger.Warn("failed to close application", zap.Error(cerr))
		}
	}()

	report, runErr := a.Run(cmd.Context())
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session report: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if runErr != nil {
		return fmt.Errorf("crawl session failed: %w", runErr)
	}
	return nil
}
