// cmd/report.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/internal/config"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/observability"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/results"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/store"
)

func newReportCmd() *cobra.Command {
	var runID string

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize the interception events of a persisted run",
		Long:  `Loads the events of a run from the configured store, normalizes and categorizes them, and prints a JSON report.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return fmt.Errorf("a run-id must be provided")
			}

			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := config.Get()

			repo, err := store.Open(ctx, cfg.Store, logger)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			if repo == nil {
				return fmt.Errorf("no store configured (set store.driver to sqlite or postgres)")
			}
			defer repo.Close()

			pipeline := results.NewPipeline(repo, results.PipelineConfig{Describer: scriptlet.NewRegistry()}, logger)
			report, err := pipeline.ProcessRunResults(ctx, runID)
			if err != nil {
				logger.Error("Failed to process results", zap.Error(err), zap.String("run_id", runID))
				return err
			}

			reportJSON, err := report.ToJSON()
			if err != nil {
				return fmt.Errorf("failed to serialize report to JSON: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(reportJSON))
			return nil
		},
	}

	reportCmd.Flags().StringVar(&runID, "run-id", "", "The ID of the run to report on (required)")
	_ = reportCmd.MarkFlagRequired("run-id")

	return reportCmd
}
