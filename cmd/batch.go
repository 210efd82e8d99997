package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"forumharvest/internal/batch"
)

// planFile is the on-disk shape of a batch plan. The config section is
// optional; flags override it.
type planFile struct {
	Config     batch.Config      `json:"config"`
	Operations []batch.Operation `json:"operations"`
}

func newBatchCmd() *cobra.Command {
	var (
		planPath        string
		dryRun          bool
		parallel        bool
		continueOnError bool
		maxConcurrency  int
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Execute a batch plan of operations",
		Long: `Reads a JSON plan of scrape, export, purge, and admin operations and
executes it. The report is printed to stdout and persisted through the
configured blob provider.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			data, err := os.ReadFile(planPath)
			if err != nil {
				return fmt.Errorf("read plan: %w", err)
			}
			var plan planFile
			if err := json.Unmarshal(data, &plan); err != nil {
				return fmt.Errorf("parse plan: %w", err)
			}
			if len(plan.Operations) == 0 {
				return fmt.Errorf("plan contains no operations")
			}

			cfg := plan.Config
			if cmd.Flags().Changed("dry-run") {
				cfg.DryRun = dryRun
			}
			if cmd.Flags().Changed("parallel") {
				cfg.Parallel = parallel
			}
			if cmd.Flags().Changed("continue-on-error") {
				cfg.ContinueOnError = continueOnError
			}
			if cmd.Flags().Changed("max-concurrency") {
				cfg.MaxConcurrency = maxConcurrency
			}
			if cfg.MaxConcurrency <= 0 {
				cfg.MaxConcurrency = a.Cfg.Batch.MaxConcurrency
			}

			report := a.Processor.Execute(cmd.Context(), cfg, plan.Operations)

			if !cfg.DryRun {
				if uri, err := a.Reports.Write(cmd.Context(), report); err != nil {
					a.Logger.Warn("batch report write failed", zap.Error(err))
				} else {
					a.Logger.Info("batch report stored", zap.String("uri", uri))
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("encode report: %w", err)
			}
			if report.Summary.Failed > 0 {
				return fmt.Errorf("%d of %d operations failed", report.Summary.Failed, report.Summary.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&planPath, "file", "", "path to the JSON batch plan")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and report without executing")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "execute in concurrency-bounded chunks")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "keep executing after a failed operation")
	cmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "operations per parallel chunk")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
