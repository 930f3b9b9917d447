package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newScrapeCmd creates the 'scrape' subcommand, which runs the orchestrator
// over the stored taxonomy.
func newScrapeCmd() *cobra.Command {
	var clusters []string
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Scrapes every pending occupation",
		Long: `Starts the session pool and scrapes each occupation whose output does not
exist yet. Clusters default to taxonomy.clusters, or every stored cluster when
that is empty. Run 'discover' first to populate the taxonomy.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScrape(cmd, clusters)
		},
	}
	cmd.Flags().StringSliceVar(&clusters, "cluster", nil, "cluster to scrape (repeatable)")
	return cmd
}

func runScrape(cmd *cobra.Command, clusters []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if len(clusters) == 0 {
		clusters = a.Config.Taxonomy.Clusters
	}
	ctx := cmd.Context()

	pool, err := a.NewPool(ctx)
	if err != nil {
		return err
	}
	runner, err := a.NewRunner(pool)
	if err != nil {
		pool.Close()
		return err
	}
	orch, err := a.NewOrchestrator(runner, pool)
	if err != nil {
		pool.Close()
		return err
	}

	if server := a.NewServer(orch); server != nil {
		serverCtx, stopServer := context.WithCancel(ctx)
		defer stopServer()
		go func() {
			if serr := server.ListenAndServe(serverCtx); serr != nil {
				a.Logger.Error("status server stopped", zap.Error(serr))
			}
		}()
	}

	report, err := orch.Run(ctx, clusters...)
	if err != nil {
		return fmt.Errorf("scrape: %w", err)
	}

	a.Logger.Info("scrape finished",
		zap.Int("submitted", report.Submitted),
		zap.Int("skipped", report.Skipped),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("records", report.Records),
		zap.Duration("duration", report.Duration),
	)
	for _, f := range report.Failures {
		a.Logger.Warn("occupation failed",
			zap.String("occupation", f.Task.Occupation),
			zap.String("key", f.Task.Key()),
			zap.Int("collected", f.Collected),
			zap.Error(f.Err),
		)
	}
	for _, ce := range report.ClusterErrors {
		a.Logger.Warn("cluster incomplete", zap.String("cluster", ce.Cluster), zap.Error(ce.Err))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "submitted=%d skipped=%d succeeded=%d failed=%d records=%d\n",
		report.Submitted, report.Skipped, report.Succeeded, report.Failed, report.Records)

	if report.Failed > 0 || len(report.ClusterErrors) > 0 {
		return errors.New("scrape finished with failures; rerun to resume the remaining occupations")
	}
	return nil
}
