package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/resume-corpus-crawler/internal/taxonomy"
)

// newTasksCmd creates the 'tasks' subcommand: a dry run listing what scrape
// would submit.
func newTasksCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Lists occupations and whether their output already exists",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTasks(cmd, all)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include occupations that are already done")
	return cmd
}

func runTasks(cmd *cobra.Command, all bool) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	provider := a.Taxonomy()

	clusters := a.Config.Taxonomy.Clusters
	if len(clusters) == 0 {
		if clusters, err = provider.Clusters(ctx); err != nil {
			return fmt.Errorf("list clusters: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	pending := 0
	for _, cluster := range clusters {
		tasks, err := taxonomy.Tasks(ctx, provider, cluster)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			key := task.Key()
			done, err := a.Output.Exists(ctx, key)
			if err != nil {
				return fmt.Errorf("check %s: %w", key, err)
			}
			if !done {
				pending++
				fmt.Fprintf(out, "pending\t%s\n", key)
			} else if all {
				fmt.Fprintf(out, "done\t%s\n", key)
			}
		}
	}
	fmt.Fprintf(out, "%d pending\n", pending)
	return nil
}
