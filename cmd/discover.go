package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newDiscoverCmd creates the 'discover' subcommand, which walks the career
// directory with one browser session and saves the taxonomy.
func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Discovers and stores the occupation taxonomy",
		RunE:  runDiscover,
	}
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	sess, err := a.NewSession(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			a.Logger.Warn("session close failed", zap.Error(cerr))
		}
	}()

	hierarchies, err := a.NewDiscoverer(sess).Discover(cmd.Context())
	if err != nil {
		return fmt.Errorf("discover taxonomy: %w", err)
	}
	out := cmd.OutOrStdout()
	for _, h := range hierarchies {
		occupations := 0
		for _, list := range h.Pathways {
			occupations += len(list)
		}
		fmt.Fprintf(out, "%s\t%d pathways\t%d occupations\n", h.Cluster, len(h.Pathways), occupations)
	}
	return nil
}
