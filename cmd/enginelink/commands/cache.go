package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/openfroyo/enginelink/pkg/download"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the engine binary cache",
	}

	cmd.AddCommand(newCacheListCommand())
	cmd.AddCommand(newCachePruneCommand())

	return cmd
}

func (a *app) downloader() *download.Downloader {
	opts := download.Options{
		CacheDir:    a.cfg.Cache.Dir,
		Version:     a.cfg.Engine.Version,
		ManifestURL: a.cfg.Engine.ManifestURL,
		Metrics:     a.tel.Metrics,
	}
	if a.store != nil {
		opts.Index = a.store
	}
	return download.New(opts)
}

func newCacheListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached engine binaries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			cleanupCtx := context.WithoutCancel(ctx)
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, a.close(cleanupCtx)) }()

			entries, err := a.downloader().List(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), entries)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tPLATFORM\tSIZE\tPATH\t")
			for _, e := range entries {
				marker := ""
				if e.Current {
					marker = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", e.Version, e.Platform, e.Size, e.Path, marker)
			}
			return w.Flush()
		},
	}
}

func newCachePruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove cached engines other than the configured version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			cleanupCtx := context.WithoutCancel(ctx)
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, a.close(cleanupCtx)) }()

			removed, err := a.downloader().Prune(ctx)
			if jsonOutput {
				return multierr.Append(err, printJSON(cmd.OutOrStdout(), removed))
			}
			for _, e := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s (%s)\n", e.Version, e.Platform)
			}
			if len(removed) == 0 && err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to prune")
			}
			return err
		},
	}
}
