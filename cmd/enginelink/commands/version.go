package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/openfroyo/enginelink/pkg/connection"
	"github.com/openfroyo/enginelink/pkg/engine"
)

type versionInfo struct {
	CLI        string `json:"cli"`
	Client     string `json:"client"`
	Engine     string `json:"engine"`
	Endpoint   string `json:"endpoint"`
	Compatible bool   `json:"compatible"`
}

func newVersionCommand(cliVersion string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Connect to the engine and print its version",
		Long: `Provision or discover an engine session, connect to it and print the
client and engine versions.`,
		Example: `  # Print versions using the ambient session or a new one
  enginelink version

  # Use a dedicated connection and machine-readable output
  enginelink version --isolated --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			cleanupCtx := context.WithoutCancel(ctx)
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, a.close(cleanupCtx)) }()
			ctx = a.tel.WithContext(ctx)

			h, err := engine.Connect(ctx, a.cfg, engine.WithOptions(a.engineOptions()))
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, h.Close(cleanupCtx)) }()

			engineVersion, err := h.Client.Version(ctx)
			if err != nil {
				return fmt.Errorf("failed to query engine version: %w", err)
			}

			info := versionInfo{
				CLI:        cliVersion,
				Client:     connection.ClientVersion,
				Engine:     engineVersion,
				Endpoint:   h.Engine.Params().Endpoint(),
				Compatible: engine.Compatible(engineVersion, connection.ClientVersion),
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), info)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cli:      %s\n", info.CLI)
			fmt.Fprintf(out, "client:   %s\n", info.Client)
			fmt.Fprintf(out, "engine:   %s\n", info.Engine)
			fmt.Fprintf(out, "endpoint: %s\n", info.Endpoint)
			if !info.Compatible {
				fmt.Fprintln(out, "warning:  engine and client versions differ")
			}
			return nil
		},
	}
}
