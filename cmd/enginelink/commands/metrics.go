package commands

import (
	"context"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/openfroyo/enginelink/pkg/config"
	"github.com/openfroyo/enginelink/pkg/engine"
)

func newMetricsCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Hold an engine session and serve Prometheus metrics",
		Long: `Connect to the engine and keep the connection open while serving
Prometheus metrics, until interrupted.`,
		Example: `  enginelink metrics --listen 127.0.0.1:9464`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			cleanupCtx := context.WithoutCancel(ctx)
			a, err := setup(cmd, func(cfg *config.Config) {
				cfg.Telemetry.Metrics.Enabled = true
				if listen != "" {
					cfg.Telemetry.Metrics.ListenAddress = listen
				}
			})
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

			log.Info().Str("endpoint", h.Engine.Params().Endpoint()).Msg("Holding engine session")
			return a.tel.Metrics.Serve(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "metrics listen address (default from config)")

	return cmd
}
