package commands

import (
	"context"
	"os"
	"os/exec"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/openfroyo/enginelink/pkg/engine"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run -- <command> [args...]",
		Short: "Run a command inside an engine session",
		Long: `Provision an engine session and run a command with the session exported
through ENGINE_SESSION_HOST, ENGINE_SESSION_PORT and ENGINE_SESSION_TOKEN.

The command sees the session as ambient, so clients it starts connect to
it instead of launching their own. The session stops when the command
exits.`,
		Example: `  # Run a test suite against one shared engine
  enginelink run -- go test ./...

  # Start the engine in a specific directory
  enginelink run --workdir ./src -- make build`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			cleanupCtx := context.WithoutCancel(ctx)
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, a.close(cleanupCtx)) }()
			ctx = a.tel.WithContext(ctx)

			e := engine.New(a.cfg, a.engineOptions())
			if err := e.Provision(ctx); err != nil {
				return e.CloseWithCause(cleanupCtx, err)
			}

			params := e.Params()
			log.Info().
				Str("endpoint", params.Endpoint()).
				Strs("command", args).
				Msg("Running command in engine session")

			child := exec.CommandContext(ctx, args[0], args[1:]...)
			child.Env = append(os.Environ(), params.Environ()...)
			child.Stdin = cmd.InOrStdin()
			child.Stdout = cmd.OutOrStdout()
			child.Stderr = cmd.ErrOrStderr()

			runErr := child.Run()
			if runErr != nil {
				return e.CloseWithCause(cleanupCtx, runErr)
			}
			return e.Close(cleanupCtx)
		},
	}

	cmd.Flags().SetInterspersed(false)

	return cmd
}
