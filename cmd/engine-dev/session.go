package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/enginelink/pkg/protocol"
	"github.com/openfroyo/enginelink/pkg/server"
	"github.com/openfroyo/enginelink/pkg/session"
)

var errStdinClosed = errors.New("stdin_closed")

func newRootCommand(version string) *cobra.Command {
	root := &cobra.Command{
		Use:           "engine-dev",
		Short:         "Minimal development engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newSessionCommand(version))
	return root
}

func newSessionCommand(version string) *cobra.Command {
	var (
		labels  []string
		workdir string
		listen  string
	)

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Serve one engine session",
		Long: `Listen for client connections, announce the session with a READY line on
stdout and serve it until stdin is closed.

The READY line carries the port and a fresh session token. Clients must
present the token in their HELLO.`,
		Example: `  # Serve on a random local port
  engine-dev session

  # Attach labels and a working directory
  engine-dev session --label team:infra --workdir /src`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := session.ParseLabels(labels)
			if err != nil {
				return err
			}
			if workdir != "" {
				if err := os.Chdir(workdir); err != nil {
					return fmt.Errorf("failed to enter workdir: %w", err)
				}
			}
			return serveSession(cmd.Context(), sessionOptions{
				Version: version,
				Listen:  listen,
				Labels:  parsed,
				Stdin:   cmd.InOrStdin(),
				Stdout:  cmd.OutOrStdout(),
			})
		},
	}

	cmd.Flags().StringSliceVar(&labels, "label", nil, "session labels (key:value)")
	cmd.Flags().StringVar(&workdir, "workdir", "", "working directory for the session")
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:0", "address to listen on")

	return cmd
}

type sessionOptions struct {
	Version string
	Listen  string
	Labels  map[string]string
	Stdin   io.Reader
	Stdout  io.Writer
}

func serveSession(ctx context.Context, opts sessionOptions) error {
	ln, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	host := addr.IP.String()
	if addr.IP.IsUnspecified() {
		host = ""
	}

	token := uuid.New().String()
	sessionID := uuid.New().String()
	srv := server.New(server.Config{Token: token, Version: opts.Version, SessionID: sessionID})

	enc := protocol.NewEncoder(opts.Stdout)
	if err := enc.EncodeReady(&protocol.ReadyMessage{
		Version:      opts.Version,
		Host:         host,
		Port:         addr.Port,
		SessionToken: token,
		PID:          os.Getpid(),
		Labels:       opts.Labels,
	}); err != nil {
		ln.Close()
		return fmt.Errorf("failed to announce session: %w", err)
	}

	log.Info().
		Str("session_id", sessionID).
		Str("addr", addr.String()).
		Msg("Engine session ready")

	serveCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	go func() {
		_, _ = io.Copy(io.Discard, opts.Stdin)
		cancel(errStdinClosed)
	}()

	serveErr := srv.Serve(serveCtx, ln)

	exit := &protocol.ExitMessage{
		Reason: "completed",
		Served: int(srv.Served()),
	}
	switch {
	case ctx.Err() != nil:
		exit.Reason = "signal"
	case errors.Is(context.Cause(serveCtx), errStdinClosed):
		exit.Reason = errStdinClosed.Error()
	}
	if serveErr != nil {
		exit.Reason = "error"
		exit.ExitCode = 1
	}
	if err := enc.EncodeExit(exit); err != nil {
		log.Debug().Err(err).Msg("Failed to report exit")
	}

	log.Info().Str("reason", exit.Reason).Int("served", exit.Served).Msg("Engine session stopped")
	return serveErr
}
