package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/enginelink/pkg/telemetry"
)

// killGrace is how long a terminated engine gets before it is killed.
const killGrace = 5 * time.Second

// ExecLauncher runs the engine as a local subprocess. The engine reads
// stdin and exits when it is closed, so the session lives exactly as long as
// the parent holds the pipe open.
type ExecLauncher struct {
	// Env is appended to the parent environment.
	Env []string
}

// Start implements Launcher.
func (l *ExecLauncher) Start(ctx context.Context, opts LaunchOptions, binPath string) (sess *Session, err error) {
	ctx, span := otel.Tracer("enginelink/session").Start(ctx, "session.launch")
	span.SetAttributes(
		telemetry.AttrLauncher.String("exec"),
		telemetry.AttrBinary.String(binPath),
	)
	defer func() { telemetry.End(span, err) }()

	launchErr := func(err error) error {
		return &LaunchError{Launcher: "exec", Binary: binPath, Err: err}
	}

	// The session must outlive ctx, so the command is not bound to it.
	cmd := exec.Command(binPath, opts.Args()...)
	cmd.Env = append(os.Environ(), l.Env...)
	if opts.Workdir != "" {
		cmd.Dir = opts.Workdir
	}
	cmd.Stderr = opts.logOutput()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, launchErr(fmt.Errorf("failed to create stdin pipe: %w", err))
	}
	stdoutR, stdoutW := io.Pipe()
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		_ = stdoutW.Close()
		return nil, launchErr(err)
	}

	exited := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = stdoutW.Close()
		exited <- err
	}()

	logger := telemetry.Component(ctx, "session").With().Str("binary", binPath).Int("pid", cmd.Process.Pid).Logger()
	logger.Debug().Strs("args", opts.Args()).Msg("Engine process started")

	ready, err := waitReady(ctx, stdoutR, opts.startupTimeout())
	if err != nil {
		_ = cmd.Process.Kill()
		<-exited
		return nil, launchErr(err)
	}

	id := uuid.New().String()
	params := paramsFromReady(ready, opts.Labels)
	span.SetAttributes(attribute.String("session.endpoint", params.Endpoint()))

	logger.Info().
		Str("session_id", id).
		Str("endpoint", params.Endpoint()).
		Str("version", ready.Version).
		Msg("Engine session ready")

	grace := opts.shutdownTimeout()
	s := New(id, params, func(ctx context.Context) error {
		return stopProcess(ctx, cmd.Process, stdin, exited, grace)
	})
	s.Version = ready.Version
	s.PID = cmd.Process.Pid
	s.Launcher = "exec"
	s.Binary = binPath
	return s, nil
}

// stopProcess closes stdin and waits for a graceful exit, escalating to
// SIGTERM and then SIGKILL.
func stopProcess(ctx context.Context, proc *os.Process, stdin io.Closer, exited <-chan error, grace time.Duration) error {
	_ = stdin.Close()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-exited:
		return exitResult(err)
	case <-timer.C:
	case <-ctx.Done():
	}

	log.Debug().Int("pid", proc.Pid).Msg("Engine did not exit after stdin closed, terminating")
	if err := proc.Signal(syscall.SIGTERM); err == nil {
		select {
		case err := <-exited:
			return exitResult(err)
		case <-time.After(killGrace):
		}
	}

	_ = proc.Kill()
	<-exited
	return fmt.Errorf("engine process %d did not exit within %s and was killed", proc.Pid, grace)
}

func exitResult(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("engine exited with code %d", exitErr.ExitCode())
	}
	return err
}
