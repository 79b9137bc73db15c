package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.uber.org/multierr"

	"github.com/openfroyo/enginelink/pkg/telemetry"
)

// RemoteHost is a machine the engine can be uploaded to and started on.
type RemoteHost interface {
	Name() string
	UploadFile(ctx context.Context, localPath, remotePath string, mode uint32) error
	RemoveFile(ctx context.Context, remotePath string) error
	StartProcess(ctx context.Context, command string) (RemoteProcess, error)
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// RemoteProcess is a command running on a RemoteHost.
type RemoteProcess interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Wait() error
	Close() error
}

// DefaultRemoteDir is where engine binaries are uploaded.
const DefaultRemoteDir = "/tmp/enginelink"

// RemoteLauncher uploads the engine to a remote host and runs it there. The
// returned session dials its endpoint through the host.
type RemoteLauncher struct {
	Host RemoteHost

	// RemoteDir defaults to DefaultRemoteDir.
	RemoteDir string

	// KeepBinary leaves the uploaded engine in place after shutdown.
	KeepBinary bool
}

// Start implements Launcher.
func (l *RemoteLauncher) Start(ctx context.Context, opts LaunchOptions, binPath string) (sess *Session, err error) {
	ctx, span := otel.Tracer("enginelink/session").Start(ctx, "session.launch")
	span.SetAttributes(
		telemetry.AttrLauncher.String("remote"),
		telemetry.AttrBinary.String(binPath),
	)
	defer func() { telemetry.End(span, err) }()

	launchErr := func(err error) error {
		return &LaunchError{Launcher: "remote", Binary: binPath, Err: err}
	}

	dir := l.RemoteDir
	if dir == "" {
		dir = DefaultRemoteDir
	}
	id := uuid.New().String()
	remotePath := path.Join(dir, "engine-"+id[:8])

	if err := l.Host.UploadFile(ctx, binPath, remotePath, 0o755); err != nil {
		return nil, launchErr(fmt.Errorf("failed to upload engine to %s: %w", l.Host.Name(), err))
	}

	cleanup := func(ctx context.Context) error {
		if l.KeepBinary {
			return nil
		}
		return l.Host.RemoveFile(ctx, remotePath)
	}

	cmdline := shellJoin(append([]string{remotePath}, opts.Args()...))
	proc, err := l.Host.StartProcess(ctx, cmdline)
	if err != nil {
		return nil, launchErr(multierr.Append(err, cleanup(ctx)))
	}

	ready, err := waitReady(ctx, proc.Stdout(), opts.startupTimeout())
	if err != nil {
		return nil, launchErr(multierr.Combine(err, proc.Close(), cleanup(ctx)))
	}

	params := paramsFromReady(ready, opts.Labels)
	log.Info().
		Str("host", l.Host.Name()).
		Str("session_id", id).
		Str("endpoint", params.Endpoint()).
		Str("version", ready.Version).
		Msg("Remote engine session ready")

	grace := opts.shutdownTimeout()
	s := New(id, params, func(ctx context.Context) error {
		return multierr.Append(stopRemote(ctx, proc, grace), cleanup(ctx))
	})
	s.Version = ready.Version
	s.PID = ready.PID
	s.Launcher = "remote"
	s.Binary = binPath
	s.Dial = l.Host.DialContext
	return s, nil
}

func stopRemote(ctx context.Context, proc RemoteProcess, grace time.Duration) error {
	_ = proc.Stdin().Close()

	exited := make(chan error, 1)
	go func() { exited <- proc.Wait() }()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-exited:
		return multierr.Append(err, proc.Close())
	case <-timer.C:
	case <-ctx.Done():
	}
	if err := proc.Close(); err != nil {
		return err
	}
	return fmt.Errorf("remote engine did not exit within %s", grace)
}

// shellJoin quotes args for a POSIX shell.
func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a != "" && strings.IndexFunc(a, needsQuote) < 0 {
			quoted[i] = a
			continue
		}
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("-_./:=@,+", r):
		return false
	}
	return true
}
