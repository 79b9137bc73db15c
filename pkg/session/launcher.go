package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/openfroyo/enginelink/pkg/protocol"
)

// Default launch timeouts.
const (
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Launcher starts an engine session from a binary.
type Launcher interface {
	Start(ctx context.Context, opts LaunchOptions, binPath string) (*Session, error)
}

// LaunchOptions configure a single launch.
type LaunchOptions struct {
	// Workdir is passed to the engine as its working directory.
	Workdir string

	// Labels are attached to the session.
	Labels map[string]string

	// StartupTimeout bounds the wait for the READY announcement.
	StartupTimeout time.Duration

	// ShutdownTimeout bounds the graceful stop before the engine is killed.
	ShutdownTimeout time.Duration

	// LogOutput receives the engine's stderr. Nil discards it.
	LogOutput io.Writer
}

func (o LaunchOptions) startupTimeout() time.Duration {
	if o.StartupTimeout > 0 {
		return o.StartupTimeout
	}
	return DefaultStartupTimeout
}

func (o LaunchOptions) shutdownTimeout() time.Duration {
	if o.ShutdownTimeout > 0 {
		return o.ShutdownTimeout
	}
	return DefaultShutdownTimeout
}

func (o LaunchOptions) logOutput() io.Writer {
	if o.LogOutput != nil {
		return o.LogOutput
	}
	return io.Discard
}

// Args returns the engine command line arguments for these options.
func (o LaunchOptions) Args() []string {
	args := []string{"session"}
	for _, l := range FormatLabels(o.Labels) {
		args = append(args, "--label", l)
	}
	if o.Workdir != "" {
		args = append(args, "--workdir", o.Workdir)
	}
	return args
}

// DialFunc opens a raw connection to a session endpoint.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Session is a launched engine. Shutdown must be called exactly once to stop
// it; further calls return the first result.
type Session struct {
	ID       string
	Params   ConnectParams
	Version  string
	PID      int
	Launcher string
	Binary   string

	// Dial reaches the endpoint. Nil means a direct TCP dial.
	Dial DialFunc

	shutdown func(ctx context.Context) error
	once     sync.Once
	err      error
}

// New builds a session around a shutdown hook.
func New(id string, params ConnectParams, shutdown func(ctx context.Context) error) *Session {
	return &Session{ID: id, Params: params, shutdown: shutdown}
}

// Shutdown stops the engine.
func (s *Session) Shutdown(ctx context.Context) error {
	s.once.Do(func() {
		if s.shutdown != nil {
			s.err = s.shutdown(ctx)
		}
	})
	return s.err
}

// LaunchError reports a failure to bring up an engine session.
type LaunchError struct {
	Launcher string
	Binary   string
	Err      error
}

// Error implements the error interface.
func (e *LaunchError) Error() string {
	return fmt.Sprintf("%s launch of %s failed: %v", e.Launcher, e.Binary, e.Err)
}

// Unwrap returns the underlying error.
func (e *LaunchError) Unwrap() error {
	return e.Err
}

// waitReady reads the READY announcement from stdout. The read runs in a
// goroutine so that the wait honours ctx and timeout even when the engine
// writes nothing.
func waitReady(ctx context.Context, stdout io.Reader, timeout time.Duration) (*protocol.ReadyMessage, error) {
	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		ready *protocol.ReadyMessage
		err   error
	}
	resCh := make(chan result, 1)

	go func() {
		dec := protocol.NewDecoder(stdout)
		ready, err := dec.DecodeReady()
		resCh <- result{ready: ready, err: err}
		if err == nil {
			// keep the pipe drained so the engine never blocks on stdout
			_, _ = io.Copy(io.Discard, stdout)
		}
	}()

	select {
	case <-readyCtx.Done():
		return nil, fmt.Errorf("timed out waiting for engine to become ready: %w", readyCtx.Err())
	case res := <-resCh:
		if res.err == io.EOF {
			return nil, fmt.Errorf("engine exited before announcing readiness")
		}
		if res.err != nil {
			return nil, fmt.Errorf("failed to read ready message: %w", res.err)
		}
		return res.ready, nil
	}
}

func paramsFromReady(ready *protocol.ReadyMessage, labels map[string]string) ConnectParams {
	host := ready.Host
	if host == "" {
		host = DefaultHost
	}
	merged := make(map[string]string, len(labels)+len(ready.Labels))
	for k, v := range labels {
		merged[k] = v
	}
	for k, v := range ready.Labels {
		merged[k] = v
	}
	return NewConnectParams(net.JoinHostPort(host, strconv.Itoa(ready.Port)), ready.SessionToken, merged)
}
