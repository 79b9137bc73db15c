package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"golang.org/x/mod/semver"

	"github.com/openfroyo/enginelink/pkg/config"
	"github.com/openfroyo/enginelink/pkg/connection"
	"github.com/openfroyo/enginelink/pkg/download"
	"github.com/openfroyo/enginelink/pkg/progress"
	"github.com/openfroyo/enginelink/pkg/session"
	"github.com/openfroyo/enginelink/pkg/stores"
	"github.com/openfroyo/enginelink/pkg/teardown"
	"github.com/openfroyo/enginelink/pkg/telemetry"
	"github.com/openfroyo/enginelink/pkg/transports/ssh"
)

// EnvCLIBin overrides binary resolution with a local engine path.
const EnvCLIBin = "_EXPERIMENTAL_ENGINE_CLI_BIN"

// Downloader resolves a runnable engine binary.
type Downloader interface {
	Resolve(ctx context.Context) (string, error)
}

// Ledger records launched sessions.
type Ledger interface {
	RecordSession(ctx context.Context, sess *stores.Session) error
	FinishSession(ctx context.Context, id string, cause error) error
}

// Options wire an Engine to its collaborators. Every field is optional.
type Options struct {
	// Probe defaults to an EnvProbe using LookupEnv.
	Probe session.Probe

	// Downloader defaults to a download.Downloader built from the config.
	Downloader Downloader

	// BinaryIndex is handed to the default Downloader.
	BinaryIndex download.Index

	// Launcher defaults to a local ExecLauncher, or a RemoteLauncher over
	// SSH when remote execution is enabled.
	Launcher session.Launcher

	Progress progress.Sink
	Ledger   Ledger
	Metrics  *telemetry.Metrics
	Events   *telemetry.EventPublisher

	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)

	// LogOutput receives engine output. When nil the config's LogOutput is
	// opened.
	LogOutput io.Writer
}

// Engine provisions an engine session and hands out connections to it.
// Everything it acquires is pushed onto a teardown stack that Close unwinds.
type Engine struct {
	cfg   *config.Config
	opts  Options
	stack *teardown.Stack

	mu      sync.Mutex
	state   State
	params  session.ConnectParams
	connCfg connection.Config
	session *session.Session
}

// New returns an unprovisioned Engine.
func New(cfg *config.Config, opts Options) *Engine {
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	if opts.Probe == nil {
		opts.Probe = session.EnvProbe{LookupEnv: opts.LookupEnv}
	}
	if opts.Progress == nil {
		opts.Progress = progress.Nop{}
	}
	if opts.Downloader == nil {
		platform := ""
		if cfg.Remote.Enabled {
			platform = cfg.Remote.Platform
		}
		opts.Downloader = download.New(download.Options{
			CacheDir:    cfg.Cache.Dir,
			Version:     cfg.Engine.Version,
			ManifestURL: cfg.Engine.ManifestURL,
			Platform:    platform,
			Index:       opts.BinaryIndex,
			Progress:    opts.Progress,
			Metrics:     opts.Metrics,
		})
	}
	return &Engine{
		cfg:   cfg,
		opts:  opts,
		stack: teardown.New(),
		state: StateNotStarted,
	}
}

// State returns the provisioning state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Params returns the session parameters. They are zero until provisioned.
func (e *Engine) Params() session.ConnectParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// Session returns the launched session, or nil when the session is ambient.
func (e *Engine) Session() *session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Provision discovers an ambient session or launches a new one. Calling it
// on a provisioned Engine is a no-op.
func (e *Engine) Provision(ctx context.Context) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateProvisioned {
		return nil
	}

	ctx, span := otel.Tracer("enginelink/engine").Start(ctx, "engine.provision")
	timer := telemetry.NewTimer()
	started := false
	defer func() {
		result := "success"
		if err != nil {
			result = "failure"
			e.state = StateFailed
			if started {
				e.opts.Progress.Stop(ctx)
			}
		}
		e.opts.Metrics.RecordProvision(result, timer.Duration())
		telemetry.End(span, err)
	}()

	params, ambient, err := e.opts.Probe.Probe()
	if err != nil {
		return &ProvisionError{Kind: KindEnvironment, Op: "probe", Message: "ambient engine session is unusable", Err: err}
	}

	if ambient {
		if e.cfg.Workdir != "" {
			return &ProvisionError{
				Kind:    KindConfigConflict,
				Op:      "probe",
				Message: "cannot use a workdir override inside an existing engine session",
			}
		}
		telemetry.Component(ctx, "engine").Debug().Str("endpoint", params.Endpoint()).Msg("Using ambient engine session")
	} else {
		e.state = StateProvisioning
		e.opts.Progress.Start(ctx, progress.PhaseProvisioning)
		started = true

		bin, err := e.GetCLI(ctx)
		if err != nil {
			return err
		}

		e.opts.Progress.Update(ctx, progress.PhaseCreating)
		sess, err := e.launch(ctx, bin)
		if err != nil {
			return err
		}
		e.session = sess
		params = sess.Params
	}

	span.SetAttributes(telemetry.AttrEndpoint.String(params.Endpoint()))

	var netDial session.DialFunc
	if e.session != nil {
		netDial = e.session.Dial
	}
	e.params = params
	e.connCfg = connection.Config{
		Timeout: e.cfg.Connect.Timeout,
		Retry:   e.cfg.Connect.Policy(),
		Dialer:  &connection.WSDialer{NetDial: netDial},
		Metrics: e.opts.Metrics,
	}
	e.state = StateProvisioned
	return nil
}

// GetCLI returns the engine binary path, honouring the EnvCLIBin override.
func (e *Engine) GetCLI(ctx context.Context) (path string, err error) {
	ctx, span := otel.Tracer("enginelink/engine").Start(ctx, "engine.resolve_binary")
	defer func() { telemetry.End(span, err) }()

	if bin, ok := e.opts.LookupEnv(EnvCLIBin); ok && bin != "" {
		telemetry.Component(ctx, "engine").Debug().Str("path", bin).Msg("Using engine binary override")
		e.opts.Metrics.RecordBinaryResolution("override")
		span.SetAttributes(telemetry.AttrBinary.String(bin))
		return bin, nil
	}

	path, err = e.opts.Downloader.Resolve(ctx)
	if err != nil {
		return "", &ProvisionError{Kind: KindDownload, Op: "resolve_binary", Message: "failed to obtain engine binary", Err: err}
	}
	span.SetAttributes(telemetry.AttrBinary.String(path))
	return path, nil
}

func (e *Engine) launch(ctx context.Context, bin string) (*session.Session, error) {
	launchErr := func(err error) error {
		return &ProvisionError{Kind: KindLaunch, Op: "launch", Message: "failed to start engine session", Err: err}
	}

	launcher, err := e.launcher(ctx)
	if err != nil {
		return nil, launchErr(err)
	}

	logOutput := e.opts.LogOutput
	if logOutput == nil && e.cfg.LogOutput != "" {
		w, err := telemetry.OpenOutput(e.cfg.LogOutput)
		if err != nil {
			return nil, launchErr(err)
		}
		if c, ok := w.(io.Closer); ok && w != os.Stdout && w != os.Stderr {
			e.stack.Push("close engine log", func(context.Context) error { return c.Close() })
		}
		logOutput = w
	}

	sess, err := launcher.Start(ctx, session.LaunchOptions{
		Workdir:         e.cfg.Workdir,
		Labels:          e.cfg.Labels,
		StartupTimeout:  e.cfg.Engine.StartupTimeout,
		ShutdownTimeout: e.cfg.Engine.ShutdownTimeout,
		LogOutput:       logOutput,
	}, bin)
	if err != nil {
		return nil, launchErr(err)
	}

	sessLog := telemetry.FromContext(ctx).
		NewComponentLogger("engine").
		WithSession(sess.ID, sess.Params.Endpoint()).
		Zerolog()
	sessLog.Debug().Str("launcher", sess.Launcher).Msg("Engine session launched")

	e.stack.Push("shutdown engine session", func(ctx context.Context) error {
		err := sess.Shutdown(ctx)
		if e.opts.Ledger != nil {
			if lerr := e.opts.Ledger.FinishSession(ctx, sess.ID, err); lerr != nil {
				sessLog.Warn().Err(lerr).Msg("Failed to record session stop")
			}
		}
		_ = e.opts.Events.PublishSessionStopped(sess.ID, err)
		return err
	})

	e.opts.Metrics.RecordSessionLaunched(sess.Launcher)
	_ = e.opts.Events.PublishSessionLaunched(sess.ID, sess.Params.Endpoint(), sess.Launcher)
	if e.opts.Ledger != nil {
		if err := e.opts.Ledger.RecordSession(ctx, &stores.Session{
			ID:         sess.ID,
			Endpoint:   sess.Params.Endpoint(),
			Launcher:   sess.Launcher,
			BinaryPath: sess.Binary,
			Version:    sess.Version,
			PID:        sess.PID,
			Labels:     sess.Params.Labels(),
		}); err != nil {
			sessLog.Warn().Err(err).Msg("Failed to record session")
		}
	}
	return sess, nil
}

func (e *Engine) launcher(ctx context.Context) (session.Launcher, error) {
	if e.opts.Launcher != nil {
		return e.opts.Launcher, nil
	}
	if !e.cfg.Remote.Enabled {
		return &session.ExecLauncher{}, nil
	}

	client, err := ssh.NewSSHClient(&e.cfg.Remote.SSH)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	e.stack.Push("disconnect ssh", func(context.Context) error { return client.Disconnect() })

	return &session.RemoteLauncher{
		Host:       ssh.NewHost(client),
		RemoteDir:  e.cfg.Remote.Dir,
		KeepBinary: e.cfg.Remote.KeepBinary,
	}, nil
}

// SharedConnection returns a lease on the process-wide shared connection
// for this Engine's session. The session is bound to the shared connection
// when the lease connects, in the same step as taking the reference.
func (e *Engine) SharedConnection() (*connection.SharedLease, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateProvisioned {
		return nil, ErrNotProvisioned
	}
	return connection.Shared().Lease(e.params, e.connCfg), nil
}

// IsolatedConnection returns a new connection owned by the caller.
func (e *Engine) IsolatedConnection() (*connection.IsolatedConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateProvisioned {
		return nil, ErrNotProvisioned
	}
	return connection.NewIsolated(e.params, e.connCfg), nil
}

// SetupClient connects conn and registers its teardown. The returned
// transport has passed through Verify.
func (e *Engine) SetupClient(ctx context.Context, conn connection.Connection) (connection.Transport, error) {
	return e.setupClient(ctx, conn, e.stack)
}

// setupClient registers the disconnect on stack, which is the Engine's own
// or a Handle's.
func (e *Engine) setupClient(ctx context.Context, conn connection.Connection, stack *teardown.Stack) (connection.Transport, error) {
	e.opts.Progress.Update(ctx, progress.PhaseEstablishing)

	client, err := conn.Connect(ctx)
	if err != nil {
		return nil, err
	}
	stack.Push("close engine connection", conn.Close)
	stack.PushFunc("report disconnect", func() {
		e.opts.Progress.Update(context.Background(), progress.PhaseDisconnecting)
	})

	return e.Verify(ctx, client), nil
}

// Verify checks that the engine speaks a compatible version. Failures are
// logged and never returned; the same client is always handed back.
func (e *Engine) Verify(ctx context.Context, client connection.Transport) connection.Transport {
	e.opts.Progress.Update(ctx, progress.PhaseCheckVersion)

	logger := telemetry.Component(ctx, "engine")
	version, err := client.Version(ctx)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("Failed to check engine version compatibility")
		e.opts.Metrics.RecordVersionCheckFailure()
	case !Compatible(version, connection.ClientVersion):
		logger.Warn().
			Str("engine_version", version).
			Str("client_version", connection.ClientVersion).
			Msg("Engine version may be incompatible with this client")
	default:
		logger.Debug().Str("engine_version", version).Msg("Engine version is compatible")
	}

	if e.opts.LogOutput != nil || e.cfg.LogOutput != "" {
		e.opts.Progress.Stop(ctx)
	} else {
		e.opts.Progress.Update(ctx, progress.PhaseRunning)
	}
	return client
}

// Compatible reports whether two semantic versions share major.minor.
func Compatible(engineVersion, clientVersion string) bool {
	if !semver.IsValid(engineVersion) || !semver.IsValid(clientVersion) {
		return false
	}
	return semver.MajorMinor(engineVersion) == semver.MajorMinor(clientVersion)
}

// Close unwinds everything the Engine acquired in reverse order.
func (e *Engine) Close(ctx context.Context) error {
	return e.record(e.stack.Unwind(ctx))
}

// CloseWithCause unwinds on behalf of a failed operation. The result always
// matches cause.
func (e *Engine) CloseWithCause(ctx context.Context, cause error) error {
	return e.record(e.stack.UnwindWith(ctx, cause))
}

func (e *Engine) record(err error) error {
	var te *teardown.Error
	if errors.As(err, &te) {
		e.opts.Metrics.RecordTeardownErrors(len(te.Errors()))
		log.Warn().Err(te).Msg("Engine teardown finished with errors")
	}
	return err
}
