// Package connection manages live connections to an engine session. It
// offers a process-wide reference-counted SharedConnection and caller-owned
// IsolatedConnections, both dialing with the same retry and timeout policy.
package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/openfroyo/enginelink/pkg/protocol"
	"github.com/openfroyo/enginelink/pkg/retry"
	"github.com/openfroyo/enginelink/pkg/session"
	"github.com/openfroyo/enginelink/pkg/telemetry"
)

var (
	// ErrClosed is returned when using a closed client.
	ErrClosed = errors.New("connection closed")

	// ErrParamsInUse is returned when reconfiguring a live shared connection
	// for a different session.
	ErrParamsInUse = errors.New("shared connection is in use with different parameters")

	// ErrNotConfigured is returned when connecting without parameters.
	ErrNotConfigured = errors.New("connection parameters not configured")
)

// Transport is a live connection to an engine.
type Transport interface {
	Version(ctx context.Context) (string, error)
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, params session.ConnectParams) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, params session.ConnectParams) (Transport, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, params session.ConnectParams) (Transport, error) {
	return f(ctx, params)
}

// Connection is implemented by both connection variants.
type Connection interface {
	Connect(ctx context.Context) (Transport, error)
	Close(ctx context.Context) error
	IsConnected() bool
}

// Config controls how a connection is established. It is copied into each
// connection.
type Config struct {
	// Timeout bounds each connect attempt. Zero means no limit.
	Timeout time.Duration

	// Retry is the connect retry policy.
	Retry retry.Policy

	// Dialer defaults to a direct WSDialer.
	Dialer Dialer

	// Metrics is optional.
	Metrics *telemetry.Metrics
}

func (c Config) dialer() Dialer {
	if c.Dialer != nil {
		return c.Dialer
	}
	return &WSDialer{}
}

// ConnectError reports a connect that exhausted its retry policy.
type ConnectError struct {
	Endpoint string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to engine at %s after %d attempt(s): %v", e.Endpoint, e.Attempts, e.Err)
}

// Unwrap returns the last attempt's error.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// IsConnectError reports whether err is a *ConnectError.
func IsConnectError(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce)
}

// connect dials params under cfg's retry policy. Each attempt is bounded by
// cfg.Timeout and a timeout is an ordinary failed attempt. Rejections by the
// engine, other than retryable ones, end the loop early.
func connect(ctx context.Context, params session.ConnectParams, cfg Config) (t Transport, err error) {
	if params.IsZero() {
		return nil, ErrNotConfigured
	}

	ctx, span := otel.Tracer("enginelink/connection").Start(ctx, "connection.connect")
	span.SetAttributes(telemetry.AttrEndpoint.String(params.Endpoint()))
	defer func() { telemetry.End(span, err) }()

	dialer := cfg.dialer()
	attempts := 0
	logger := telemetry.Component(ctx, "connection")

	t, err = retry.Do(ctx, cfg.Retry, retry.Options{
		Timeout: cfg.Timeout,
		Notify: func(attempt int, err error, wait time.Duration) {
			logger.Debug().
				Err(err).
				Int("attempt", attempt).
				Dur("wait", wait).
				Str("endpoint", params.Endpoint()).
				Msg("Engine connect attempt failed, retrying")
		},
	}, func(ctx context.Context, attempt int) (Transport, error) {
		attempts = attempt
		t, err := dialer.Dial(ctx, params)
		cfg.Metrics.RecordConnectAttempt(err)
		if err != nil && !retryable(err) {
			return nil, retry.Permanent(err)
		}
		return t, err
	})
	span.SetAttributes(telemetry.AttrAttempts.Int(attempts))

	if err != nil {
		return nil, &ConnectError{Endpoint: params.Endpoint(), Attempts: attempts, Err: err}
	}

	logger.Debug().Str("endpoint", params.Endpoint()).Int("attempts", attempts).Msg("Connected to engine")
	return t, nil
}

func retryable(err error) bool {
	var em *protocol.ErrorMessage
	if errors.As(err, &em) {
		return em.Retryable
	}
	return true
}
