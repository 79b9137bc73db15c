package connection

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/enginelink/pkg/session"
)

var (
	sharedOnce sync.Once
	shared     *SharedConnection
)

// Shared returns the process-wide shared connection. Every call returns the
// same instance.
func Shared() *SharedConnection {
	sharedOnce.Do(func() {
		shared = newSharedConnection()
	})
	return shared
}

// SharedConnection is a reference-counted connection shared by every caller
// in the process. The transport is present iff the reference count is
// positive; the first Acquire dials and the last Release disconnects.
type SharedConnection struct {
	// gate is held while the reference count changes, including across the
	// dial. Waiters select on it together with their own context.
	gate chan struct{}

	mu        sync.Mutex // guards the fields below for readers
	params    session.ConnectParams
	cfg       Config
	transport Transport
	refs      int
}

func newSharedConnection() *SharedConnection {
	return &SharedConnection{gate: make(chan struct{}, 1)}
}

func (s *SharedConnection) enter(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SharedConnection) leave() {
	<-s.gate
}

// Configure sets the session and policy used by the next dial. While the
// connection is live it may only be reconfigured for the same session, in
// which case the call is a no-op.
func (s *SharedConnection) Configure(params session.ConnectParams, cfg Config) error {
	s.gate <- struct{}{}
	defer s.leave()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configureLocked(params, cfg)
}

func (s *SharedConnection) configureLocked(params session.ConnectParams, cfg Config) error {
	if s.refs > 0 {
		if !s.params.Equal(params) {
			return ErrParamsInUse
		}
		return nil
	}
	s.params = params
	s.cfg = cfg
	return nil
}

// Acquire returns the shared transport, dialing it if nobody holds it.
// Concurrent callers wait for an in-flight dial and share its result, but
// give up as soon as their own ctx is done. A failed dial leaves the
// connection untouched.
func (s *SharedConnection) Acquire(ctx context.Context) (Transport, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	defer s.leave()
	return s.acquire(ctx)
}

// AcquireWith configures and acquires in one step, so no other caller can
// swap the parameters in between. It fails with ErrParamsInUse when the
// connection is held for a different session.
func (s *SharedConnection) AcquireWith(ctx context.Context, params session.ConnectParams, cfg Config) (Transport, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	defer s.leave()

	s.mu.Lock()
	err := s.configureLocked(params, cfg)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.acquire(ctx)
}

// acquire runs with the gate held.
func (s *SharedConnection) acquire(ctx context.Context) (Transport, error) {
	s.mu.Lock()
	refs, params, cfg := s.refs, s.params, s.cfg
	s.mu.Unlock()

	var dialed Transport
	if refs == 0 {
		t, err := connect(ctx, params, cfg)
		if err != nil {
			return nil, err
		}
		dialed = t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if dialed != nil {
		s.transport = dialed
	}
	s.refs++
	s.cfg.Metrics.SetSharedRefs(s.refs)
	return s.transport, nil
}

// Release drops one reference and disconnects when the last one is gone.
// Releasing an unheld connection is a no-op.
func (s *SharedConnection) Release(ctx context.Context) error {
	s.gate <- struct{}{}
	defer s.leave()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs == 0 {
		log.Debug().Msg("Release on an idle shared connection ignored")
		return nil
	}

	s.refs--
	s.cfg.Metrics.SetSharedRefs(s.refs)
	if s.refs > 0 {
		return nil
	}

	t := s.transport
	s.transport = nil
	log.Debug().Str("endpoint", s.params.Endpoint()).Msg("Closing shared engine connection")
	return t.Close()
}

// Lease binds the shared connection to one session. The lease's Connect is
// AcquireWith and its Close releases only what the lease acquired.
func (s *SharedConnection) Lease(params session.ConnectParams, cfg Config) *SharedLease {
	return &SharedLease{shared: s, params: params, cfg: cfg}
}

// Connect is Acquire.
func (s *SharedConnection) Connect(ctx context.Context) (Transport, error) {
	return s.Acquire(ctx)
}

// Close is Release.
func (s *SharedConnection) Close(ctx context.Context) error {
	return s.Release(ctx)
}

// IsConnected reports whether the transport is held.
func (s *SharedConnection) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil
}

// Refs returns the current reference count.
func (s *SharedConnection) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Params returns the configured session parameters.
func (s *SharedConnection) Params() session.ConnectParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// SharedLease is a Connection onto the shared connection for one session.
type SharedLease struct {
	shared *SharedConnection
	params session.ConnectParams
	cfg    Config

	mu   sync.Mutex
	held int
}

// Connect acquires the shared transport for the lease's session.
func (l *SharedLease) Connect(ctx context.Context) (Transport, error) {
	t, err := l.shared.AcquireWith(ctx, l.params, l.cfg)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.held++
	l.mu.Unlock()
	return t, nil
}

// Close releases one reference taken through this lease.
func (l *SharedLease) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.held == 0 {
		l.mu.Unlock()
		return nil
	}
	l.held--
	l.mu.Unlock()
	return l.shared.Release(ctx)
}

// IsConnected reports whether the shared transport is held.
func (l *SharedLease) IsConnected() bool {
	return l.shared.IsConnected()
}

// Shared returns the underlying shared connection.
func (l *SharedLease) Shared() *SharedConnection {
	return l.shared
}
