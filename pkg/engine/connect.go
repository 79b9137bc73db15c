package engine

import (
	"context"

	"github.com/openfroyo/enginelink/pkg/config"
	"github.com/openfroyo/enginelink/pkg/connection"
	"github.com/openfroyo/enginelink/pkg/teardown"
)

// Handle is a verified client together with the Engine backing it. The
// Engine may be shared with other handles in the same scope.
type Handle struct {
	Client connection.Transport
	Engine *Engine

	stack *teardown.Stack
}

// Close disconnects the client and drops this handle's hold on the Engine.
// The Engine itself is closed with the last handle. Closing twice is a no-op.
func (h *Handle) Close(ctx context.Context) error {
	return h.stack.Unwind(ctx)
}

type connectOptions struct {
	isolated    bool
	engine      Options
	provisioner *Provisioner
}

// ConnectOption configures Connect.
type ConnectOption func(*connectOptions)

// WithIsolation requests a caller-owned connection instead of the shared one.
func WithIsolation() ConnectOption {
	return func(o *connectOptions) { o.isolated = true }
}

// WithOptions sets the Engine's collaborators.
func WithOptions(opts Options) ConnectOption {
	return func(o *connectOptions) { o.engine = opts }
}

// WithProvisioner shares engines through p instead of DefaultProvisioner.
func WithProvisioner(p *Provisioner) ConnectOption {
	return func(o *connectOptions) { o.provisioner = p }
}

// Connect provisions an engine, connects to it and verifies the version.
// Concurrent callers in the same scope block on a single Provision and
// share its Engine. Any failure unwinds what was acquired and is returned
// unmasked.
func Connect(ctx context.Context, cfg *config.Config, opts ...ConnectOption) (*Handle, error) {
	var o connectOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.provisioner == nil {
		o.provisioner = DefaultProvisioner()
	}

	e, err := o.provisioner.AcquireWith(ctx, cfg, o.engine)
	if err != nil {
		return nil, err
	}

	h := &Handle{Engine: e, stack: teardown.New()}
	h.stack.Push("release engine", func(ctx context.Context) error {
		return o.provisioner.Release(ctx, e)
	})

	var conn connection.Connection
	if o.isolated || cfg.Connect.Isolated {
		conn, err = e.IsolatedConnection()
	} else {
		conn, err = e.SharedConnection()
	}
	if err != nil {
		return nil, h.stack.UnwindWith(ctx, err)
	}

	client, err := e.setupClient(ctx, conn, h.stack)
	if err != nil {
		return nil, h.stack.UnwindWith(ctx, err)
	}
	h.Client = client
	return h, nil
}
