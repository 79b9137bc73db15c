package connection

import (
	"context"
	"sync"

	"github.com/openfroyo/enginelink/pkg/session"
)

// IsolatedConnection is owned by a single caller and is independent of the
// shared connection.
type IsolatedConnection struct {
	params session.ConnectParams
	cfg    Config

	mu        sync.Mutex
	transport Transport
}

// NewIsolated returns a disconnected isolated connection.
func NewIsolated(params session.ConnectParams, cfg Config) *IsolatedConnection {
	return &IsolatedConnection{params: params, cfg: cfg}
}

// Connect dials the engine. On a live connection it returns the existing
// transport.
func (c *IsolatedConnection) Connect(ctx context.Context) (Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport != nil {
		return c.transport, nil
	}
	t, err := connect(ctx, c.params, c.cfg)
	if err != nil {
		return nil, err
	}
	c.transport = t
	return t, nil
}

// Close disconnects. Closing a closed connection is a no-op.
func (c *IsolatedConnection) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport == nil {
		return nil
	}
	t := c.transport
	c.transport = nil
	return t.Close()
}

// IsConnected reports whether the connection is live.
func (c *IsolatedConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport != nil
}

// Params returns the session parameters.
func (c *IsolatedConnection) Params() session.ConnectParams {
	return c.params
}
