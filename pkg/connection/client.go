package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/openfroyo/enginelink/pkg/protocol"
	"github.com/openfroyo/enginelink/pkg/session"
)

// ClientVersion is the version reported to engines in HELLO.
const ClientVersion = "v0.9.0"

// WSDialer dials engine sessions over a websocket at params.URL().
type WSDialer struct {
	// NetDial overrides how the TCP connection is made, e.g. to tunnel
	// through SSH. Nil dials directly.
	NetDial session.DialFunc

	// ClientVersion defaults to ClientVersion.
	ClientVersion string
}

// Dial implements Dialer. It connects and completes the HELLO handshake
// within ctx. The returned client outlives ctx.
func (d *WSDialer) Dial(ctx context.Context, params session.ConnectParams) (Transport, error) {
	opts := &websocket.DialOptions{}
	if d.NetDial != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{DialContext: d.NetDial},
		}
	}

	ws, _, err := websocket.Dial(ctx, params.URL(), opts)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", params.Endpoint(), err)
	}

	// the net.Conn lives until Close, not until the dial context ends
	connCtx, cancel := context.WithCancel(context.Background())
	conn := websocket.NetConn(connCtx, ws, websocket.MessageText)

	c := &Client{
		endpoint: params.Endpoint(),
		conn:     conn,
		cancel:   cancel,
		encoder:  protocol.NewEncoder(conn),
		decoder:  protocol.NewDecoder(conn),
	}

	version := d.ClientVersion
	if version == "" {
		version = ClientVersion
	}
	if err := c.hello(ctx, params.Token(), version); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Client is an authenticated connection to an engine session. Requests
// are serialised.
type Client struct {
	endpoint string
	conn     net.Conn
	cancel   context.CancelFunc
	encoder  *protocol.Encoder
	decoder  *protocol.Decoder

	sessionID     string
	engineVersion string

	mu     sync.Mutex
	closed bool
}

func (c *Client) hello(ctx context.Context, token, clientVersion string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.withDeadline(ctx, func() error {
		if err := c.encoder.EncodeHello(&protocol.HelloMessage{SessionToken: token, ClientVersion: clientVersion}); err != nil {
			return err
		}
		done, err := c.decoder.DecodeReply()
		if err != nil {
			return err
		}
		var res protocol.HelloResult
		if err := protocol.ParseParams(done.Result, &res); err != nil {
			return err
		}
		c.sessionID = res.SessionID
		c.engineVersion = res.EngineVersion
		return nil
	}); err != nil {
		return fmt.Errorf("session handshake with %s failed: %w", c.endpoint, err)
	}
	return nil
}

// withDeadline applies ctx's deadline and cancellation to the underlying
// connection for the duration of fn. Callers hold c.mu.
func (c *Client) withDeadline(ctx context.Context, fn func() error) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	err := fn()
	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}

// Execute sends a command and waits for its reply. An engine-side failure
// is returned as a *protocol.ErrorMessage.
func (c *Client) Execute(ctx context.Context, cmdType protocol.CommandType, params interface{}) (*protocol.DoneMessage, error) {
	cmd := &protocol.CommandMessage{ID: uuid.New().String(), Type: cmdType}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		cmd.Params = b
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	var done *protocol.DoneMessage
	err := c.withDeadline(ctx, func() error {
		if err := c.encoder.EncodeCommand(cmd); err != nil {
			return fmt.Errorf("failed to send command: %w", err)
		}
		reply, err := c.decoder.DecodeReply()
		if err != nil {
			var em *protocol.ErrorMessage
			if errors.As(err, &em) {
				return em
			}
			return fmt.Errorf("failed to read reply: %w", err)
		}
		if reply.CommandID != cmd.ID {
			return fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, reply.CommandID)
		}
		done = reply
		return nil
	})
	return done, err
}

// Version asks the engine for its version.
func (c *Client) Version(ctx context.Context) (string, error) {
	done, err := c.Execute(ctx, protocol.CommandTypeVersion, nil)
	if err != nil {
		return "", err
	}
	var res protocol.VersionResult
	if err := protocol.ParseParams(done.Result, &res); err != nil {
		return "", err
	}
	return res.Version, nil
}

// Ping checks that the engine answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Execute(ctx, protocol.CommandTypePing, nil)
	return err
}

// SessionID returns the id announced by the engine in the handshake.
func (c *Client) SessionID() string { return c.sessionID }

// EngineVersion returns the version announced in the handshake.
func (c *Client) EngineVersion() string { return c.engineVersion }

// Endpoint returns the address the client is connected to.
func (c *Client) Endpoint() string { return c.endpoint }

// Close closes the connection. Further calls are no-ops.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	err := c.conn.Close()
	c.cancel()
	return err
}
