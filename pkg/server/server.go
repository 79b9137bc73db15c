// Package server implements a minimal engine session endpoint: it accepts
// websocket connections on /session, authenticates them with the session
// token and answers version and ping commands. It backs the engine-dev
// binary and the client tests.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/enginelink/pkg/protocol"
)

// Config describes the session being served.
type Config struct {
	Token     string
	Version   string
	SessionID string
}

// Server serves one engine session.
type Server struct {
	cfg    Config
	served atomic.Int64
	active sync.WaitGroup

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// New returns a server for cfg.
func New(cfg Config) *Server {
	return &Server{cfg: cfg, conns: make(map[*websocket.Conn]struct{})}
}

// Handler returns the HTTP handler exposing /session and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", s.handleSession)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	return mux
}

// Served returns the number of commands answered so far.
func (s *Server) Served() int64 {
	return s.served.Load()
}

// Serve accepts connections on ln until ctx is done, then shuts down and
// waits for open sessions to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		log.Debug().Msg("Shutting down engine server")
		err := httpServer.Shutdown(shutdownCtx)

		// hijacked websocket connections are not closed by Shutdown
		s.mu.Lock()
		for ws := range s.conns {
			_ = ws.Close(websocket.StatusGoingAway, "engine shutting down")
		}
		s.mu.Unlock()
		s.active.Wait()
		return err
	})

	return eg.Wait()
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	s.active.Add(1)
	defer s.active.Done()

	s.mu.Lock()
	s.conns[ws] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, ws)
		s.mu.Unlock()
	}()

	conn := websocket.NetConn(r.Context(), ws, websocket.MessageText)
	defer conn.Close()

	enc := protocol.NewEncoder(conn)
	dec := protocol.NewDecoder(conn)

	if err := s.hello(enc, dec); err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("session handshake rejected")
		return
	}

	for {
		msg, err := dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Msg("failed to read command")
			}
			return
		}

		start := time.Now()
		id, result, reply := s.handleMessage(msg)
		if reply != nil {
			err = enc.EncodeError(reply)
		} else {
			s.served.Add(1)
			err = enc.EncodeDone(id, result, time.Since(start))
		}
		if err != nil {
			log.Debug().Err(err).Msg("failed to write reply")
			return
		}
	}
}

func (s *Server) hello(enc *protocol.Encoder, dec *protocol.Decoder) error {
	msg, err := dec.Decode()
	if err != nil {
		return err
	}
	if msg.Type != protocol.MessageTypeHello {
		_ = enc.EncodeError(&protocol.ErrorMessage{Code: protocol.CodeBadRequest, Message: "expected HELLO"})
		return fmt.Errorf("expected HELLO, got %s", msg.Type)
	}

	var hello protocol.HelloMessage
	if err := protocol.ParseParams(msg.Data, &hello); err != nil {
		_ = enc.EncodeError(&protocol.ErrorMessage{Code: protocol.CodeBadRequest, Message: err.Error()})
		return err
	}
	if subtle.ConstantTimeCompare([]byte(hello.SessionToken), []byte(s.cfg.Token)) != 1 {
		_ = enc.EncodeError(&protocol.ErrorMessage{Code: protocol.CodeUnauthorized, Message: "invalid session token"})
		return fmt.Errorf("invalid session token")
	}

	log.Debug().Str("client_version", hello.ClientVersion).Msg("client connected")
	return enc.EncodeDone("", &protocol.HelloResult{
		EngineVersion: s.cfg.Version,
		SessionID:     s.cfg.SessionID,
	}, 0)
}

func (s *Server) handleMessage(msg *protocol.Message) (string, interface{}, *protocol.ErrorMessage) {
	if msg.Type != protocol.MessageTypeCommand {
		return "", nil, &protocol.ErrorMessage{Code: protocol.CodeBadRequest, Message: fmt.Sprintf("expected CMD, got %s", msg.Type)}
	}

	var cmd protocol.CommandMessage
	if err := protocol.ParseParams(msg.Data, &cmd); err != nil {
		return "", nil, &protocol.ErrorMessage{Code: protocol.CodeBadRequest, Message: err.Error()}
	}
	if cmd.ID == "" {
		return "", nil, &protocol.ErrorMessage{Code: protocol.CodeBadRequest, Message: "command ID is required"}
	}

	switch cmd.Type {
	case protocol.CommandTypeVersion:
		return cmd.ID, &protocol.VersionResult{Version: s.cfg.Version}, nil
	case protocol.CommandTypePing:
		return cmd.ID, map[string]bool{"pong": true}, nil
	default:
		return cmd.ID, nil, &protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      protocol.CodeUnknownCommand,
			Message:   fmt.Sprintf("unknown command %q", cmd.Type),
		}
	}
}
