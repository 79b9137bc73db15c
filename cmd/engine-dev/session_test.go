package main

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/enginelink/pkg/connection"
	"github.com/openfroyo/enginelink/pkg/protocol"
	"github.com/openfroyo/enginelink/pkg/session"
)

type devSession struct {
	stdin  *io.PipeWriter
	dec    *protocol.Decoder
	done   chan error
	ready  *protocol.ReadyMessage
	params session.ConnectParams
}

func startDevSession(t *testing.T, ctx context.Context, args ...string) *devSession {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	cmd := newRootCommand("v0.9.1")
	cmd.SetArgs(append([]string{"session"}, args...))
	cmd.SetIn(stdinR)
	cmd.SetOut(stdoutW)

	done := make(chan error, 1)
	go func() {
		err := cmd.ExecuteContext(ctx)
		stdoutW.Close()
		done <- err
	}()

	dec := protocol.NewDecoder(stdoutR)
	ready, err := dec.DecodeReady()
	require.NoError(t, err)

	params := session.NewConnectParams(
		net.JoinHostPort(ready.Host, strconv.Itoa(ready.Port)), ready.SessionToken, ready.Labels)
	return &devSession{stdin: stdinW, dec: dec, done: done, ready: ready, params: params}
}

func (s *devSession) exit(t *testing.T) *protocol.ExitMessage {
	t.Helper()
	msg, err := s.dec.Decode()
	require.NoError(t, err)
	require.Equal(t, protocol.MessageTypeExit, msg.Type)

	var exit protocol.ExitMessage
	require.NoError(t, protocol.ParseParams(msg.Data, &exit))

	select {
	case err := <-s.done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("engine-dev did not stop")
	}
	return &exit
}

func TestSession_ServesUntilStdinCloses(t *testing.T) {
	s := startDevSession(t, context.Background(), "--label", "team:infra")

	assert.Equal(t, "v0.9.1", s.ready.Version)
	assert.Equal(t, "127.0.0.1", s.ready.Host)
	assert.NotEmpty(t, s.ready.SessionToken)
	assert.Equal(t, "infra", s.ready.Labels["team"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := (&connection.WSDialer{}).Dial(ctx, s.params)
	require.NoError(t, err)
	v, err := tr.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v0.9.1", v)
	require.NoError(t, tr.Close())

	require.NoError(t, s.stdin.Close())
	exit := s.exit(t)
	assert.Equal(t, "stdin_closed", exit.Reason)
	assert.Equal(t, 0, exit.ExitCode)
	assert.Equal(t, 1, exit.Served)
}

func TestSession_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := startDevSession(t, ctx)
	defer s.stdin.Close()

	cancel()
	exit := s.exit(t)
	assert.Equal(t, "signal", exit.Reason)
}

func TestSession_BadLabel(t *testing.T) {
	cmd := newRootCommand("v0.9.1")
	cmd.SetArgs([]string{"session", "--label", "novalue"})
	cmd.SetOut(io.Discard)
	assert.Error(t, cmd.Execute())
}
