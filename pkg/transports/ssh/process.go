package ssh

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Process is a command running in an SSH session without a terminal.
type Process struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	closeMu sync.Once
}

// StartProcess runs command on the remote host with piped stdio. The
// process is bound to the session, not to ctx.
func (c *SSHClient) StartProcess(ctx context.Context, command string) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}

	if err := session.Start(command); err != nil {
		session.Close()
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to start %q: %w", command, err)}
	}

	log.Debug().Str("host", c.config.Host).Str("command", command).Msg("remote process started")
	return &Process{session: session, stdin: stdin, stdout: stdout}, nil
}

// Stdin returns the process's standard input.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the process's standard output.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Wait blocks until the remote command exits.
func (p *Process) Wait() error {
	return p.session.Wait()
}

// Close asks the remote side to terminate the command and closes the session.
func (p *Process) Close() error {
	var err error
	p.closeMu.Do(func() {
		_ = p.session.Signal(ssh.SIGTERM)
		err = p.session.Close()
		if err == io.EOF {
			err = nil
		}
	})
	return err
}
