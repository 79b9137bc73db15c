package ssh

import (
	"context"
	"net"

	"github.com/openfroyo/enginelink/pkg/session"
)

// Host adapts an SSHClient to session.RemoteHost.
type Host struct {
	Client *SSHClient
}

// NewHost returns a RemoteHost backed by client.
func NewHost(client *SSHClient) *Host {
	return &Host{Client: client}
}

// Name returns the SSH address.
func (h *Host) Name() string {
	return h.Client.config.Address()
}

// UploadFile implements session.RemoteHost.
func (h *Host) UploadFile(ctx context.Context, localPath, remotePath string, mode uint32) error {
	return h.Client.UploadFile(ctx, localPath, remotePath, mode)
}

// RemoveFile implements session.RemoteHost.
func (h *Host) RemoveFile(ctx context.Context, remotePath string) error {
	return h.Client.RemoveFile(ctx, remotePath)
}

// StartProcess implements session.RemoteHost.
func (h *Host) StartProcess(ctx context.Context, command string) (session.RemoteProcess, error) {
	return h.Client.StartProcess(ctx, command)
}

// DialContext implements session.RemoteHost.
func (h *Host) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return h.Client.DialContext(ctx, network, addr)
}
