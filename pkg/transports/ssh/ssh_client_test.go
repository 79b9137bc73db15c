package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/enginelink/pkg/protocol"
	"github.com/openfroyo/enginelink/pkg/session"
)

// testSSHServer is an in-process SSH server with exec, sftp and
// direct-tcpip support.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)
	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		switch newChannel.ChannelType() {
		case "session":
			channel, requests, err := newChannel.Accept()
			if err != nil {
				continue
			}
			go s.handleSession(channel, requests)
		case "direct-tcpip":
			go s.handleDirectTCPIP(newChannel)
		default:
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (s *testSSHServer) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			command := string(req.Payload[4:])
			if req.WantReply {
				req.Reply(true, nil)
			}
			go ssh.DiscardRequests(requests)
			runCommand(channel, command)
			return

		case "subsystem":
			if string(req.Payload[4:]) != "sftp" {
				req.Reply(false, nil)
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			go ssh.DiscardRequests(requests)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// runCommand emulates the commands the tests issue. A path containing
// "/engine-" behaves like an engine: it announces READY and exits when its
// stdin is closed.
func runCommand(channel ssh.Channel, command string) {
	status := uint32(0)
	switch {
	case strings.Contains(command, "/engine-"):
		_, _ = io.WriteString(channel, "starting engine\n")
		_ = protocol.NewEncoder(channel).EncodeReady(&protocol.ReadyMessage{
			Version:      "v0.9.0",
			Port:         41234,
			SessionToken: "remote-token",
			PID:          4242,
			Labels:       map[string]string{"command": command},
		})
		_, _ = io.Copy(io.Discard, channel)
	case command == "exit 3":
		status = 3
	default:
		_, _ = io.WriteString(channel, "command: "+command+"\n")
	}

	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, status)
	_, _ = channel.SendRequest("exit-status", false, payload)
}

func (s *testSSHServer) handleDirectTCPIP(newChannel ssh.NewChannel) {
	var target struct {
		Host     string
		Port     uint32
		OrigHost string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(newChannel.ExtraData(), &target); err != nil {
		newChannel.Reject(ssh.ConnectionFailed, err.Error())
		return
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port))))
	if err != nil {
		newChannel.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	defer conn.Close()

	channel, requests, err := newChannel.Accept()
	if err != nil {
		return
	}
	defer channel.Close()
	go ssh.DiscardRequests(requests)

	go func() {
		_, _ = io.Copy(conn, channel)
		_ = conn.Close()
	}()
	_, _ = io.Copy(channel, conn)
}

func (s *testSSHServer) close() {
	close(s.done)
	s.listener.Close()
}

func (s *testSSHServer) clientConfig(t *testing.T) *Config {
	t.Helper()

	host, portStr, err := net.SplitHostPort(s.addr)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	return config
}

func connectTestClient(t *testing.T, server *testSSHServer) *SSHClient {
	t.Helper()

	client, err := NewSSHClient(server.clientConfig(t))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })
	return client
}

func TestSSHClient_ConnectDisconnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)

	if !client.IsConnected() {
		t.Fatal("expected client to be connected")
	}
	if client.ConnectedAt().IsZero() {
		t.Error("expected connection time to be recorded")
	}

	// Second connect is a no-op.
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
	if err := client.Disconnect(); err != nil {
		t.Errorf("second disconnect should be a no-op, got %v", err)
	}
}

func TestSSHClient_BadCredentials(t *testing.T) {
	server := newTestSSHServer(t)
	config := server.clientConfig(t)
	config.Password = "wrong"

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatal(err)
	}
	err = client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected authentication failure")
	}
	if _, ok := err.(*TransportError); !ok {
		t.Errorf("expected *TransportError, got %T", err)
	}
}

func TestSSHClient_NotConnected(t *testing.T) {
	server := newTestSSHServer(t)
	client, err := NewSSHClient(server.clientConfig(t))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := client.StartProcess(context.Background(), "true"); err == nil {
		t.Error("expected error from StartProcess before Connect")
	}
	if err := client.UploadFile(context.Background(), "/dev/null", "/tmp/x", 0o644); err == nil {
		t.Error("expected error from UploadFile before Connect")
	}
	if _, err := client.DialContext(context.Background(), "tcp", "127.0.0.1:1"); err == nil {
		t.Error("expected error from DialContext before Connect")
	}
}

func TestSSHClient_UploadAndRemove(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)

	local := filepath.Join(t.TempDir(), "engine")
	if err := os.WriteFile(local, []byte("#!/bin/sh\necho engine\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	remote := filepath.Join(t.TempDir(), "nested", "engine-upload")

	ctx := context.Background()
	if err := client.UploadFile(ctx, local, remote, 0o755); err != nil {
		t.Fatalf("upload: %v", err)
	}

	info, err := os.Stat(remote)
	if err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("expected mode 0755, got %v", info.Mode().Perm())
	}
	data, _ := os.ReadFile(remote)
	if string(data) != "#!/bin/sh\necho engine\n" {
		t.Errorf("unexpected contents %q", data)
	}

	if err := client.RemoveFile(ctx, remote); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(remote); !os.IsNotExist(err) {
		t.Errorf("expected file to be removed, stat err = %v", err)
	}
	if err := client.RemoveFile(ctx, remote); err != nil {
		t.Errorf("removing a missing file should succeed, got %v", err)
	}
}

func TestCopyWithContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := copyWithContext(ctx, io.Discard, strings.NewReader("data"))
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if n != 0 {
		t.Errorf("expected nothing copied, got %d", n)
	}
}

func TestSSHClient_StartProcess(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)

	proc, err := client.StartProcess(context.Background(), "echo hi")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	out, err := io.ReadAll(proc.Stdout())
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "command: echo hi\n" {
		t.Errorf("unexpected output %q", out)
	}
	if err := proc.Wait(); err != nil {
		t.Errorf("wait: %v", err)
	}
	if err := proc.Close(); err != nil {
		t.Errorf("close: %v", err)
	}

	failing, err := client.StartProcess(context.Background(), "exit 3")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.Copy(io.Discard, failing.Stdout())
	exitErr, ok := failing.Wait().(*ssh.ExitError)
	if !ok {
		t.Fatal("expected *ssh.ExitError")
	}
	if exitErr.ExitStatus() != 3 {
		t.Errorf("expected exit status 3, got %d", exitErr.ExitStatus())
	}
}

func TestSSHClient_DialContext(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)

	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer echo.Close()
	go func() {
		conn, err := echo.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()

	conn, err := client.DialContext(context.Background(), "tcp", echo.Addr().String())
	if err != nil {
		t.Fatalf("dial through tunnel: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping" {
		t.Errorf("expected echo 'ping', got %q", buf)
	}
}

func TestHost_RemoteLauncher(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)

	binPath := filepath.Join(t.TempDir(), "engine")
	if err := os.WriteFile(binPath, []byte("engine"), 0o755); err != nil {
		t.Fatal(err)
	}

	host := NewHost(client)
	if host.Name() != server.addr {
		t.Errorf("expected host name %q, got %q", server.addr, host.Name())
	}

	remoteDir := t.TempDir()
	launcher := &session.RemoteLauncher{Host: host, RemoteDir: remoteDir}
	sess, err := launcher.Start(context.Background(), session.LaunchOptions{
		Workdir:         "/work",
		StartupTimeout:  5 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}, binPath)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	if sess.Params.Token() != "remote-token" {
		t.Errorf("unexpected token %q", sess.Params.Token())
	}
	if sess.Version != "v0.9.0" {
		t.Errorf("unexpected version %q", sess.Version)
	}
	if !strings.Contains(sess.Params.Labels()["command"], "--workdir /work") {
		t.Errorf("engine not started with workdir: %q", sess.Params.Labels()["command"])
	}

	entries, _ := os.ReadDir(remoteDir)
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Name(), "engine-") {
		t.Fatalf("expected one uploaded engine, got %v", entries)
	}

	if err := sess.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	entries, _ = os.ReadDir(remoteDir)
	if len(entries) != 0 {
		t.Errorf("expected uploaded engine to be removed, got %v", entries)
	}
}
