package remote

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/G-Research/automagician/internal/common/logging"
)

// startServer runs an sshd stand-in that executes every command with the local shell.
func startServer(t *testing.T, authorized ssh.PublicKey) (string, ssh.PublicKey) {
	hostKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == string(authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unauthorized")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, config)
		}
	}()
	return listener.Addr().String(), hostSigner.PublicKey()
}

func serveConn(conn net.Conn, config *ssh.ServerConfig) {
	_, channels, requests, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(requests)
	for newChannel := range channels {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "")
			continue
		}
		channel, channelRequests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go serveSession(channel, channelRequests)
	}
}

func serveSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			continue
		}
		_ = req.Reply(true, nil)
		cmd := exec.Command("sh", "-c", payload.Command)
		cmd.Stdin = channel
		cmd.Stdout = channel
		cmd.Stderr = channel.Stderr()
		status := uint32(0)
		if err := cmd.Run(); err != nil {
			status = 1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				status = uint32(exitErr.ExitCode())
			}
		}
		_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

func dialTestServer(t *testing.T) *SSHTransport {
	dir := t.TempDir()
	clientKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(clientKey)
	require.NoError(t, err)
	keyPath := filepath.Join(dir, "automagician_id_rsa")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), 0o600))
	clientSigner, err := ssh.NewSignerFromKey(clientKey)
	require.NoError(t, err)

	address, hostKey := startServer(t, clientSigner.PublicKey())
	knownHostsPath := filepath.Join(dir, "known_hosts")
	require.NoError(t, os.WriteFile(knownHostsPath, []byte(knownhosts.Line([]string{address}, hostKey)+"\n"), 0o600))

	host, portString, err := net.SplitHostPort(address)
	require.NoError(t, err)
	port, err := strconv.Atoi(portString)
	require.NoError(t, err)

	transport, err := Dial(context.Background(), Config{
		Host:           host,
		Port:           port,
		User:           "someone",
		KeyPath:        keyPath,
		KnownHostsPath: knownHostsPath,
		Timeout:        5 * time.Second,
		ProbeRetries:   2,
	}, logging.NullLogger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })
	return transport
}

func TestSSHTransport_Run(t *testing.T) {
	transport := dialTestServer(t)
	assert.True(t, transport.Enabled())

	out, err := transport.Run(context.Background(), "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)

	_, err = transport.Run(context.Background(), "echo broken >&2; exit 4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestSSHTransport_Directories(t *testing.T) {
	transport := dialTestServer(t)
	ctx := context.Background()

	local := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(local, "INCAR"), []byte("ISIF = 3\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(local, "run0"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(local, "run0", "it's"), []byte("quoted"), 0o644))

	remoteDir := filepath.Join(t.TempDir(), "automagician_jobs", "job")
	require.NoError(t, transport.PutDirectory(ctx, local, remoteDir))
	data, err := os.ReadFile(filepath.Join(remoteDir, "run0", "it's"))
	require.NoError(t, err)
	assert.Equal(t, "quoted", string(data))

	back := t.TempDir()
	require.NoError(t, transport.GetDirectory(ctx, remoteDir, back))
	data, err = os.ReadFile(filepath.Join(back, "INCAR"))
	require.NoError(t, err)
	assert.Equal(t, "ISIF = 3\n", string(data))
	assert.FileExists(t, filepath.Join(back, "run0", "it's"))
}

func TestSSHTransport_QueueAndSubmit(t *testing.T) {
	transport := dialTestServer(t)
	transport.squeueCommand = "printf 'JOBID\\n1\\n2\\n3\\n'"
	ctx := context.Background()

	depth, err := transport.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "halifax.sub"), []byte("#!/bin/sh"), 0o644))
	transport.submitCommand = "touch submitted && cat"
	require.NoError(t, transport.Submit(ctx, dir, "halifax.sub"))
	assert.FileExists(t, filepath.Join(dir, "submitted"))
}

func TestDial_Failures(t *testing.T) {
	_, err := Dial(context.Background(), Config{KeyPath: filepath.Join(t.TempDir(), "missing")}, logging.NullLogger)
	assert.Error(t, err)
}

func TestDisabled(t *testing.T) {
	var transport Transport = Disabled{}
	assert.False(t, transport.Enabled())
	depth, err := transport.QueueDepth(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, depth)
	assert.ErrorIs(t, transport.PutDirectory(context.Background(), "a", "b"), ErrDisabled)
	assert.NoError(t, transport.Close())
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'plain'`, ShellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, ShellQuote("it's"))
}
