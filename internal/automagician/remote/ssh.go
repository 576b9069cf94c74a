package remote

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/G-Research/automagician/internal/automagician/scheduler"
)

type Config struct {
	Host           string
	Port           int
	User           string
	KeyPath        string
	KnownHostsPath string
	Timeout        time.Duration
	ProbeRetries   uint
}

// SSHTransport talks to the peer over a single ssh connection. Files are streamed through
// shell commands, so the peer needs nothing beyond sshd and a POSIX shell.
type SSHTransport struct {
	client        *ssh.Client
	squeueCommand string
	submitCommand string
	log           log.FieldLogger
}

// Dial connects to the peer and probes the connection by running hostname.
func Dial(ctx context.Context, config Config, logger log.FieldLogger) (*SSHTransport, error) {
	key, err := os.ReadFile(config.KeyPath)
	if err != nil {
		return nil, errors.Wrap(err, "reading ssh key")
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing ssh key %s", config.KeyPath)
	}
	hostKeys, err := knownhosts.New(config.KnownHostsPath)
	if err != nil {
		return nil, errors.Wrapf(err, "loading known hosts from %s", config.KnownHostsPath)
	}
	clientConfig := &ssh.ClientConfig{
		User:            config.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         config.Timeout,
	}
	address := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))

	attempts := config.ProbeRetries
	if attempts == 0 {
		attempts = 1
	}
	var transport *SSHTransport
	err = retry.Do(
		func() error {
			client, err := ssh.Dial("tcp", address, clientConfig)
			if err != nil {
				return err
			}
			t := &SSHTransport{client: client, squeueCommand: "squeue", submitCommand: "qsub", log: logger}
			if _, err := t.Run(ctx, "hostname"); err != nil {
				_ = client.Close()
				return err
			}
			transport = t
			return nil
		},
		retry.Attempts(attempts),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", address)
	}
	logger.WithField("host", address).Debug("ssh connection established")
	return transport, nil
}

func (t *SSHTransport) Enabled() bool { return true }

func (t *SSHTransport) QueueDepth(ctx context.Context) (int, error) {
	output, err := t.Run(ctx, t.squeueCommand)
	if err != nil {
		return 0, err
	}
	return scheduler.CountQueue(output), nil
}

func (t *SSHTransport) Submit(ctx context.Context, remoteDir, script string) error {
	_, err := t.Run(ctx, "cd "+ShellQuote(remoteDir)+" && "+t.submitCommand+" "+ShellQuote(script))
	return err
}

func (t *SSHTransport) Run(ctx context.Context, command string) (string, error) {
	var out bytes.Buffer
	if err := t.session(ctx, command, nil, &out); err != nil {
		return out.String(), err
	}
	return out.String(), nil
}

func (t *SSHTransport) PutDirectory(ctx context.Context, local, remote string) error {
	return filepath.WalkDir(local, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(local, p)
		if err != nil {
			return err
		}
		target := path.Join(remote, filepath.ToSlash(rel))
		f, err := os.Open(p)
		if err != nil {
			return errors.WithStack(err)
		}
		defer f.Close()
		command := "mkdir -p " + ShellQuote(path.Dir(target)) + " && cat > " + ShellQuote(target)
		return t.session(ctx, command, f, io.Discard)
	})
}

func (t *SSHTransport) GetDirectory(ctx context.Context, remote, local string) error {
	listing, err := t.Run(ctx, "cd "+ShellQuote(remote)+" && find . -type f")
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(strings.NewReader(listing))
	for scanner.Scan() {
		rel := strings.TrimPrefix(strings.TrimSpace(scanner.Text()), "./")
		if rel == "" {
			continue
		}
		if err := t.fetch(ctx, path.Join(remote, rel), filepath.Join(local, filepath.FromSlash(rel))); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (t *SSHTransport) fetch(ctx context.Context, remote, local string) error {
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return errors.WithStack(err)
	}
	f, err := os.Create(local)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	return t.session(ctx, "cat "+ShellQuote(remote), nil, f)
}

func (t *SSHTransport) Close() error {
	return t.client.Close()
}

func (t *SSHTransport) session(ctx context.Context, command string, stdin io.Reader, stdout io.Writer) error {
	session, err := t.client.NewSession()
	if err != nil {
		return errors.WithStack(err)
	}
	defer session.Close()
	var stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = &stderr

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Close()
		case <-done:
		}
	}()

	if err := session.Run(command); err != nil {
		return errors.Wrapf(err, "remote command %q: %s", command, stderr.String())
	}
	return nil
}
