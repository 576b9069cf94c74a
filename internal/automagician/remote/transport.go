package remote

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// ErrDisabled is returned by every operation of a transport that has no peer connection.
var ErrDisabled = errors.New("remote transport is disabled")

// Transport reaches the peer cluster of a paired group.
type Transport interface {
	// Enabled reports whether a peer connection exists. Callers skip balancing when it does not.
	Enabled() bool
	// QueueDepth counts the jobs queued on the peer.
	QueueDepth(ctx context.Context) (int, error)
	// PutDirectory copies every regular file below local to remote, recreating the tree.
	PutDirectory(ctx context.Context, local, remote string) error
	GetDirectory(ctx context.Context, remote, local string) error
	// Submit submits script from within remoteDir on the peer.
	Submit(ctx context.Context, remoteDir, script string) error
	// Run executes a shell command on the peer and returns its standard output.
	Run(ctx context.Context, command string) (string, error)
	Close() error
}

type Disabled struct{}

func (Disabled) Enabled() bool { return false }

func (Disabled) QueueDepth(context.Context) (int, error) { return 0, nil }

func (Disabled) PutDirectory(context.Context, string, string) error { return ErrDisabled }

func (Disabled) GetDirectory(context.Context, string, string) error { return ErrDisabled }

func (Disabled) Submit(context.Context, string, string) error { return ErrDisabled }

func (Disabled) Run(context.Context, string) (string, error) { return "", ErrDisabled }

func (Disabled) Close() error { return nil }

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
