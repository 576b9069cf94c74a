package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/automagician/internal/automagician/domain"
	"github.com/G-Research/automagician/internal/automagician/remote"
)

// Holder identifies the run owning a lock.
type Holder struct {
	User    string    `json:"user"`
	Host    string    `json:"host"`
	Pid     int       `json:"pid"`
	RunID   uuid.UUID `json:"runId"`
	Started time.Time `json:"started"`
}

func NewHolder(user string, cluster domain.Cluster, c clock.PassiveClock) Holder {
	return Holder{
		User:    user,
		Host:    cluster.Hostname(),
		Pid:     os.Getpid(),
		RunID:   uuid.New(),
		Started: c.Now(),
	}
}

func (h Holder) String() string {
	return fmt.Sprintf("run %s of %s on %s (pid %d, started %s)",
		h.RunID, h.User, h.Host, h.Pid, h.Started.Format(time.RFC3339))
}

// Path is the lock file of user below dir.
func Path(dir, user string) string {
	return filepath.Join(dir, user+"-lock")
}

// Lock is an advisory lock held for the duration of one run, locally and on the paired peer when one is reachable.
type Lock struct {
	path      string
	holder    Holder
	transport remote.Transport
	onPeer    bool
	log       log.FieldLogger
}

// Acquire creates the lock file for holder in dir. An existing lock, here or on the peer, yields *domain.ErrLocked.
func Acquire(ctx context.Context, dir string, holder Holder, transport remote.Transport, logger log.FieldLogger) (*Lock, error) {
	path := Path(dir, holder.User)
	content, err := json.Marshal(holder)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := ensureSharedDir(dir); err != nil {
		return nil, err
	}
	if err := createExclusive(path, content); err != nil {
		if os.IsExist(errors.Cause(err)) {
			return nil, &domain.ErrLocked{Path: path, Holder: readHolder(path)}
		}
		return nil, err
	}

	l := &Lock{path: path, holder: holder, transport: transport, log: logger.WithField("lock", path)}
	if transport.Enabled() {
		if err := l.acquireOnPeer(ctx, dir, content); err != nil {
			l.removeLocal()
			return nil, err
		}
	}
	l.log.WithField("runId", holder.RunID).Debug("lock acquired")
	return l, nil
}

// ensureSharedDir creates dir writable by every user of the host.
func ensureSharedDir(dir string) error {
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Chmod(dir, 0o777))
}

func createExclusive(path string, content []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return errors.WithStack(err)
	}
	return errors.WithStack(f.Close())
}

// readHolder describes the owner recorded in path, or returns an empty string when it cannot be read.
func readHolder(path string) string {
	content, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return describe(content)
}

func describe(content []byte) string {
	var holder Holder
	if err := json.Unmarshal(content, &holder); err != nil {
		return strings.TrimSpace(string(content))
	}
	return holder.String()
}

func (l *Lock) acquireOnPeer(ctx context.Context, dir string, content []byte) error {
	create := fmt.Sprintf("mkdir -p %s && set -C && printf '%%s' %s > %s",
		remote.ShellQuote(dir), remote.ShellQuote(string(content)), remote.ShellQuote(l.path))
	if _, err := l.transport.Run(ctx, create); err != nil {
		existing, readErr := l.transport.Run(ctx, "cat "+remote.ShellQuote(l.path))
		if readErr == nil && strings.TrimSpace(existing) != "" {
			return &domain.ErrLocked{Path: "peer:" + l.path, Holder: describe([]byte(existing))}
		}
		return errors.WithMessage(err, "locking peer")
	}
	l.onPeer = true
	return nil
}

func (l *Lock) Holder() Holder { return l.holder }

// Release removes the lock on the peer and locally. Both are attempted even when one fails.
func (l *Lock) Release(ctx context.Context) error {
	var result *multierror.Error
	if l.onPeer {
		if _, err := l.transport.Run(ctx, "rm -f "+remote.ShellQuote(l.path)); err != nil {
			result = multierror.Append(result, errors.WithMessage(err, "unlocking peer"))
		} else {
			l.onPeer = false
		}
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		result = multierror.Append(result, errors.WithStack(err))
	}
	l.log.Debug("lock released")
	return result.ErrorOrNil()
}

func (l *Lock) removeLocal() {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.log.WithError(err).Warn("could not remove lock")
	}
}
