package fake

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/G-Research/automagician/internal/automagician/remote"
)

type Submission struct {
	Dir    string
	Script string
}

// Transport simulates a peer whose filesystem lives below Root on the local machine.
type Transport struct {
	Root     string
	Depth    int
	DepthErr error
	Disabled bool
	// PutErrs fails PutDirectory for the given local directories.
	PutErrs map[string]error
	// RunFunc, when set, answers Run.
	RunFunc func(command string) (string, error)

	mu        sync.Mutex
	Submitted []Submission
	Commands  []string
	Closed    bool
}

func (t *Transport) Enabled() bool { return !t.Disabled }

func (t *Transport) QueueDepth(context.Context) (int, error) {
	if t.Disabled {
		return 0, nil
	}
	return t.Depth, t.DepthErr
}

func (t *Transport) PutDirectory(_ context.Context, local, remotePath string) error {
	if t.Disabled {
		return remote.ErrDisabled
	}
	if err := t.PutErrs[local]; err != nil {
		return err
	}
	return copyTree(local, t.peerPath(remotePath))
}

func (t *Transport) GetDirectory(_ context.Context, remotePath, local string) error {
	if t.Disabled {
		return remote.ErrDisabled
	}
	return copyTree(t.peerPath(remotePath), local)
}

func (t *Transport) Submit(_ context.Context, remoteDir, script string) error {
	if t.Disabled {
		return remote.ErrDisabled
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Submitted = append(t.Submitted, Submission{Dir: remoteDir, Script: script})
	return nil
}

func (t *Transport) Run(_ context.Context, command string) (string, error) {
	if t.Disabled {
		return "", remote.ErrDisabled
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Commands = append(t.Commands, command)
	if t.RunFunc != nil {
		return t.RunFunc(command)
	}
	return "", nil
}

func (t *Transport) Close() error {
	t.Closed = true
	return nil
}

// PeerPath is where a remote path lives on the local disk.
func (t *Transport) PeerPath(remotePath string) string {
	return t.peerPath(remotePath)
}

func (t *Transport) peerPath(remotePath string) string {
	return filepath.Join(t.Root, remotePath)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}
