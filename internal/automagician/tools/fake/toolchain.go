package fake

import (
	"context"
	"os"
	"path/filepath"
	"sync"
)

// Toolchain records every call. Archive creates the run directory the way vfin.pl would,
// and EnergyTrace, when set, is written to fe.dat on DeriveEnergyTrace.
type Toolchain struct {
	EnergyTrace *string
	Err         error

	mu           sync.Mutex
	TraceCalls   []string
	ArchiveCalls []string
	RepairCalls  []string
}

func NewToolchain() *Toolchain {
	return &Toolchain{}
}

func (t *Toolchain) DeriveEnergyTrace(_ context.Context, dir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.TraceCalls = append(t.TraceCalls, dir)
	if t.Err != nil {
		return t.Err
	}
	if t.EnergyTrace != nil {
		return os.WriteFile(filepath.Join(dir, "fe.dat"), []byte(*t.EnergyTrace), 0o644)
	}
	return nil
}

func (t *Toolchain) Archive(_ context.Context, dir, runName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ArchiveCalls = append(t.ArchiveCalls, filepath.Join(dir, runName))
	if t.Err != nil {
		return t.Err
	}
	return os.MkdirAll(filepath.Join(dir, runName), 0o755)
}

func (t *Toolchain) RepairInputs(_ context.Context, dir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.RepairCalls = append(t.RepairCalls, dir)
	return t.Err
}
