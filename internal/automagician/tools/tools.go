package tools

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Toolchain runs the external post-processing utilities inside a job directory.
type Toolchain interface {
	// DeriveEnergyTrace produces the energy trace (fe.dat) from the run log.
	DeriveEnergyTrace(ctx context.Context, dir string) error
	// Archive moves the outputs of the latest attempt into the subdirectory runName.
	Archive(ctx context.Context, dir, runName string) error
	// RepairInputs regenerates inputs after a potential count mismatch.
	RepairInputs(ctx context.Context, dir string) error
}

type Paths struct {
	EnergyTrace string
	Archive     string
	SortPos     string
	SoftPbe     string
}

// ExecToolchain runs the utilities as child processes. Their output is only logged at debug level.
type ExecToolchain struct {
	paths Paths
	log   log.FieldLogger
}

func NewExecToolchain(paths Paths, logger log.FieldLogger) *ExecToolchain {
	return &ExecToolchain{paths: paths, log: logger}
}

func (t *ExecToolchain) DeriveEnergyTrace(ctx context.Context, dir string) error {
	return t.run(ctx, dir, t.paths.EnergyTrace)
}

func (t *ExecToolchain) Archive(ctx context.Context, dir, runName string) error {
	return t.run(ctx, dir, t.paths.Archive, runName)
}

func (t *ExecToolchain) RepairInputs(ctx context.Context, dir string) error {
	if err := t.run(ctx, dir, t.paths.SortPos); err != nil {
		return err
	}
	return t.run(ctx, dir, t.paths.SoftPbe)
}

func (t *ExecToolchain) run(ctx context.Context, dir, name string, args ...string) error {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	t.log.WithField("dir", dir).Debugf("%s %v: %s", name, args, out.String())
	if err != nil {
		return errors.Wrapf(err, "running %s in %s", name, dir)
	}
	return nil
}
