package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/automagician/internal/common/logging"
)

func script(t *testing.T, dir, name, body string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestExecToolchain(t *testing.T) {
	bin := t.TempDir()
	job := t.TempDir()
	paths := Paths{
		EnergyTrace: script(t, bin, "vef.pl", "echo '1 0.1 -10.0' > fe.dat"),
		Archive:     script(t, bin, "vfin.pl", "mkdir \"$1\""),
		SortPos:     script(t, bin, "sortpos.py", "touch sorted"),
		SoftPbe:     script(t, bin, "sogetsoftpbe.py", "touch soft"),
	}
	toolchain := NewExecToolchain(paths, logging.NullLogger)
	ctx := context.Background()

	require.NoError(t, toolchain.DeriveEnergyTrace(ctx, job))
	assert.FileExists(t, filepath.Join(job, "fe.dat"))

	require.NoError(t, toolchain.Archive(ctx, job, "run0"))
	assert.DirExists(t, filepath.Join(job, "run0"))

	require.NoError(t, toolchain.RepairInputs(ctx, job))
	assert.FileExists(t, filepath.Join(job, "sorted"))
	assert.FileExists(t, filepath.Join(job, "soft"))
}

func TestExecToolchain_Failure(t *testing.T) {
	bin := t.TempDir()
	toolchain := NewExecToolchain(Paths{
		SortPos: script(t, bin, "sortpos.py", "exit 3"),
		SoftPbe: filepath.Join(bin, "never-run"),
	}, logging.NullLogger)

	err := toolchain.RepairInputs(context.Background(), t.TempDir())
	assert.Error(t, err)

	err = toolchain.DeriveEnergyTrace(context.Background(), t.TempDir())
	assert.Error(t, err, "missing binary")
}
