package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/automagician/internal/common/logging"
)

const sampleQueue = `JOBID ST WORK_DIR
53244 R /home/u/relax/a
53245 PD /home/u/relax/a/sc
53246 OOM /home/u/relax/b/wav
53247 CA /home/u/with space
broken
`

func TestParseQueue(t *testing.T) {
	entries := ParseQueue(sampleQueue)
	assert.Equal(t, []Entry{
		{JobID: "53244", State: "R", WorkDir: "/home/u/relax/a"},
		{JobID: "53245", State: "PD", WorkDir: "/home/u/relax/a/sc"},
		{JobID: "53246", State: "OOM", WorkDir: "/home/u/relax/b/wav"},
		{JobID: "53247", State: "CA", WorkDir: "/home/u/with space"},
	}, entries)
}

func TestParseQueue_HeaderOnly(t *testing.T) {
	assert.Empty(t, ParseQueue("JOBID ST WORK_DIR\n"))
	assert.Empty(t, ParseQueue(""))
}

func TestEntry_Failed(t *testing.T) {
	for _, state := range FailureStates {
		assert.True(t, Entry{State: state}.Failed(), state)
	}
	for _, state := range []string{"R", "PD", "CG", "S"} {
		assert.False(t, Entry{State: state}.Failed(), state)
	}
}

func TestCountQueue(t *testing.T) {
	assert.Equal(t, 5, CountQueue(sampleQueue))
	assert.Equal(t, 0, CountQueue("JOBID ST WORK_DIR\n"))
	assert.Equal(t, 0, CountQueue(""))
}

func script(t *testing.T, dir, name, body string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestSlurm(t *testing.T) {
	bin := t.TempDir()
	job := t.TempDir()
	calls := filepath.Join(bin, "calls")
	commands := Commands{
		Squeue:  script(t, bin, "squeue", "echo \"$@\" >> "+calls+"\necho 'JOBID ST WORK_DIR'\necho '1 R /a'\necho '2 TO /b'"),
		Sbatch:  script(t, bin, "sbatch", "pwd > submitted_from\necho \"$1\" > submitted_script"),
		Scancel: script(t, bin, "scancel", "echo \"cancel $1\" >> "+calls),
	}
	slurm := NewSlurm(commands, "someone", 2, time.Millisecond, logging.NullLogger)
	ctx := context.Background()

	entries, err := slurm.QueryUserJobs(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[1].Failed())

	depth, err := slurm.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	require.NoError(t, slurm.Cancel(ctx, "2"))
	require.NoError(t, slurm.Submit(ctx, job, "fri.sub"))

	recorded, err := os.ReadFile(calls)
	require.NoError(t, err)
	assert.Equal(t, "-u someone -o %A %t %Z\n\ncancel 2\n", string(recorded))

	submitted, err := os.ReadFile(filepath.Join(job, "submitted_script"))
	require.NoError(t, err)
	assert.Equal(t, "fri.sub\n", string(submitted))
}

func TestSlurm_RetriesQueue(t *testing.T) {
	bin := t.TempDir()
	counter := filepath.Join(bin, "attempts")
	commands := DefaultCommands()
	commands.Squeue = script(t, bin, "squeue",
		"echo x >> "+counter+"\n[ $(wc -l < "+counter+") -ge 3 ] || exit 1\necho 'JOBID ST WORK_DIR'")
	slurm := NewSlurm(commands, "someone", 3, time.Millisecond, logging.NullLogger)

	entries, err := slurm.QueryUserJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)

	slurm = NewSlurm(commands, "someone", 1, time.Millisecond, logging.NullLogger)
	require.NoError(t, os.Remove(counter))
	_, err = slurm.QueryUserJobs(context.Background())
	assert.Error(t, err)
}

func TestSlurm_SubmitFailure(t *testing.T) {
	bin := t.TempDir()
	commands := DefaultCommands()
	commands.Sbatch = script(t, bin, "sbatch", "echo 'invalid account' >&2\nexit 1")
	slurm := NewSlurm(commands, "someone", 1, time.Millisecond, logging.NullLogger)

	err := slurm.Submit(context.Background(), t.TempDir(), "fri.sub")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid account")
}
