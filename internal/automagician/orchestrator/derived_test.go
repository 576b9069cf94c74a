package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/automagician/internal/automagician/domain"
	"github.com/G-Research/automagician/internal/automagician/jobdir"
)

func (h *harness) convergedJob(t *testing.T, name string) string {
	dir := h.jobDir(t, name, domain.ClusterFrontera)
	write(t, dir, jobdir.FinalStructure, "relaxed\n")
	write(t, dir, jobdir.Certificate, "")
	h.maps.Opt[dir] = domain.NewOptJob(domain.StatusConverged, domain.ClusterFrontera)
	return dir
}

func TestProcessDos_Lifecycle(t *testing.T) {
	h := newHarness(t)
	dir := h.convergedJob(t, "relax")
	scDir := filepath.Join(dir, domain.ScDirName)
	dosDir := filepath.Join(dir, domain.DosDirName)

	require.NoError(t, h.o.ProcessDos(context.Background(), dir))
	job := h.maps.Dos[dir]
	require.NotNil(t, job)
	assert.Equal(t, domain.StatusRunning, job.ScStatus)
	assert.Equal(t, domain.StatusIncomplete, job.DosStatus)
	assert.Equal(t, []string{scDir}, h.queue.Dirs())
	assert.Equal(t, "relaxed\n", read(t, filepath.Join(scDir, jobdir.FinalStructure)))
	incar := read(t, filepath.Join(scDir, jobdir.Incar))
	assert.Contains(t, incar, "IBRION=-1\n")
	assert.Contains(t, incar, "LCHARGE=.TRUE.\n")
	assert.Contains(t, incar, "NSW=0\n")
	assert.Contains(t, read(t, filepath.Join(scDir, domain.ClusterFrontera.SubmissionScript())), jobdir.JobName(scDir))

	// Still writing its charge density.
	write(t, scDir, jobdir.Chgcar, "charge\n")
	require.NoError(t, h.o.ProcessDos(context.Background(), dir))
	assert.Equal(t, domain.StatusRunning, job.ScStatus)
	assert.NoDirExists(t, dosDir)

	idle(t, filepath.Join(scDir, jobdir.Chgcar))
	require.NoError(t, h.o.ProcessDos(context.Background(), dir))
	assert.Equal(t, domain.StatusConverged, job.ScStatus)
	assert.Equal(t, domain.StatusRunning, job.DosStatus)
	assert.Equal(t, []string{scDir, dosDir}, h.queue.Dirs())
	assert.Equal(t, "charge\n", read(t, filepath.Join(dosDir, jobdir.Chgcar)))
	incar = read(t, filepath.Join(dosDir, jobdir.Incar))
	assert.Contains(t, incar, "ICHARGE=11\n")
	assert.Contains(t, incar, "LORBIT=11\n")

	write(t, dosDir, jobdir.Doscar, "dos\n")
	idle(t, filepath.Join(dosDir, jobdir.Doscar))
	require.NoError(t, h.o.ProcessDos(context.Background(), dir))
	assert.Equal(t, domain.StatusConverged, job.ScStatus)
	assert.Equal(t, domain.StatusConverged, job.DosStatus)
	assert.Len(t, h.queue.Dirs(), 2)
}

func TestProcessDos_WaitsForConvergedParent(t *testing.T) {
	h := newHarness(t)
	dir := h.jobDir(t, "relax", domain.ClusterFrontera)
	h.maps.Opt[dir] = domain.NewOptJob(domain.StatusIncomplete, domain.ClusterFrontera)
	h.maps.DosFor(dir, domain.ClusterFrontera)
	h.maps.WavFor(dir, domain.ClusterFrontera)

	require.NoError(t, h.o.ProcessDos(context.Background(), dir))
	require.NoError(t, h.o.ProcessWav(context.Background(), dir))
	assert.NoDirExists(t, filepath.Join(dir, domain.ScDirName))
	assert.NoDirExists(t, filepath.Join(dir, domain.WavDirName))
	assert.Equal(t, domain.StatusIncomplete, h.maps.Dos[dir].ScStatus)
	assert.Zero(t, h.queue.Len())

	require.NoError(t, h.o.ProcessDos(context.Background(), filepath.Join(h.root, "unknown")))
	require.NoError(t, h.o.ProcessWav(context.Background(), filepath.Join(h.root, "unknown")))
}

func TestProcessDos_Failures(t *testing.T) {
	h := newHarness(t)
	dir := h.convergedJob(t, "relax")
	require.NoError(t, h.o.ProcessDos(context.Background(), dir))
	scDir := filepath.Join(dir, domain.ScDirName)

	write(t, scDir, jobdir.RunLog, jobdir.SchedulerFailurePhrase+"\n")
	require.NoError(t, h.o.ProcessDos(context.Background(), dir))
	assert.Equal(t, domain.StatusError, h.maps.Dos[dir].ScStatus)
	assert.Equal(t, domain.StatusIncomplete, h.maps.Dos[dir].DosStatus)

	write(t, scDir, jobdir.Chgcar, "charge\n")
	idle(t, filepath.Join(scDir, jobdir.Chgcar))
	require.NoError(t, h.o.ProcessDos(context.Background(), dir))
	dosDir := filepath.Join(dir, domain.DosDirName)
	write(t, dosDir, jobdir.RunLog, jobdir.SchedulerFailurePhrase+"\n")
	require.NoError(t, h.o.ProcessDos(context.Background(), dir))
	assert.Equal(t, domain.StatusConverged, h.maps.Dos[dir].ScStatus)
	assert.Equal(t, domain.StatusError, h.maps.Dos[dir].DosStatus)
}

func TestProcessWav_Lifecycle(t *testing.T) {
	h := newHarness(t)
	dir := h.convergedJob(t, "relax")
	wavDir := filepath.Join(dir, domain.WavDirName)

	require.NoError(t, h.o.ProcessWav(context.Background(), dir))
	job := h.maps.Wav[dir]
	require.NotNil(t, job)
	assert.Equal(t, domain.StatusRunning, job.Status)
	assert.Equal(t, domain.ClusterFrontera, job.LastOn)
	assert.Equal(t, []string{wavDir}, h.queue.Dirs())
	incar := read(t, filepath.Join(wavDir, jobdir.Incar))
	assert.Contains(t, incar, "LWAVE=.TRUE.\n")
	assert.Contains(t, incar, "ISIF = 2\n")

	write(t, wavDir, jobdir.RunLog, jobdir.SchedulerFailurePhrase+"\n")
	require.NoError(t, h.o.ProcessWav(context.Background(), dir))
	assert.Equal(t, domain.StatusError, job.Status)

	write(t, wavDir, jobdir.Wavecar, "wave\n")
	idle(t, filepath.Join(wavDir, jobdir.Wavecar))
	require.NoError(t, h.o.ProcessWav(context.Background(), dir))
	assert.Equal(t, domain.StatusConverged, job.Status)
}

func TestProcessWav_PostponedWhenQueueIsFull(t *testing.T) {
	h := newHarness(t, withQueue(1, true))
	first := h.jobDir(t, "first", domain.ClusterFrontera)
	h.maps.Opt[first] = domain.NewOptJob(domain.StatusIncomplete, domain.ClusterFrontera)
	require.NoError(t, h.o.ProcessOpt(context.Background(), first))
	require.True(t, h.queue.HitLimit())

	dir := h.convergedJob(t, "relax")
	require.NoError(t, h.o.ProcessWav(context.Background(), dir))
	assert.Equal(t, domain.StatusIncomplete, h.maps.Wav[dir].Status)
	assert.NoDirExists(t, filepath.Join(dir, domain.WavDirName))
	assert.Equal(t, []string{first}, h.queue.Dirs())
}

func TestProcessWav_CreationFailure(t *testing.T) {
	h := newHarness(t)
	dir := h.convergedJob(t, "relax")
	require.NoError(t, os.Remove(filepath.Join(dir, jobdir.Kpoints)))

	require.NoError(t, h.o.ProcessWav(context.Background(), dir))
	assert.Equal(t, domain.StatusError, h.maps.Wav[dir].Status)
	assert.NoDirExists(t, filepath.Join(dir, domain.WavDirName))
	assert.Zero(t, h.queue.Len())
}
