package automagician

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/automagician/internal/automagician/configuration"
	"github.com/G-Research/automagician/internal/automagician/domain"
	"github.com/G-Research/automagician/internal/automagician/jobdir"
	"github.com/G-Research/automagician/internal/automagician/lock"
	"github.com/G-Research/automagician/internal/automagician/remote"
	"github.com/G-Research/automagician/internal/automagician/repository"
	"github.com/G-Research/automagician/internal/automagician/scheduler"
	schedulerfake "github.com/G-Research/automagician/internal/automagician/scheduler/fake"
	toolsfake "github.com/G-Research/automagician/internal/automagician/tools/fake"
	commonconfig "github.com/G-Research/automagician/internal/common/config"
	"github.com/G-Research/automagician/internal/common/logging"
)

var now = time.Date(2022, 6, 1, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	home      string
	jobs      string
	config    configuration.AutomagicianConfiguration
	scheduler *schedulerfake.Scheduler
	tools     *toolsfake.Toolchain
}

func newTestEnv(t *testing.T) *testEnv {
	home := t.TempDir()
	return &testEnv{
		home: home,
		jobs: t.TempDir(),
		config: configuration.AutomagicianConfiguration{
			Cluster:   domain.ClusterFrontera,
			HomeDir:   commonconfig.ExpandedPath(home),
			RemoteDir: "/automagician_jobs",
			Database:  configuration.DatabaseConfig{Type: configuration.SQLite},
			Lock:      configuration.LockConfig{Dir: filepath.Join(home, "locks")},
			Quota: map[domain.Cluster]int{
				domain.ClusterStampede2: 50,
				domain.ClusterFrontera:  10,
				domain.ClusterLs6:       200,
			},
			CompletionIdle: 120 * time.Second,
			Run:            configuration.RunConfig{Limit: 100},
		},
		scheduler: &schedulerfake.Scheduler{},
		tools:     toolsfake.NewToolchain(),
	}
}

func (e *testEnv) app(options Options) *App {
	a := New(e.config, options, logging.NullLogger)
	a.clock = clock.NewFakeClock(now)
	a.toolchain = e.tools
	a.getenv = func(key string) string {
		if key == "USER" {
			return "alice"
		}
		return ""
	}
	a.newScheduler = func(string, log.FieldLogger) scheduler.Scheduler { return e.scheduler }
	a.dialPeer = func(context.Context, remote.Config, log.FieldLogger) (remote.Transport, error) {
		return nil, errors.New("no peer in tests")
	}
	return a
}

func (e *testEnv) jobDir(t *testing.T, name string) string {
	dir := filepath.Join(e.jobs, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, f := range append([]string{domain.ClusterFrontera.SubmissionScript()}, jobdir.RequiredInputs...) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("#SBATCH -J x\n"), 0o644))
	}
	return dir
}

func (e *testEnv) storedOptJobs(t *testing.T) map[string]*domain.OptJob {
	store, err := repository.NewSQLiteJobStore(context.Background(), filepath.Join(e.home, repository.DefaultDatabaseName), logging.NullLogger)
	require.NoError(t, err)
	defer store.Close()
	jobs, err := store.OptJobs(context.Background())
	require.NoError(t, err)
	return jobs
}

func TestRun_RegisterThenProcess(t *testing.T) {
	env := newTestEnv(t)
	dir := env.jobDir(t, "relax")

	require.NoError(t, env.app(Options{Register: []string{dir}}).Run(context.Background()))

	require.Len(t, env.scheduler.Submitted, 1)
	assert.Equal(t, dir, env.scheduler.Submitted[0].Dir)
	stored := env.storedOptJobs(t)
	require.Contains(t, stored, dir)
	assert.Equal(t, domain.StatusRunning, stored[dir].Status)
	assert.Equal(t, domain.ClusterFrontera, stored[dir].LastOn)
	assert.FileExists(t, filepath.Join(env.home, jobdir.PreliminaryResults))
	assert.NoFileExists(t, lock.Path(env.config.Lock.Dir, "alice"))

	// The job has left the scheduler with a converged log.
	require.NoError(t, os.WriteFile(filepath.Join(dir, jobdir.FinalStructure), []byte("relaxed\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, jobdir.RunLog), []byte(jobdir.ConvergencePhrase+"\n"), 0o644))

	require.NoError(t, env.app(Options{Process: true}).Run(context.Background()))

	assert.Len(t, env.scheduler.Submitted, 1)
	stored = env.storedOptJobs(t)
	assert.Equal(t, domain.StatusConverged, stored[dir].Status)
	assert.FileExists(t, filepath.Join(dir, jobdir.Certificate))
}

func TestRun_ProcessStillRunningJob(t *testing.T) {
	env := newTestEnv(t)
	dir := env.jobDir(t, "relax")
	require.NoError(t, env.app(Options{Register: []string{dir}}).Run(context.Background()))

	env.scheduler.Entries = []scheduler.Entry{{JobID: "42", State: "R", WorkDir: dir}}
	require.NoError(t, env.app(Options{Process: true}).Run(context.Background()))

	assert.Len(t, env.scheduler.Submitted, 1)
	assert.Equal(t, domain.StatusRunning, env.storedOptJobs(t)[dir].Status)
}

func TestRun_DbDebugOnlyLists(t *testing.T) {
	env := newTestEnv(t)
	dir := env.jobDir(t, "relax")
	env.config.Run.Limit = 1
	require.NoError(t, env.app(Options{Register: []string{dir}}).Run(context.Background()))
	assert.Empty(t, env.scheduler.Submitted)
	assert.Equal(t, domain.StatusIncomplete, env.storedOptJobs(t)[dir].Status)

	env.config.Run.Limit = 100
	require.NoError(t, env.app(Options{Process: true, DbDebug: true}).Run(context.Background()))
	assert.Empty(t, env.scheduler.Submitted)
}

func TestRun_MaintenanceOptions(t *testing.T) {
	env := newTestEnv(t)
	keep := env.jobDir(t, "keep")
	drop := env.jobDir(t, "drop")
	require.NoError(t, env.app(Options{Register: []string{keep, drop}}).Run(context.Background()))

	err := env.app(Options{ResetStatus: true, DeleteWorkingDir: true, WorkingDir: drop, PlainText: true}).Run(context.Background())
	require.NoError(t, err)

	stored := env.storedOptJobs(t)
	assert.NotContains(t, stored, drop)
	require.Contains(t, stored, keep)
	assert.Equal(t, domain.StatusIncomplete, stored[keep].Status)

	dump, err := os.ReadFile(filepath.Join(env.home, jobdir.PlainTextDump))
	require.NoError(t, err)
	assert.Contains(t, string(dump), keep)
	assert.NotContains(t, string(dump), drop)
}

func TestRun_Locked(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.MkdirAll(env.config.Lock.Dir, 0o755))
	require.NoError(t, os.WriteFile(lock.Path(env.config.Lock.Dir, "alice"), []byte("another run\n"), 0o644))

	err := env.app(Options{Process: true}).Run(context.Background())
	var locked *domain.ErrLocked
	require.True(t, errors.As(err, &locked))
	assert.NoFileExists(t, filepath.Join(env.home, repository.DefaultDatabaseName))
	assert.FileExists(t, lock.Path(env.config.Lock.Dir, "alice"))
}

func TestRun_SchedulerUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.scheduler.QueryErr = errors.New("squeue: command not found")

	err := env.app(Options{Process: true}).Run(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "reconciling"))
	assert.NoFileExists(t, lock.Path(env.config.Lock.Dir, "alice"))
}

func TestCluster(t *testing.T) {
	env := newTestEnv(t)
	env.config.Cluster = domain.ClusterUnknown
	a := env.app(Options{})

	a.hostname = func() (string, error) { return "login2.ls6.tacc.utexas.edu", nil }
	cluster, err := a.Cluster()
	require.NoError(t, err)
	assert.Equal(t, domain.ClusterLs6, cluster)

	a.hostname = func() (string, error) { return "laptop", nil }
	_, err = a.Cluster()
	var unknown *domain.ErrUnknownCluster
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "laptop", unknown.Value)
}

func TestHome(t *testing.T) {
	env := newTestEnv(t)
	env.config.HomeDir = ""
	a := env.app(Options{})
	a.getenv = func(key string) string {
		return map[string]string{"HOME": "/home/alice", "WORK": "/work2/0001/alice/frontera"}[key]
	}

	home, err := a.Home(domain.ClusterFri)
	require.NoError(t, err)
	assert.Equal(t, "/home/alice", home)

	home, err = a.Home(domain.ClusterFrontera)
	require.NoError(t, err)
	assert.Equal(t, "/work2/0001/alice", home)

	a.getenv = func(string) string { return "" }
	_, err = a.Home(domain.ClusterLs6)
	assert.Error(t, err)
}

func TestWithStore(t *testing.T) {
	env := newTestEnv(t)
	dir := env.jobDir(t, "relax")
	require.NoError(t, env.app(Options{Register: []string{dir}}).Run(context.Background()))

	err := env.app(Options{}).WithStore(context.Background(), func(ctx context.Context, store repository.JobStore, home string) error {
		assert.Equal(t, env.home, home)
		assert.FileExists(t, lock.Path(env.config.Lock.Dir, "alice"))
		return store.ResetOptStatuses(ctx, domain.StatusIncomplete)
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIncomplete, env.storedOptJobs(t)[dir].Status)
	assert.NoFileExists(t, lock.Path(env.config.Lock.Dir, "alice"))

	failure := errors.New("boom")
	err = env.app(Options{}).WithStore(context.Background(), func(context.Context, repository.JobStore, string) error {
		return failure
	})
	assert.ErrorIs(t, err, failure)
}
