package automagician

import (
	"context"
	"os"
	"os/user"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/automagician/internal/automagician/balancer"
	"github.com/G-Research/automagician/internal/automagician/configuration"
	"github.com/G-Research/automagician/internal/automagician/convergence"
	"github.com/G-Research/automagician/internal/automagician/domain"
	"github.com/G-Research/automagician/internal/automagician/jobdir"
	"github.com/G-Research/automagician/internal/automagician/lock"
	"github.com/G-Research/automagician/internal/automagician/metrics"
	"github.com/G-Research/automagician/internal/automagician/orchestrator"
	"github.com/G-Research/automagician/internal/automagician/reconciler"
	"github.com/G-Research/automagician/internal/automagician/remote"
	"github.com/G-Research/automagician/internal/automagician/repository"
	"github.com/G-Research/automagician/internal/automagician/scheduler"
	"github.com/G-Research/automagician/internal/automagician/tools"
	"github.com/G-Research/automagician/internal/common/logging"
	"github.com/G-Research/automagician/internal/common/util"
)

// Options are the per-invocation choices made on the command line.
type Options struct {
	// Register lists job directories to add and process.
	Register []string
	// Process re-processes every stored Incomplete optimization job.
	Process bool
	// DbDebug lists what Process would look at without touching anything.
	DbDebug bool
	// ResetStatus sets every stored optimization job back to Incomplete before processing.
	ResetStatus bool
	// DeleteWorkingDir removes the record of WorkingDir once the run is over.
	DeleteWorkingDir bool
	// PlainText dumps the job tables to <home>/opt_jobs once the run is over.
	PlainText  bool
	WorkingDir string
}

// App performs a single run: reconcile with the scheduler, process jobs, submit, persist.
type App struct {
	config  configuration.AutomagicianConfiguration
	options Options
	clock   clock.Clock
	log     log.FieldLogger

	hostname     func() (string, error)
	getenv       func(string) string
	toolchain    tools.Toolchain
	newScheduler func(user string, logger log.FieldLogger) scheduler.Scheduler
	dialPeer     func(ctx context.Context, config remote.Config, logger log.FieldLogger) (remote.Transport, error)
}

func New(config configuration.AutomagicianConfiguration, options Options, logger log.FieldLogger) *App {
	return &App{
		config:   config,
		options:  options,
		clock:    clock.RealClock{},
		log:      logger,
		hostname: os.Hostname,
		getenv:   os.Getenv,
		toolchain: tools.NewExecToolchain(tools.Paths{
			EnergyTrace: config.Tools.EnergyTrace,
			Archive:     config.Tools.Archive,
			SortPos:     config.Tools.SortPos,
			SoftPbe:     config.Tools.SoftPbe,
		}, logger),
		newScheduler: func(user string, logger log.FieldLogger) scheduler.Scheduler {
			return scheduler.NewSlurm(scheduler.DefaultCommands(), user, config.Squeue.Retries, config.Squeue.RetryDelay, logger)
		},
		dialPeer: func(ctx context.Context, config remote.Config, logger log.FieldLogger) (remote.Transport, error) {
			return remote.Dial(ctx, config, logger)
		},
	}
}

// Cluster returns the configured cluster, or the one this host belongs to.
func (a *App) Cluster() (domain.Cluster, error) {
	if a.config.Cluster != domain.ClusterUnknown {
		return a.config.Cluster, nil
	}
	hostname, err := a.hostname()
	if err != nil {
		return domain.ClusterUnknown, errors.WithStack(err)
	}
	cluster := domain.ClusterFromHostname(hostname)
	if cluster == domain.ClusterUnknown {
		return cluster, &domain.ErrUnknownCluster{Value: hostname}
	}
	return cluster, nil
}

// Home is where the database, preliminary results and error log live: $HOME on the paired
// clusters and the parent of $WORK on the quota clusters, unless configured.
func (a *App) Home(cluster domain.Cluster) (string, error) {
	if a.config.HomeDir != "" {
		return string(a.config.HomeDir), nil
	}
	if cluster.Group() == domain.GroupQuota {
		work := a.getenv("WORK")
		if work == "" {
			return "", errors.New("WORK is not set")
		}
		return filepath.Clean(filepath.Join(work, "..")), nil
	}
	home := a.getenv("HOME")
	if home == "" {
		return "", errors.New("HOME is not set")
	}
	return home, nil
}

func (a *App) user() (string, error) {
	if name := a.getenv("USER"); name != "" {
		return name, nil
	}
	current, err := user.Current()
	if err != nil {
		return "", errors.WithStack(err)
	}
	return current.Username, nil
}

// connectPeer opens the transport to the paired peer when balancing is requested. Any failure
// leaves balancing to the peer disabled for this run.
func (a *App) connectPeer(ctx context.Context, cluster domain.Cluster, user, home string, logger log.FieldLogger) remote.Transport {
	peer, paired := cluster.Peer()
	if !a.config.Run.Balance || !paired {
		return remote.Disabled{}
	}
	keyPath := string(a.config.Ssh.KeyPath)
	if keyPath == "" {
		keyPath = filepath.Join(home, ".ssh", "automagician_id_rsa")
	}
	sshUser := a.config.Ssh.User
	if sshUser == "" {
		sshUser = user
	}
	transport, err := a.dialPeer(ctx, remote.Config{
		Host:           peer.Hostname(),
		Port:           a.config.Ssh.Port,
		User:           sshUser,
		KeyPath:        keyPath,
		KnownHostsPath: string(a.config.Ssh.KnownHostsPath),
		Timeout:        a.config.Ssh.Timeout,
		ProbeRetries:   a.config.Ssh.ProbeRetries,
	}, logger)
	if err != nil {
		logger.WithError(err).Warnf("could not reach %s, balancing to it is disabled", peer)
		return remote.Disabled{}
	}
	logger.Infof("connected to %s", peer)
	return transport
}

// Run performs the run. Once the lock is held, queued jobs are submitted and job statuses are
// written even when processing fails or ctx is cancelled.
func (a *App) Run(ctx context.Context) (err error) {
	cluster, err := a.Cluster()
	if err != nil {
		return err
	}
	home, err := a.Home(cluster)
	if err != nil {
		return err
	}
	userName, err := a.user()
	if err != nil {
		return err
	}
	logger := a.log.WithField("cluster", cluster)

	transport := a.connectPeer(ctx, cluster, userName, home, logger)
	defer util.CloseResource(logger, "peer connection", transport)

	runLock, err := lock.Acquire(ctx, a.config.Lock.Dir, lock.NewHolder(userName, cluster, a.clock), transport, logger)
	if err != nil {
		return err
	}
	logger = logger.WithField("runId", runLock.Holder().RunID)
	defer func() {
		// A cancelled run still releases its lock.
		if releaseErr := runLock.Release(context.Background()); releaseErr != nil {
			err = multierror.Append(err, releaseErr)
		}
	}()

	store, err := repository.New(ctx, a.config.Database, home, logger)
	if err != nil {
		return err
	}
	defer util.CloseResource(logger, "job store", store)

	maps, err := repository.LoadJobMaps(ctx, store)
	if err != nil {
		return err
	}
	m := metrics.New()
	sched := a.newScheduler(userName, logger)
	occupancy, err := reconciler.NewStateReconciler(cluster, sched, m, logger).Reconcile(ctx, maps)
	if err != nil {
		return errors.WithMessage(err, "reconciling with the scheduler")
	}

	preliminary, err := os.Create(filepath.Join(home, jobdir.PreliminaryResults))
	if err != nil {
		return errors.WithStack(err)
	}
	defer util.CloseResource(logger, "preliminary results", preliminary)

	queue := domain.NewSubmissionQueue(a.config.Run.Limit, a.config.Run.ContinuePastLimit)
	orch := orchestrator.New(
		orchestrator.Config{
			Cluster:          cluster,
			MirrorRoot:       home + a.config.RemoteDir,
			ClearCertificate: a.config.Run.ClearCertificate,
		},
		convergence.NewEngine(a.toolchain, a.clock, a.config.CompletionIdle, logger),
		a.toolchain,
		transport,
		maps,
		queue,
		orchestrator.NewReports(preliminary, filepath.Join(home, jobdir.ErrorLog), a.clock),
		m,
		logger,
	)

	var result *multierror.Error
	if processErr := a.process(ctx, orch, store, maps, logger); processErr != nil {
		result = multierror.Append(result, processErr)
	}

	// Cleanup runs even when ctx was cancelled by a signal.
	cleanupCtx := context.Background()
	lb := balancer.NewLoadBalancer(
		balancer.Config{
			Cluster:     cluster,
			TemplateDir: a.templateDir(cluster),
			Quota:       a.config.Quota,
			MirrorRoot:  home + a.config.RemoteDir,
		},
		sched,
		transport,
		store,
		m,
		logger,
	)
	logger.Info("done processing, submitting queued jobs")
	submitted := lb.Submit(cleanupCtx, maps, balancer.Request{
		Pending:   queue.Dirs(),
		Balance:   a.config.Run.Balance,
		Limit:     queue.Limit(),
		Occupancy: occupancy,
	})
	logger.WithFields(log.Fields{
		"local":     submitted.Local,
		"remote":    submitted.Remote,
		"relocated": submitted.Relocated,
		"failed":    submitted.Failed,
		"skipped":   submitted.Skipped,
	}).Info("submission finished")

	if writeErr := repository.WriteJobStatuses(cleanupCtx, store, maps, logger); writeErr != nil {
		result = multierror.Append(result, writeErr)
	}
	if a.options.DeleteWorkingDir {
		if delErr := store.DeleteOptJob(cleanupCtx, a.options.WorkingDir); delErr != nil {
			result = multierror.Append(result, delErr)
		}
	}
	if a.options.PlainText {
		dumpPath := filepath.Join(home, jobdir.PlainTextDump)
		if dumpErr := WritePlainTextFile(cleanupCtx, store, dumpPath); dumpErr != nil {
			result = multierror.Append(result, dumpErr)
		} else {
			logger.Infof("wrote plain text database to %s", dumpPath)
		}
	}
	if metricsErr := m.WriteTextfile(string(a.config.Metrics.TextfilePath)); metricsErr != nil {
		result = multierror.Append(result, metricsErr)
	}
	return result.ErrorOrNil()
}

// process runs the requested modes. Reaching the submission limit ends processing without being an error.
func (a *App) process(ctx context.Context, orch *orchestrator.Orchestrator, store repository.JobStore, maps *domain.JobMaps, logger log.FieldLogger) error {
	if err := orch.GoneCheck(ctx, store); err != nil {
		logging.WithStacktrace(logger, err).Warn("gone job check failed")
	}
	if a.options.ResetStatus {
		if err := store.ResetOptStatuses(ctx, domain.StatusIncomplete); err != nil {
			return err
		}
		for _, job := range maps.Opt {
			job.Status = domain.StatusIncomplete
		}
		logger.Info("reset every optimization job to incomplete")
	}

	var result *multierror.Error
	if len(a.options.Register) > 0 {
		logger.Info("registering jobs")
		result = multierror.Append(result, orch.Register(ctx, a.options.Register))
	}
	if a.options.Process && !reachedLimit(result.ErrorOrNil()) {
		logger.Info("processing all unconverged optimization jobs")
		batch := orch.StoredBatch()
		if a.options.DbDebug {
			for _, dir := range batch.Opt {
				logger.WithField("dir", dir).Info("inspecting recorded job")
			}
		} else {
			result = multierror.Append(result, orch.Run(ctx, batch))
		}
	}
	return withoutLimit(result.ErrorOrNil(), logger)
}

func reachedLimit(err error) bool {
	var limitErr *domain.ErrSubmissionLimitReached
	return errors.As(err, &limitErr)
}

// withoutLimit drops the submission limit from err, logging it instead.
func withoutLimit(err error, logger log.FieldLogger) error {
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		return err
	}
	var rest *multierror.Error
	for _, e := range merr.Errors {
		var limitErr *domain.ErrSubmissionLimitReached
		if errors.As(e, &limitErr) {
			logger.Warn(limitErr.Error())
			continue
		}
		rest = multierror.Append(rest, e)
	}
	return rest.ErrorOrNil()
}

func (a *App) templateDir(cluster domain.Cluster) string {
	if cluster.Group() == domain.GroupPaired {
		return string(a.config.Templates.Paired)
	}
	return string(a.config.Templates.Quota)
}

// WritePlainTextFile replaces path with a plain text dump of the job tables.
func WritePlainTextFile(ctx context.Context, store repository.JobStore, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := repository.WritePlainText(ctx, store, f); err != nil {
		f.Close()
		return err
	}
	return errors.WithStack(f.Close())
}

// WithStore runs fn against this host's job store while holding the run lock.
func (a *App) WithStore(ctx context.Context, fn func(ctx context.Context, store repository.JobStore, home string) error) (err error) {
	cluster, err := a.Cluster()
	if err != nil {
		return err
	}
	home, err := a.Home(cluster)
	if err != nil {
		return err
	}
	userName, err := a.user()
	if err != nil {
		return err
	}
	logger := a.log.WithField("cluster", cluster)
	runLock, err := lock.Acquire(ctx, a.config.Lock.Dir, lock.NewHolder(userName, cluster, a.clock), remote.Disabled{}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := runLock.Release(context.Background()); releaseErr != nil {
			err = multierror.Append(err, releaseErr)
		}
	}()
	store, err := repository.New(ctx, a.config.Database, home, logger)
	if err != nil {
		return err
	}
	defer util.CloseResource(logger, "job store", store)
	return fn(ctx, store, home)
}
