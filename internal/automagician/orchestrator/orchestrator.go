package orchestrator

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/automagician/internal/automagician/convergence"
	"github.com/G-Research/automagician/internal/automagician/domain"
	"github.com/G-Research/automagician/internal/automagician/jobdir"
	"github.com/G-Research/automagician/internal/automagician/metrics"
	"github.com/G-Research/automagician/internal/automagician/remote"
	"github.com/G-Research/automagician/internal/automagician/tools"
)

type Config struct {
	Cluster domain.Cluster
	// MirrorRoot is where the peer keeps copies of job directories it ran for us.
	MirrorRoot       string
	ClearCertificate bool
}

// Orchestrator walks job directories through their lifecycle for a single run.
// It mutates the run's job maps and fills the run's submission queue; it is not safe for concurrent use.
type Orchestrator struct {
	config    Config
	engine    *convergence.Engine
	tools     tools.Toolchain
	transport remote.Transport
	maps      *domain.JobMaps
	queue     *domain.SubmissionQueue
	reports   *Reports
	metrics   *metrics.Metrics
	log       log.FieldLogger
}

func New(
	config Config,
	engine *convergence.Engine,
	toolchain tools.Toolchain,
	transport remote.Transport,
	maps *domain.JobMaps,
	queue *domain.SubmissionQueue,
	reports *Reports,
	m *metrics.Metrics,
	logger log.FieldLogger,
) *Orchestrator {
	return &Orchestrator{
		config:    config,
		engine:    engine,
		tools:     toolchain,
		transport: transport,
		maps:      maps,
		queue:     queue,
		reports:   reports,
		metrics:   m,
		log:       logger,
	}
}

// ProcessOpt advances the optimization job in dir by one step.
func (o *Orchestrator) ProcessOpt(ctx context.Context, dir string) error {
	logger := o.log.WithField("dir", dir)
	job, ok := o.maps.Opt[dir]
	if !ok {
		logger.Warn("no record for optimization job")
		return nil
	}
	defer func() { o.metrics.RecordProcessed(domain.KindOpt, job.Status) }()

	self := o.config.Cluster
	if peer, paired := self.Peer(); paired && o.transport.Enabled() && job.LastOn == peer {
		o.pullBack(ctx, dir, logger)
		job.LastOn = self
	}

	if !jobdir.IsDir(dir) {
		logger.Warn("job directory vanished")
		job.Status = domain.StatusNotFound
		return nil
	}
	if !jobdir.HasRequiredInputs(dir, self.SubmissionScript()) {
		logger.Warnf("missing one of %v or %s, skipping", jobdir.RequiredInputs, self.SubmissionScript())
		return nil
	}
	if o.config.ClearCertificate {
		if err := convergence.ClearCertificate(dir); err != nil {
			return err
		}
	}
	if job.Status == domain.StatusRunning {
		return o.reports.Preliminary(dir)
	}
	if !jobdir.Exists(filepath.Join(dir, jobdir.RunLog)) {
		return o.processUnconverged(ctx, dir, job)
	}

	fixed := false
	failed, err := convergence.HasSchedulerFailure(dir)
	if err != nil {
		return err
	}
	if failed {
		job.Status = domain.StatusError
		if err := o.reports.RecordErrors(dir); err != nil {
			logger.WithError(err).Warn("could not write error log")
		}
		fixed = o.fixError(ctx, dir, logger)
	}

	converged, err := o.engine.DetermineConvergence(ctx, dir)
	if err != nil {
		return err
	}
	if converged && !fixed {
		created, err := convergence.GiveCertificate(dir)
		if err != nil {
			return err
		}
		if created {
			logger.Info("converged")
		}
		job.Status = domain.StatusConverged
		return nil
	}
	return o.processUnconverged(ctx, dir, job)
}

func (o *Orchestrator) processUnconverged(ctx context.Context, dir string, job *domain.OptJob) error {
	job.Status = domain.StatusIncomplete
	structure := filepath.Join(dir, jobdir.FinalStructure)
	if jobdir.Exists(structure) && jobdir.Exists(filepath.Join(dir, jobdir.Outcar)) && jobdir.NonEmpty(structure) {
		if err := o.wrapUp(ctx, dir); err != nil {
			o.log.WithField("dir", dir).WithError(err).Warn("could not archive run")
		}
		if err := o.reports.Preliminary(dir); err != nil {
			return err
		}
	}
	_, err := o.enqueue(dir)
	return err
}

// fixError tries the known remedies for the errors in dir's run log and reports whether one was attempted.
func (o *Orchestrator) fixError(ctx context.Context, dir string, logger log.FieldLogger) bool {
	lines, err := jobdir.ErrorLines(filepath.Join(dir, jobdir.RunLog))
	if err != nil {
		logger.WithError(err).Warn("could not read run log")
		return false
	}
	for _, line := range lines {
		switch {
		case strings.Contains(line, jobdir.RootFindingFailure):
			if !jobdir.NonEmpty(filepath.Join(dir, jobdir.FinalStructure)) {
				return false
			}
			if err := o.wrapUp(ctx, dir); err != nil {
				logger.WithError(err).Warn("could not archive run")
			}
			return true
		case strings.Contains(line, jobdir.PotentialCountMismatch):
			if err := o.tools.RepairInputs(ctx, dir); err != nil {
				logger.WithError(err).Warn("could not repair inputs")
			}
			return true
		}
	}
	logger.Info("a fix was not attempted")
	return false
}

// wrapUp archives the finished run into the next run<N> directory and moves the run log with it.
func (o *Orchestrator) wrapUp(ctx context.Context, dir string) error {
	run, err := jobdir.NextRunName(dir)
	if err != nil {
		return err
	}
	if err := o.tools.Archive(ctx, dir, run); err != nil {
		return err
	}
	runLog := filepath.Join(dir, jobdir.RunLog)
	if !jobdir.Exists(runLog) {
		return nil
	}
	if err := os.MkdirAll(filepath.Join(dir, run), 0o755); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(runLog, filepath.Join(dir, run, jobdir.RunLog)))
}

// enqueue stamps the job name into dir's submission script and queues dir.
// Once the queue has hit its ceiling in continue-past-limit mode nothing is touched.
func (o *Orchestrator) enqueue(dir string) (bool, error) {
	if o.queue.HitLimit() {
		return true, nil
	}
	script := filepath.Join(dir, o.config.Cluster.SubmissionScript())
	if err := jobdir.UpdateJobName(script, dir); err != nil {
		return false, err
	}
	return o.queue.Add(dir)
}

// pullBack replaces dir with the copy the peer ran. The local copy is kept when the fetch fails.
func (o *Orchestrator) pullBack(ctx context.Context, dir string, logger log.FieldLogger) {
	staging, err := os.MkdirTemp(filepath.Dir(dir), ".automagician-pull-")
	if err != nil {
		logger.WithError(err).Warn("could not stage pull from peer")
		return
	}
	if err := os.Chmod(staging, 0o755); err != nil {
		logger.WithError(err).Warn("could not stage pull from peer")
		_ = os.RemoveAll(staging)
		return
	}
	if err := o.transport.GetDirectory(ctx, path.Join(o.config.MirrorRoot, dir), staging); err != nil {
		logger.WithError(err).Warn("could not pull job back from peer")
		_ = os.RemoveAll(staging)
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.WithError(err).Warn("could not replace local copy")
		_ = os.RemoveAll(staging)
		return
	}
	if err := os.Rename(staging, dir); err != nil {
		logger.WithError(err).Warn("could not move pulled job into place")
		return
	}
	logger.Info("pulled job back from peer")
}
