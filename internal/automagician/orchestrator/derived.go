package orchestrator

import (
	"context"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/automagician/internal/automagician/convergence"
	"github.com/G-Research/automagician/internal/automagician/domain"
	"github.com/G-Research/automagician/internal/automagician/jobdir"
)

var (
	scTags = []jobdir.Tag{
		{Key: "IBRION", Value: "-1"},
		{Key: "LCHARGE", Value: ".TRUE."},
		{Key: "NSW", Value: "0"},
	}
	dosTags = []jobdir.Tag{
		{Key: "ICHARGE", Value: "11"},
		{Key: "LORBIT", Value: "11"},
	}
	wavTags = []jobdir.Tag{
		{Key: "IBRION", Value: "-1"},
		{Key: "LWAVE", Value: ".TRUE."},
		{Key: "NSW", Value: "0"},
	}
)

// ProcessDos advances the density job hanging off the optimization job in parent.
// Nothing happens until the optimization has converged. The self-consistent stage is
// created first; the density of states stage is created from it once it completes.
func (o *Orchestrator) ProcessDos(ctx context.Context, parent string) error {
	logger := o.log.WithField("dir", parent)
	opt, ok := o.maps.Opt[parent]
	if !ok {
		logger.Warn("no optimization job for density job")
		return nil
	}
	if opt.Status != domain.StatusConverged {
		return nil
	}
	self := o.config.Cluster
	job := o.maps.DosFor(parent, self)
	defer func() {
		o.metrics.RecordProcessed(domain.KindSc, job.ScStatus)
		o.metrics.RecordProcessed(domain.KindDos, job.DosStatus)
	}()

	scDir := domain.DerivedDir(parent, domain.KindSc)
	if !jobdir.IsDir(scDir) {
		status, err := o.createDerived(parent, scDir, scTags, logger)
		job.ScStatus = status
		job.ScLastOn = self
		job.DosStatus = domain.StatusIncomplete
		return err
	}

	if o.engine.DerivedComplete(scDir, domain.KindSc) {
		job.ScStatus = domain.StatusConverged
		dosDir := domain.DerivedDir(parent, domain.KindDos)
		if jobdir.IsDir(dosDir) {
			if o.engine.DerivedComplete(dosDir, domain.KindDos) {
				job.DosStatus = domain.StatusConverged
				return nil
			}
			failed, err := convergence.HasSchedulerFailure(dosDir)
			if failed {
				job.DosStatus = domain.StatusError
			}
			return err
		}
		status, err := o.createDerived(scDir, dosDir, dosTags, logger)
		job.DosStatus = status
		job.DosLastOn = self
		return err
	}

	failed, err := convergence.HasSchedulerFailure(scDir)
	if failed {
		job.ScStatus = domain.StatusError
		job.DosStatus = domain.StatusIncomplete
	}
	return err
}

// ProcessWav advances the wavefunction job hanging off the optimization job in parent.
func (o *Orchestrator) ProcessWav(ctx context.Context, parent string) error {
	logger := o.log.WithField("dir", parent)
	opt, ok := o.maps.Opt[parent]
	if !ok {
		logger.Warn("no optimization job for wavefunction job")
		return nil
	}
	if opt.Status != domain.StatusConverged {
		return nil
	}
	self := o.config.Cluster
	job := o.maps.WavFor(parent, self)
	defer func() { o.metrics.RecordProcessed(domain.KindWav, job.Status) }()

	wavDir := domain.DerivedDir(parent, domain.KindWav)
	if !jobdir.IsDir(wavDir) {
		status, err := o.createDerived(parent, wavDir, wavTags, logger)
		job.Status = status
		job.LastOn = self
		return err
	}
	if o.engine.DerivedComplete(wavDir, domain.KindWav) {
		job.Status = domain.StatusConverged
		return nil
	}
	failed, err := convergence.HasSchedulerFailure(wavDir)
	if failed {
		job.Status = domain.StatusError
	}
	return err
}

// createDerived builds dst from the inputs in src, applies tags to its INCAR and queues it,
// returning the status the new job starts with. A directory that could not be queued is
// removed again so the next run recreates it.
func (o *Orchestrator) createDerived(src, dst string, tags []jobdir.Tag, logger log.FieldLogger) (domain.JobStatus, error) {
	logger = logger.WithField("derived", filepath.Base(dst))
	if err := jobdir.CopyInputs(src, dst, o.config.Cluster.SubmissionScript()); err != nil {
		_ = os.RemoveAll(dst)
		logger.WithError(err).Warn("could not create derived job")
		return domain.StatusError, nil
	}
	if err := jobdir.SetTags(filepath.Join(dst, jobdir.Incar), tags); err != nil {
		_ = os.RemoveAll(dst)
		logger.WithError(err).Warn("could not configure derived job")
		return domain.StatusError, nil
	}
	_, err := o.enqueue(dst)
	if !o.queue.Contains(dst) {
		_ = os.RemoveAll(dst)
		logger.Info("submission queue is full, derived job postponed")
		return domain.StatusIncomplete, err
	}
	logger.Info("derived job created")
	return domain.StatusRunning, err
}
