package reconciler

import (
	"context"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/automagician/internal/automagician/domain"
	"github.com/G-Research/automagician/internal/automagician/metrics"
	"github.com/G-Research/automagician/internal/automagician/scheduler"
)

// Occupancy is the number of Running records attributed to each quota cluster.
type Occupancy map[domain.Cluster]int

// StateReconciler brings the job maps in line with the scheduler of the executing cluster.
type StateReconciler struct {
	cluster   domain.Cluster
	scheduler scheduler.Scheduler
	metrics   *metrics.Metrics
	log       log.FieldLogger
}

func NewStateReconciler(cluster domain.Cluster, scheduler scheduler.Scheduler, m *metrics.Metrics, logger log.FieldLogger) *StateReconciler {
	return &StateReconciler{cluster: cluster, scheduler: scheduler, metrics: m, log: logger}
}

// Reconcile demotes stale Running records and applies the live queue listing to maps.
// On quota clusters the returned occupancy is tallied before any demotion.
func (r *StateReconciler) Reconcile(ctx context.Context, maps *domain.JobMaps) (Occupancy, error) {
	occupancy := Occupancy{}
	if r.cluster.Group() == domain.GroupQuota {
		for _, c := range domain.QuotaClusters {
			occupancy[c] = 0
		}
		r.tally(maps, occupancy)
		r.demote(maps, func(c domain.Cluster) bool { return c == r.cluster })
	} else {
		r.demote(maps, func(domain.Cluster) bool { return true })
	}

	entries, err := r.scheduler.QueryUserJobs(ctx)
	if err != nil {
		return occupancy, err
	}
	for _, entry := range entries {
		r.apply(ctx, maps, entry)
	}
	r.metrics.RecordReconciled(len(entries))
	for c, running := range occupancy {
		r.metrics.RecordOccupancy(c, running)
	}
	r.log.WithField("entries", len(entries)).Debug("reconciled against scheduler")
	return occupancy, nil
}

func (r *StateReconciler) tally(maps *domain.JobMaps, occupancy Occupancy) {
	count := func(status domain.JobStatus, c domain.Cluster) {
		if status != domain.StatusRunning {
			return
		}
		if _, ok := occupancy[c]; ok {
			occupancy[c]++
		}
	}
	for _, job := range maps.Opt {
		count(job.Status, job.LastOn)
	}
	for _, job := range maps.Dos {
		count(job.ScStatus, job.ScLastOn)
		count(job.DosStatus, job.DosLastOn)
	}
	for _, job := range maps.Wav {
		count(job.Status, job.LastOn)
	}
}

func (r *StateReconciler) demote(maps *domain.JobMaps, attributed func(domain.Cluster) bool) {
	demote := func(status *domain.JobStatus, c domain.Cluster) {
		if *status == domain.StatusRunning && attributed(c) {
			*status = domain.StatusIncomplete
		}
	}
	for _, job := range maps.Opt {
		demote(&job.Status, job.LastOn)
	}
	for _, job := range maps.Dos {
		demote(&job.ScStatus, job.ScLastOn)
		demote(&job.DosStatus, job.DosLastOn)
	}
	for _, job := range maps.Wav {
		demote(&job.Status, job.LastOn)
	}
}

func (r *StateReconciler) apply(ctx context.Context, maps *domain.JobMaps, entry scheduler.Entry) {
	entry.WorkDir = filepath.Clean(entry.WorkDir)
	logger := r.log.WithField("dir", entry.WorkDir).WithField("jobId", entry.JobID)
	status := domain.StatusRunning
	if entry.Failed() {
		logger.Warnf("job is in error with state %s, cancelling", entry.State)
		if err := r.scheduler.Cancel(ctx, entry.JobID); err != nil {
			logger.WithError(err).Warn("cancel failed")
		}
		status = domain.StatusError
	}

	parent := domain.ParentDir(entry.WorkDir)
	switch domain.ClassifyDir(entry.WorkDir) {
	case domain.KindSc, domain.KindDos:
		if _, ok := maps.Dos[parent]; !ok {
			maps.Dos[parent] = domain.NewDosJob(status, r.cluster)
		}
	case domain.KindWav:
		if _, ok := maps.Wav[parent]; !ok {
			maps.Wav[parent] = domain.NewWavJob(status, r.cluster)
		}
	}
	maps.SetStatus(entry.WorkDir, status, r.cluster)
}
