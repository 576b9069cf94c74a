package metrics

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/G-Research/automagician/internal/automagician/domain"
)

const namespace = "automagician"

// Locality says where a submission went.
type Locality string

const (
	Local     Locality = "local"
	Remote    Locality = "remote"
	Relocated Locality = "relocated"
)

// Metrics collects the figures of a single run. A run is short-lived, so nothing is served;
// the registry is written once to a node exporter textfile when the run ends.
type Metrics struct {
	processed         *prometheus.CounterVec
	submissions       *prometheus.CounterVec
	failedSubmissions *prometheus.CounterVec
	reconciled        prometheus.Counter
	queued            prometheus.Gauge
	occupancy         *prometheus.GaugeVec
	registry          *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processed_jobs_total",
			Help:      "Jobs processed in this run by kind and resulting status.",
		}, []string{"kind", "status"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Jobs handed to a cluster by destination and locality.",
		}, []string{"cluster", "locality"}),
		failedSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_submissions_total",
			Help:      "Submissions that were rejected or could not be relocated.",
		}, []string{"cluster", "locality"}),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_entries_total",
			Help:      "Scheduler entries applied to the job maps.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_jobs",
			Help:      "Length of the submission queue at the end of processing.",
		}),
		occupancy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_occupancy",
			Help:      "Running jobs attributed to each quota cluster at the start of the run.",
		}, []string{"cluster"}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(m)
	return m
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.processed.Describe(ch)
	m.submissions.Describe(ch)
	m.failedSubmissions.Describe(ch)
	m.reconciled.Describe(ch)
	m.queued.Describe(ch)
	m.occupancy.Describe(ch)
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.processed.Collect(ch)
	m.submissions.Collect(ch)
	m.failedSubmissions.Collect(ch)
	m.reconciled.Collect(ch)
	m.queued.Collect(ch)
	m.occupancy.Collect(ch)
}

func (m *Metrics) RecordProcessed(kind domain.JobKind, status domain.JobStatus) {
	m.processed.WithLabelValues(kind.String(), status.String()).Inc()
}

func (m *Metrics) RecordSubmission(cluster domain.Cluster, locality Locality, failed bool) {
	if failed {
		m.failedSubmissions.WithLabelValues(cluster.String(), string(locality)).Inc()
		return
	}
	m.submissions.WithLabelValues(cluster.String(), string(locality)).Inc()
}

func (m *Metrics) RecordReconciled(entries int) {
	m.reconciled.Add(float64(entries))
}

func (m *Metrics) RecordQueueLength(n int) {
	m.queued.Set(float64(n))
}

func (m *Metrics) RecordOccupancy(cluster domain.Cluster, running int) {
	m.occupancy.WithLabelValues(cluster.String()).Set(float64(running))
}

// WriteTextfile atomically writes every metric to path. An empty path disables the export.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return errors.WithStack(prometheus.WriteToTextfile(path, m.registry))
}
