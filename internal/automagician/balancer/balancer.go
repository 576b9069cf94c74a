package balancer

import (
	"context"
	"path"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/automagician/internal/automagician/domain"
	"github.com/G-Research/automagician/internal/automagician/jobdir"
	"github.com/G-Research/automagician/internal/automagician/metrics"
	"github.com/G-Research/automagician/internal/automagician/remote"
	"github.com/G-Research/automagician/internal/automagician/repository"
	"github.com/G-Research/automagician/internal/automagician/scheduler"
)

type Config struct {
	Cluster domain.Cluster
	// TemplateDir holds the submission scripts of every cluster in the executing cluster's group.
	TemplateDir string
	Quota       map[domain.Cluster]int
	// MirrorRoot is where the peer keeps relocated job directories; a job at dir lands at MirrorRoot+dir.
	MirrorRoot string
}

type Request struct {
	Pending   []string
	Balance   bool
	Limit     int
	Occupancy map[domain.Cluster]int
}

// Result counts what happened to the pending jobs.
type Result struct {
	Local     int
	Remote    int
	Relocated int
	Failed    int
	Skipped   int
}

// LoadBalancer drains the submission queue into the executing cluster, its peer, or other quota clusters.
type LoadBalancer struct {
	config    Config
	scheduler scheduler.Scheduler
	transport remote.Transport
	ledger    repository.JobStore
	metrics   *metrics.Metrics
	log       log.FieldLogger
}

func NewLoadBalancer(
	config Config,
	scheduler scheduler.Scheduler,
	transport remote.Transport,
	ledger repository.JobStore,
	m *metrics.Metrics,
	logger log.FieldLogger,
) *LoadBalancer {
	return &LoadBalancer{
		config:    config,
		scheduler: scheduler,
		transport: transport,
		ledger:    ledger,
		metrics:   m,
		log:       logger,
	}
}

// Submit submits request.Pending and records the outcome of every submission in maps.
// Nothing is submitted when the pending count meets the limit.
func (b *LoadBalancer) Submit(ctx context.Context, maps *domain.JobMaps, request Request) Result {
	if len(request.Pending) >= request.Limit {
		b.log.Warnf("hit limit of %d, will not submit any jobs; submission queue holds %d jobs", request.Limit, len(request.Pending))
		return Result{Skipped: len(request.Pending)}
	}
	switch b.config.Cluster.Group() {
	case domain.GroupPaired:
		return b.submitPaired(ctx, maps, request)
	case domain.GroupQuota:
		return b.submitQuota(ctx, maps, request)
	default:
		b.log.Warnf("cluster %s belongs to no group, not submitting", b.config.Cluster)
		return Result{Skipped: len(request.Pending)}
	}
}

func (b *LoadBalancer) submitPaired(ctx context.Context, maps *domain.JobMaps, request Request) Result {
	self := b.config.Cluster
	peer, _ := self.Peer()
	pending := request.Pending

	enabled := request.Balance && b.transport.Enabled()
	selfDepth, peerDepth := 0, 0
	if enabled {
		var err error
		if selfDepth, peerDepth, err = b.queueDepths(ctx, peer); err != nil {
			b.log.WithError(err).Warn("not balancing")
			enabled = false
		}
	}
	remoteCount := PairedRemoteCount(len(pending), selfDepth, peerDepth, enabled)
	b.log.Debugf("submitting %d jobs here and %d jobs on %s", len(pending)-remoteCount, remoteCount, peer)

	var result Result
	for _, dir := range pending[:remoteCount] {
		if err := b.relocateToPeer(ctx, dir, peer); err != nil {
			b.log.WithField("dir", dir).WithError(err).Errorf("relocation to %s failed", peer)
			maps.SetStatus(dir, domain.StatusError, self)
			b.metrics.RecordSubmission(peer, metrics.Remote, true)
			result.Failed++
			continue
		}
		maps.MarkSubmitted(dir, peer, false)
		b.metrics.RecordSubmission(peer, metrics.Remote, false)
		result.Remote++
	}
	for _, dir := range pending[remoteCount:] {
		if b.submitLocal(ctx, maps, dir) {
			result.Local++
		} else {
			result.Failed++
		}
	}
	return result
}

// queueDepths probes the local and the peer queue together.
func (b *LoadBalancer) queueDepths(ctx context.Context, peer domain.Cluster) (int, int, error) {
	var selfDepth, peerDepth int
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		selfDepth, err = b.scheduler.QueueDepth(ctx)
		return errors.WithMessage(err, "cannot read local queue depth")
	})
	g.Go(func() error {
		var err error
		peerDepth, err = b.transport.QueueDepth(ctx)
		return errors.WithMessagef(err, "cannot read queue depth of %s", peer)
	})
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return selfDepth, peerDepth, nil
}

func (b *LoadBalancer) relocateToPeer(ctx context.Context, dir string, peer domain.Cluster) error {
	script := peer.SubmissionScript()
	if err := jobdir.SwitchScript(dir, b.config.Cluster.SubmissionScript(), script, b.config.TemplateDir); err != nil {
		return err
	}
	mirror := path.Join(b.config.MirrorRoot, dir)
	if err := b.transport.PutDirectory(ctx, dir, mirror); err != nil {
		return err
	}
	return b.transport.Submit(ctx, mirror, script)
}

func (b *LoadBalancer) submitQuota(ctx context.Context, maps *domain.JobMaps, request Request) Result {
	self := b.config.Cluster
	pending := request.Pending
	remaining := RemainingCapacity(b.config.Quota, request.Occupancy, self, request.Balance)
	allocation := QuotaAllocation(remaining, len(pending))
	b.log.Debugf("remaining capacity %v, allocation %v for %d jobs", remaining, allocation, len(pending))

	var result Result
	next := 0
	for i, c := range domain.QuotaClusters {
		for n := 0; n < allocation[i] && next < len(pending); n++ {
			dir := pending[next]
			next++
			if c == self {
				if b.submitLocal(ctx, maps, dir) {
					result.Local++
				} else {
					result.Failed++
				}
				continue
			}
			if err := b.relocateByLedger(ctx, dir, c); err != nil {
				b.log.WithField("dir", dir).WithError(err).Errorf("relocation to %s failed", c)
				maps.SetStatus(dir, domain.StatusError, self)
				b.metrics.RecordSubmission(c, metrics.Relocated, true)
				result.Failed++
				continue
			}
			maps.MarkSubmitted(dir, c, false)
			b.metrics.RecordSubmission(c, metrics.Relocated, false)
			result.Relocated++
		}
	}
	result.Skipped = len(pending) - next
	if result.Skipped > 0 {
		b.log.Infof("no capacity left for %d jobs, they stay queued for a later run", result.Skipped)
	}
	return result
}

// relocateByLedger leaves dir for the run on destination to pick up.
func (b *LoadBalancer) relocateByLedger(ctx context.Context, dir string, destination domain.Cluster) error {
	if err := jobdir.SwitchScript(dir, b.config.Cluster.SubmissionScript(), destination.SubmissionScript(), b.config.TemplateDir); err != nil {
		return err
	}
	return b.ledger.AddRelocation(ctx, domain.Relocation{Dir: dir, Destination: destination.Hostname()})
}

func (b *LoadBalancer) submitLocal(ctx context.Context, maps *domain.JobMaps, dir string) bool {
	self := b.config.Cluster
	err := b.scheduler.Submit(ctx, dir, self.SubmissionScript())
	if err != nil {
		b.log.WithField("dir", dir).WithError(err).Warn("submission rejected by scheduler")
	}
	maps.MarkSubmitted(dir, self, err != nil)
	b.metrics.RecordSubmission(self, metrics.Local, err != nil)
	return err == nil
}
