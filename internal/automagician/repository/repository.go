package repository

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/automagician/internal/automagician/domain"
)

// JobStore persists the five record categories. Every write is an upsert keyed by directory
// (optimization, gone) or parent row id (density, wavefunction); nothing is deleted implicitly.
type JobStore interface {
	OptJobs(ctx context.Context) (map[string]*domain.OptJob, error)
	// DosJobs and WavJobs are keyed by the parent optimization directory.
	DosJobs(ctx context.Context) (map[string]*domain.DosJob, error)
	WavJobs(ctx context.Context) (map[string]*domain.WavJob, error)
	GoneJobs(ctx context.Context) (map[string]*domain.GoneJob, error)
	Relocations(ctx context.Context) ([]domain.Relocation, error)

	// UpsertOptJob stores job under dir and sets job.ID to its row id.
	UpsertOptJob(ctx context.Context, dir string, job *domain.OptJob) error
	// UpsertDosJob links job to its parent through job.OptID, or through parentDir when the id is
	// domain.UnknownID. An unresolvable parent yields *domain.ErrParentNotFound.
	UpsertDosJob(ctx context.Context, parentDir string, job *domain.DosJob) error
	UpsertWavJob(ctx context.Context, parentDir string, job *domain.WavJob) error
	// MoveToGone records job as gone and removes the optimization row for its directory.
	MoveToGone(ctx context.Context, job *domain.GoneJob) error
	AddRelocation(ctx context.Context, relocation domain.Relocation) error

	// ResetOptStatuses sets every optimization job to status.
	ResetOptStatuses(ctx context.Context, status domain.JobStatus) error
	DeleteOptJob(ctx context.Context, dir string) error

	Close() error
}

// LoadJobMaps reads the three live categories into a fresh set of job maps.
func LoadJobMaps(ctx context.Context, store JobStore) (*domain.JobMaps, error) {
	opt, err := store.OptJobs(ctx)
	if err != nil {
		return nil, err
	}
	dos, err := store.DosJobs(ctx)
	if err != nil {
		return nil, err
	}
	wav, err := store.WavJobs(ctx)
	if err != nil {
		return nil, err
	}
	return &domain.JobMaps{Opt: opt, Dos: dos, Wav: wav}, nil
}

// WriteJobStatuses upserts every job in maps. Only directories present in maps are touched.
// Derived jobs whose parent is not stored are skipped with a warning; other failures are collected.
func WriteJobStatuses(ctx context.Context, store JobStore, maps *domain.JobMaps, logger log.FieldLogger) error {
	var result *multierror.Error
	for _, dir := range maps.OptDirs() {
		if err := store.UpsertOptJob(ctx, dir, maps.Opt[dir]); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "writing optimization job %s", dir))
		}
	}
	for _, dir := range maps.DosDirs() {
		err := store.UpsertDosJob(ctx, dir, maps.Dos[dir])
		if skipMissingParent(err, dir, domain.KindDos, logger) {
			continue
		}
		if err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "writing density job %s", dir))
		}
	}
	for _, dir := range maps.WavDirs() {
		err := store.UpsertWavJob(ctx, dir, maps.Wav[dir])
		if skipMissingParent(err, dir, domain.KindWav, logger) {
			continue
		}
		if err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "writing wavefunction job %s", dir))
		}
	}
	if result.ErrorOrNil() == nil {
		logger.Info("job statuses written")
	}
	return result.ErrorOrNil()
}

func skipMissingParent(err error, dir string, kind domain.JobKind, logger log.FieldLogger) bool {
	var parentErr *domain.ErrParentNotFound
	if errors.As(err, &parentErr) {
		logger.WithField("dir", dir).WithField("kind", kind).Warn("no optimization job stored for derived job, skipping")
		return true
	}
	return false
}
