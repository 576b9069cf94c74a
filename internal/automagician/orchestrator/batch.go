package orchestrator

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/automagician/internal/automagician/domain"
	"github.com/G-Research/automagician/internal/automagician/jobdir"
	"github.com/G-Research/automagician/internal/automagician/repository"
	"github.com/G-Research/automagician/internal/common/logging"
)

// NoteFile lets a user ask for derived jobs, or opt out entirely, from inside a job directory.
const NoteFile = "automagic_note"

// Note is what a job directory's note file asks for. At most one flag is set.
type Note struct {
	Dos     bool
	Wav     bool
	Exclude bool
}

// ReadNote reads the note file in dir. The first line naming dos, wav or exclude wins; a missing file is an empty note.
func ReadNote(dir string) (Note, error) {
	var note Note
	f, err := os.Open(filepath.Join(dir, NoteFile))
	if os.IsNotExist(err) {
		return note, nil
	}
	if err != nil {
		return note, errors.WithStack(err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "dos"):
			note.Dos = true
		case strings.Contains(line, "wav"):
			note.Wav = true
		case strings.Contains(line, "exclude"):
			note.Exclude = true
		default:
			continue
		}
		break
	}
	return note, errors.WithStack(scanner.Err())
}

// Batch is the ordered work of one run: optimization jobs first, then density and wavefunction jobs.
type Batch struct {
	Opt []string
	Dos []string
	Wav []string
}

func (b Batch) Len() int { return len(b.Opt) + len(b.Dos) + len(b.Wav) }

// GoneCheck moves every stored Incomplete optimization job whose directory has vanished into the gone
// records and drops it, with its derived jobs, from the run's maps.
func (o *Orchestrator) GoneCheck(ctx context.Context, store repository.JobStore) error {
	stored, err := store.OptJobs(ctx)
	if err != nil {
		return err
	}
	dirs := maps.Keys(stored)
	slices.Sort(dirs)
	var result *multierror.Error
	for _, dir := range dirs {
		job := stored[dir]
		if job.Status != domain.StatusIncomplete || jobdir.Exists(dir) {
			continue
		}
		o.log.WithField("dir", dir).Warn("job directory is gone")
		if err := store.MoveToGone(ctx, job.Gone(dir)); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "moving %s to gone jobs", dir))
			continue
		}
		delete(o.maps.Opt, dir)
		delete(o.maps.Dos, dir)
		delete(o.maps.Wav, dir)
	}
	return result.ErrorOrNil()
}

// Register adds the given directories to the run's maps as directed by their note files and processes them.
func (o *Orchestrator) Register(ctx context.Context, dirs []string) error {
	self := o.config.Cluster
	var batch Batch
	for _, dir := range dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return errors.WithStack(err)
		}
		logger := o.log.WithField("dir", abs)
		if !jobdir.IsDir(abs) {
			logger.Warn("not a directory, skipping")
			continue
		}
		note, err := ReadNote(abs)
		if err != nil {
			logger.WithError(err).Warnf("could not read %s", NoteFile)
		}
		if note.Exclude {
			logger.Info("excluded by note")
			continue
		}
		if !jobdir.HasRequiredInputs(abs, self.SubmissionScript()) {
			logger.Warnf("missing one of %v or %s, skipping", jobdir.RequiredInputs, self.SubmissionScript())
			continue
		}
		if _, ok := o.maps.Opt[abs]; !ok {
			o.maps.Opt[abs] = domain.NewOptJob(domain.StatusIncomplete, self)
			logger.Info("registered")
		}
		batch.Opt = append(batch.Opt, abs)
		if note.Dos {
			o.maps.DosFor(abs, self)
			batch.Dos = append(batch.Dos, abs)
		}
		if note.Wav {
			o.maps.WavFor(abs, self)
			batch.Wav = append(batch.Wav, abs)
		}
	}
	return o.Run(ctx, batch)
}

// StoredBatch collects the work of a process run from the reconciled job maps: every Incomplete
// optimization job whose directory still exists, and every unfinished derived job of a converged optimization.
func (o *Orchestrator) StoredBatch() Batch {
	var batch Batch
	for _, dir := range o.maps.OptDirs() {
		if o.maps.Opt[dir].Status != domain.StatusIncomplete {
			continue
		}
		if !jobdir.IsDir(dir) {
			o.log.WithField("dir", dir).Warn("job directory does not exist, skipping")
			continue
		}
		batch.Opt = append(batch.Opt, dir)
	}
	for _, dir := range o.maps.DosDirs() {
		job := o.maps.Dos[dir]
		if o.parentConverged(dir) && (job.ScStatus != domain.StatusConverged || job.DosStatus != domain.StatusConverged) {
			batch.Dos = append(batch.Dos, dir)
		}
	}
	for _, dir := range o.maps.WavDirs() {
		if o.parentConverged(dir) && o.maps.Wav[dir].Status != domain.StatusConverged {
			batch.Wav = append(batch.Wav, dir)
		}
	}
	return batch
}

func (o *Orchestrator) parentConverged(dir string) bool {
	job, ok := o.maps.Opt[dir]
	return ok && job.Status == domain.StatusConverged
}

// Run processes batch in order. Failures of single jobs are logged and collected; hitting the submission
// limit stops the run and is returned alongside them.
func (o *Orchestrator) Run(ctx context.Context, batch Batch) error {
	var result *multierror.Error
	steps := []struct {
		dirs    []string
		process func(context.Context, string) error
	}{
		{batch.Opt, o.ProcessOpt},
		{batch.Dos, o.ProcessDos},
		{batch.Wav, o.ProcessWav},
	}
	for _, step := range steps {
		for _, dir := range step.dirs {
			if err := ctx.Err(); err != nil {
				return multierror.Append(result, err)
			}
			err := step.process(ctx, dir)
			if err == nil {
				continue
			}
			var limitErr *domain.ErrSubmissionLimitReached
			if errors.As(err, &limitErr) {
				o.log.Warn(limitErr.Error())
				return multierror.Append(result, err)
			}
			logging.WithStacktrace(o.log.WithField("dir", dir), err).Error("failed to process job")
			result = multierror.Append(result, errors.WithMessagef(err, "processing %s", dir))
		}
	}
	o.metrics.RecordQueueLength(o.queue.Len())
	return result.ErrorOrNil()
}
