package scheduler

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Commands struct {
	Squeue  string
	Sbatch  string
	Scancel string
}

func DefaultCommands() Commands {
	return Commands{Squeue: "squeue", Sbatch: "sbatch", Scancel: "scancel"}
}

// Slurm drives the local slurm installation through its command line tools.
type Slurm struct {
	commands   Commands
	user       string
	retries    uint
	retryDelay time.Duration
	log        log.FieldLogger
}

// NewSlurm queries the queue of user. Listing the queue is retried, since squeue
// commonly times out while the controller is busy.
func NewSlurm(commands Commands, user string, retries uint, retryDelay time.Duration, logger log.FieldLogger) *Slurm {
	if retries == 0 {
		retries = 1
	}
	return &Slurm{
		commands:   commands,
		user:       user,
		retries:    retries,
		retryDelay: retryDelay,
		log:        logger,
	}
}

func (s *Slurm) QueryUserJobs(ctx context.Context) ([]Entry, error) {
	output, err := s.query(ctx, "-u", s.user, "-o", "%A %t %Z")
	if err != nil {
		return nil, err
	}
	return ParseQueue(output), nil
}

func (s *Slurm) QueueDepth(ctx context.Context) (int, error) {
	output, err := s.query(ctx)
	if err != nil {
		return 0, err
	}
	return CountQueue(output), nil
}

func (s *Slurm) Cancel(ctx context.Context, jobID string) error {
	_, err := run(ctx, "", s.commands.Scancel, jobID)
	return err
}

func (s *Slurm) Submit(ctx context.Context, dir, script string) error {
	out, err := run(ctx, dir, s.commands.Sbatch, script)
	s.log.WithField("dir", dir).Debugf("sbatch: %s", out)
	return err
}

func (s *Slurm) query(ctx context.Context, args ...string) (string, error) {
	var output string
	err := retry.Do(
		func() error {
			out, err := run(ctx, "", s.commands.Squeue, args...)
			if err != nil {
				return err
			}
			output = out
			return nil
		},
		retry.Attempts(s.retries),
		retry.Delay(s.retryDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.log.WithError(err).Warnf("squeue attempt %d failed", n+1)
		}),
	)
	return output, err
}

func run(ctx context.Context, dir, name string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), errors.Wrapf(err, "%s %v: %s", name, args, stderr.String())
	}
	return stdout.String(), nil
}
