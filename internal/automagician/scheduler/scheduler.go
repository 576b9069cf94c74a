package scheduler

import (
	"bufio"
	"context"
	"strings"

	"golang.org/x/exp/slices"
)

// FailureStates are the slurm state codes that mean a job will never finish on its own.
var FailureStates = []string{"BF", "CA", "F", "NF", "OOM", "TO"}

// Entry is one row of the user's queue listing.
type Entry struct {
	JobID   string
	State   string
	WorkDir string
}

func (e Entry) Failed() bool {
	return slices.Contains(FailureStates, e.State)
}

// Scheduler is the batch system of the cluster the run executes on.
type Scheduler interface {
	// QueryUserJobs lists every job of the current user still known to the scheduler.
	QueryUserJobs(ctx context.Context) ([]Entry, error)
	Cancel(ctx context.Context, jobID string) error
	// Submit hands script to the scheduler from within dir. A rejected submission is an error.
	Submit(ctx context.Context, dir, script string) error
	// QueueDepth counts the jobs currently queued on the cluster.
	QueueDepth(ctx context.Context) (int, error)
}

// ParseQueue reads "%A %t %Z" formatted squeue output. The header line is skipped,
// as are rows too short to carry a working directory.
func ParseQueue(output string) []Entry {
	var entries []Entry
	scanner := bufio.NewScanner(strings.NewReader(output))
	header := true
	for scanner.Scan() {
		if header {
			header = false
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		entries = append(entries, Entry{
			JobID:   fields[0],
			State:   fields[1],
			WorkDir: strings.Join(fields[2:], " "),
		})
	}
	return entries
}

// CountQueue returns the number of job rows in a squeue listing.
func CountQueue(output string) int {
	count := 0
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	if count > 0 {
		count--
	}
	return count
}
