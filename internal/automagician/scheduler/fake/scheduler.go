package fake

import (
	"context"
	"sync"

	"github.com/G-Research/automagician/internal/automagician/scheduler"
)

type Submission struct {
	Dir    string
	Script string
}

// Scheduler answers from canned entries and records every call.
type Scheduler struct {
	Entries    []scheduler.Entry
	Depth      int
	QueryErr   error
	SubmitErrs map[string]error

	mu        sync.Mutex
	Submitted []Submission
	Cancelled []string
}

func (s *Scheduler) QueryUserJobs(_ context.Context) ([]scheduler.Entry, error) {
	return s.Entries, s.QueryErr
}

func (s *Scheduler) Cancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Cancelled = append(s.Cancelled, jobID)
	return nil
}

func (s *Scheduler) Submit(_ context.Context, dir, script string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Submitted = append(s.Submitted, Submission{Dir: dir, Script: script})
	return s.SubmitErrs[dir]
}

func (s *Scheduler) QueueDepth(_ context.Context) (int, error) {
	return s.Depth, s.QueryErr
}
