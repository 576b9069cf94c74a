package domain

import "fmt"

// ErrParentNotFound is returned when a derived job cannot be linked to a stored optimization job.
type ErrParentNotFound struct {
	Dir string
}

func (err *ErrParentNotFound) Error() string {
	return fmt.Sprintf("no optimization job stored for parent directory %q", err.Dir)
}

// ErrSubmissionLimitReached is returned by the submission queue when the run's ceiling is met
// and the caller did not ask to continue past it.
type ErrSubmissionLimitReached struct {
	Limit  int
	Queued int
}

func (err *ErrSubmissionLimitReached) Error() string {
	return fmt.Sprintf("submission limit of %d reached with %d jobs queued", err.Limit, err.Queued)
}

type ErrUnknownCluster struct {
	Value string
}

func (err *ErrUnknownCluster) Error() string {
	return fmt.Sprintf("unknown cluster %q", err.Value)
}

// ErrLocked is returned when another run holds the advisory lock at Path.
type ErrLocked struct {
	Path   string
	Holder string
}

func (err *ErrLocked) Error() string {
	if err.Holder == "" {
		return fmt.Sprintf("lock %s is held by another run", err.Path)
	}
	return fmt.Sprintf("lock %s is held by %s", err.Path, err.Holder)
}
