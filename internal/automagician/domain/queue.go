package domain

// SubmissionQueue is the ordered list of job directories waiting to be submitted in this run.
// It is owned by a single run and is not safe for concurrent use.
type SubmissionQueue struct {
	dirs              []string
	limit             int
	continuePastLimit bool
	hitLimit          bool
}

func NewSubmissionQueue(limit int, continuePastLimit bool) *SubmissionQueue {
	return &SubmissionQueue{limit: limit, continuePastLimit: continuePastLimit}
}

// Add appends dir and reports whether the ceiling has been hit.
// Once the ceiling has been hit in continue-past-limit mode further calls are no-ops that still report true.
// Without continue-past-limit, meeting the ceiling returns *ErrSubmissionLimitReached; dir is queued anyway.
func (q *SubmissionQueue) Add(dir string) (bool, error) {
	if q.hitLimit {
		return true, nil
	}
	q.dirs = append(q.dirs, dir)
	if len(q.dirs) >= q.limit {
		if q.continuePastLimit {
			q.hitLimit = true
			return true, nil
		}
		return true, &ErrSubmissionLimitReached{Limit: q.limit, Queued: len(q.dirs)}
	}
	return false, nil
}

func (q *SubmissionQueue) Len() int { return len(q.dirs) }

func (q *SubmissionQueue) Limit() int { return q.limit }

// AtLimit reports whether the queue meets or exceeds its ceiling, in which case nothing may be submitted.
func (q *SubmissionQueue) AtLimit() bool { return len(q.dirs) >= q.limit }

func (q *SubmissionQueue) HitLimit() bool { return q.hitLimit }

// Dirs returns a copy of the queued directories in insertion order.
func (q *SubmissionQueue) Dirs() []string {
	out := make([]string, len(q.dirs))
	copy(out, q.dirs)
	return out
}

func (q *SubmissionQueue) Contains(dir string) bool {
	for _, d := range q.dirs {
		if d == dir {
			return true
		}
	}
	return false
}
