package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// JobStatus is shared by every job category. The integer values are what gets persisted.
type JobStatus int

const (
	StatusConverged  JobStatus = 0
	StatusIncomplete JobStatus = 1
	StatusError      JobStatus = 2
	StatusRunning    JobStatus = -1
	StatusNotFound   JobStatus = -10
)

var statusNames = map[JobStatus]string{
	StatusConverged:  "CONVERGED",
	StatusIncomplete: "INCOMPLETE",
	StatusError:      "ERROR",
	StatusRunning:    "RUNNING",
	StatusNotFound:   "NOT_FOUND",
}

func (s JobStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "JobStatus(" + strconv.Itoa(int(s)) + ")"
}

func (s JobStatus) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// ParseJobStatus accepts either the name (any case) or the persisted integer.
func ParseJobStatus(s string) (JobStatus, error) {
	s = strings.TrimSpace(s)
	for status, name := range statusNames {
		if strings.EqualFold(name, s) {
			return status, nil
		}
	}
	if i, err := strconv.Atoi(s); err == nil && JobStatus(i).Valid() {
		return JobStatus(i), nil
	}
	return 0, fmt.Errorf("unknown job status %q", s)
}
