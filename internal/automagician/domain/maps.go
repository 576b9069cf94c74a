package domain

import (
	"path/filepath"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// JobMaps holds every job known to a run. Derived jobs are keyed by their parent's directory.
type JobMaps struct {
	Opt map[string]*OptJob
	Dos map[string]*DosJob
	Wav map[string]*WavJob
}

func NewJobMaps() *JobMaps {
	return &JobMaps{
		Opt: map[string]*OptJob{},
		Dos: map[string]*DosJob{},
		Wav: map[string]*WavJob{},
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

func (m *JobMaps) OptDirs() []string { return sortedKeys(m.Opt) }
func (m *JobMaps) DosDirs() []string { return sortedKeys(m.Dos) }
func (m *JobMaps) WavDirs() []string { return sortedKeys(m.Wav) }

// DosFor returns the density job for an optimization directory, creating an Incomplete placeholder if missing.
func (m *JobMaps) DosFor(parent string, cluster Cluster) *DosJob {
	job, ok := m.Dos[parent]
	if !ok {
		job = NewDosJob(StatusIncomplete, cluster)
		m.Dos[parent] = job
	}
	return job
}

func (m *JobMaps) WavFor(parent string, cluster Cluster) *WavJob {
	job, ok := m.Wav[parent]
	if !ok {
		job = NewWavJob(StatusIncomplete, cluster)
		m.Wav[parent] = job
	}
	return job
}

// SetStatus records status and last cluster for the job living in dir, whatever its kind.
// Missing records are created, so a submission is never lost from the maps.
func (m *JobMaps) SetStatus(dir string, status JobStatus, cluster Cluster) {
	dir = filepath.Clean(dir)
	parent := ParentDir(dir)
	switch ClassifyDir(dir) {
	case KindSc:
		job := m.DosFor(parent, cluster)
		job.ScStatus = status
		job.ScLastOn = cluster
	case KindDos:
		job := m.DosFor(parent, cluster)
		job.DosStatus = status
		job.DosLastOn = cluster
	case KindWav:
		job := m.WavFor(parent, cluster)
		job.Status = status
		job.LastOn = cluster
	default:
		job, ok := m.Opt[dir]
		if !ok {
			job = NewOptJob(status, cluster)
			m.Opt[dir] = job
		}
		job.Status = status
		job.LastOn = cluster
	}
}

// MarkSubmitted applies the outcome of a submission to cluster.
func (m *JobMaps) MarkSubmitted(dir string, cluster Cluster, failed bool) {
	status := StatusRunning
	if failed {
		status = StatusError
	}
	m.SetStatus(dir, status, cluster)
}
