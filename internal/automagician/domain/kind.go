package domain

import (
	"path/filepath"
)

// JobKind classifies a job directory by its trailing path segment.
type JobKind int

const (
	KindOpt JobKind = iota
	KindSc
	KindDos
	KindWav
)

const (
	ScDirName  = "sc"
	DosDirName = "dos"
	WavDirName = "wav"
)

func (k JobKind) String() string {
	switch k {
	case KindSc:
		return ScDirName
	case KindDos:
		return DosDirName
	case KindWav:
		return WavDirName
	default:
		return "opt"
	}
}

// ClassifyDir returns the kind of job living in dir. Only an exact final segment of sc, dos or wav
// counts, and a top level /home/<kind> directory is always an optimization job.
func ClassifyDir(dir string) JobKind {
	cleaned := filepath.Clean(dir)
	parent, base := filepath.Split(cleaned)
	if parent == "" || filepath.Clean(parent) == "/home" {
		return KindOpt
	}
	switch base {
	case ScDirName:
		return KindSc
	case DosDirName:
		return KindDos
	case WavDirName:
		return KindWav
	default:
		return KindOpt
	}
}

// ParentDir strips a trailing sc, dos or wav segment, returning the optimization job's directory.
// The result is always a cleaned path.
func ParentDir(dir string) string {
	cleaned := filepath.Clean(dir)
	if ClassifyDir(cleaned) == KindOpt {
		return cleaned
	}
	return filepath.Dir(cleaned)
}

// DerivedDir is the working directory of the given derived kind under an optimization job.
func DerivedDir(parent string, kind JobKind) string {
	if kind == KindOpt {
		return parent
	}
	return filepath.Join(parent, kind.String())
}
