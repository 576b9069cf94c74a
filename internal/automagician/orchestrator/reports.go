package orchestrator

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/G-Research/automagician/internal/automagician/jobdir"
)

const errorLogTimeFormat = "2006-01-02 15:04:05.000000"

// Reports writes the human facing files of a run: the preliminary results of every job seen
// and the append-only log of scheduler errors.
type Reports struct {
	preliminary  io.Writer
	errorLogPath string
	clock        clock.PassiveClock
}

func NewReports(preliminary io.Writer, errorLogPath string, c clock.PassiveClock) *Reports {
	return &Reports{preliminary: preliminary, errorLogPath: errorLogPath, clock: c}
}

// Preliminary appends the directory and its residue line to the preliminary results.
func (r *Reports) Preliminary(dir string) error {
	step, force, energy := residue(dir)
	_, err := fmt.Fprintf(r.preliminary, "%s\n     %d     %s     %s\n",
		dir, step, formatResidue(force), formatResidue(energy))
	return errors.WithStack(err)
}

// residue is the last ionic step of the run in dir with its force and energy residues.
// Only zeros are reported for now.
func residue(string) (int, float64, float64) {
	return 0, 0, 0
}

func formatResidue(f float64) string {
	return strconv.FormatFloat(f, 'f', 1, 64)
}

// RecordErrors appends every error line of dir's run log to the error log, one timestamped line each.
func (r *Reports) RecordErrors(dir string) error {
	lines, err := jobdir.ErrorLines(filepath.Join(dir, jobdir.RunLog))
	if err != nil || len(lines) == 0 {
		return err
	}
	f, err := os.OpenFile(r.errorLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.WithStack(err)
	}
	now := r.clock.Now().Format(errorLogTimeFormat)
	for _, line := range lines {
		if _, err := fmt.Fprintf(f, "%s %s %s \n", now, dir, line); err != nil {
			f.Close()
			return errors.WithStack(err)
		}
	}
	return errors.WithStack(f.Close())
}
