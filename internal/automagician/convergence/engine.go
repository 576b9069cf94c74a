package convergence

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/automagician/internal/automagician/domain"
	"github.com/G-Research/automagician/internal/automagician/jobdir"
	"github.com/G-Research/automagician/internal/automagician/tools"
)

const (
	relaxationModeTag = "ISIF"
	boxRelaxationMode = "3"
	commentMarker     = "#"
)

// Engine decides whether the computation in a job directory has finished.
type Engine struct {
	tools tools.Toolchain
	clock clock.PassiveClock
	// A derived job is complete once its output file has been idle for longer than this.
	completionIdle time.Duration
	log            log.FieldLogger
}

func NewEngine(toolchain tools.Toolchain, c clock.PassiveClock, completionIdle time.Duration, logger log.FieldLogger) *Engine {
	return &Engine{tools: toolchain, clock: c, completionIdle: completionIdle, log: logger}
}

// DetermineConvergence reports whether the optimization job in dir has converged.
// A certificate short-circuits every other check. Otherwise the energy trace is derived, the run log
// must contain the convergence phrase, and box relaxations additionally need a single-line energy trace.
func (e *Engine) DetermineConvergence(ctx context.Context, dir string) (bool, error) {
	if jobdir.Exists(filepath.Join(dir, jobdir.Certificate)) {
		return true, nil
	}
	runLog := filepath.Join(dir, jobdir.RunLog)
	if !jobdir.Exists(filepath.Join(dir, jobdir.FinalStructure)) || !jobdir.Exists(runLog) {
		return false, nil
	}

	if err := e.tools.DeriveEnergyTrace(ctx, dir); err != nil {
		e.log.WithField("dir", dir).WithError(err).Warn("could not derive energy trace")
	}

	reached, err := jobdir.ContainsPhrase(runLog, jobdir.ConvergencePhrase)
	if err != nil || !reached {
		return false, err
	}

	box, err := IsBoxRelaxation(dir)
	if err != nil {
		return false, err
	}
	if box {
		e.log.WithField("dir", dir).Debug("job is a box relaxation")
		return e.BoxConverged(dir)
	}
	return true, nil
}

// IsBoxRelaxation reports whether the INCAR in dir sets ISIF = 3 on a line that is not commented out.
func IsBoxRelaxation(dir string) (bool, error) {
	f, err := os.Open(filepath.Join(dir, jobdir.Incar))
	if err != nil {
		return false, errors.WithStack(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if isBoxRelaxationLine(scanner.Text()) {
			return true, nil
		}
	}
	return false, errors.WithStack(scanner.Err())
}

func isBoxRelaxationLine(line string) bool {
	if strings.HasPrefix(strings.TrimLeft(line, " \t"), commentMarker) {
		return false
	}
	key, value, found := strings.Cut(line, "=")
	if !found || strings.TrimSpace(key) != relaxationModeTag {
		return false
	}
	value, _, _ = strings.Cut(value, commentMarker)
	return strings.TrimSpace(value) == boxRelaxationMode
}

// BoxConverged reads the energy trace: one line means the box stopped changing, none means the
// job needs attention and more than one means it is still relaxing.
func (e *Engine) BoxConverged(dir string) (bool, error) {
	lines, err := jobdir.CountLines(filepath.Join(dir, jobdir.EnergyTrace))
	if err != nil && !os.IsNotExist(errors.Cause(err)) {
		return false, err
	}
	logger := e.log.WithField("dir", dir)
	switch {
	case lines == 0:
		logger.Warn("box relaxation needs attention: empty energy trace")
		return false, nil
	case lines == 1:
		logger.Debug("box relaxation finished")
		return true, nil
	default:
		logger.Debugf("box relaxation still relaxing: %d lines in energy trace", lines)
		return false, nil
	}
}

// GiveCertificate creates the convergence certificate. It reports false when one already existed.
func GiveCertificate(dir string) (bool, error) {
	f, err := os.OpenFile(filepath.Join(dir, jobdir.Certificate), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.WithStack(err)
	}
	return true, errors.WithStack(f.Close())
}

func ClearCertificate(dir string) error {
	err := os.Remove(filepath.Join(dir, jobdir.Certificate))
	if err != nil && !os.IsNotExist(err) {
		return errors.WithStack(err)
	}
	return nil
}

// HasSchedulerFailure reports whether the run log in dir carries the scheduler's failure phrase.
func HasSchedulerFailure(dir string) (bool, error) {
	return jobdir.ContainsPhrase(filepath.Join(dir, jobdir.RunLog), jobdir.SchedulerFailurePhrase)
}

// DerivedComplete reports whether the derived job in dir has stopped writing its designated output.
func (e *Engine) DerivedComplete(dir string, kind domain.JobKind) bool {
	var output string
	switch kind {
	case domain.KindSc:
		output = jobdir.Chgcar
	case domain.KindDos:
		output = jobdir.Doscar
	case domain.KindWav:
		output = jobdir.Wavecar
	case domain.KindOpt:
		return false
	}
	return jobdir.IdleFor(filepath.Join(dir, output), e.clock, e.completionIdle)
}
