package jobdir

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// HasRequiredInputs reports whether dir holds the four required inputs plus script.
// Unrelated extra files make no difference, an unreadable directory counts as incomplete.
func HasRequiredInputs(dir, script string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		present[e.Name()] = true
	}
	for _, name := range RequiredInputs {
		if !present[name] {
			return false
		}
	}
	return present[script]
}

func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// NonEmpty reports whether path is an existing file with a non-zero size.
func NonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// ContainsPhrase reports whether any line of path contains phrase. A missing file contains nothing.
func ContainsPhrase(path, phrase string) (bool, error) {
	found := false
	err := scanLines(path, func(line string) bool {
		if strings.Contains(line, phrase) {
			found = true
			return false
		}
		return true
	})
	if os.IsNotExist(errors.Cause(err)) {
		return false, nil
	}
	return found, err
}

// ErrorLines returns every line of path mentioning "error" in any case, trimmed of pipes, spaces and newlines.
func ErrorLines(path string) ([]string, error) {
	var lines []string
	err := scanLines(path, func(line string) bool {
		if strings.Contains(strings.ToLower(line), "error") {
			lines = append(lines, strings.Trim(line, "| \n"))
		}
		return true
	})
	return lines, err
}

// CountLines returns the number of lines in path.
func CountLines(path string) (int, error) {
	n := 0
	err := scanLines(path, func(string) bool {
		n++
		return true
	})
	return n, err
}

func scanLines(path string, fn func(line string) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if !fn(scanner.Text()) {
			break
		}
	}
	return errors.WithStack(scanner.Err())
}

// IdleFor reports whether path exists and has not been written to for longer than d.
func IdleFor(path string, c clock.PassiveClock, d time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return c.Since(info.ModTime()) > d
}

var runDirName = regexp.MustCompile(`^run(\d+)$`)

// NextRunName returns run<N> where N is one more than the largest existing run<N> subdirectory, or run0.
func NextRunName(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", errors.WithStack(err)
	}
	next := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := runDirName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n+1 > next {
			next = n + 1
		}
	}
	return "run" + strconv.Itoa(next), nil
}

// CopyFile copies src to dst preserving the permission bits of src.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.WithStack(err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return errors.WithStack(err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.WithStack(err)
	}
	return errors.WithStack(out.Close())
}

// CopyInputs creates dst and copies into it the inputs a derived job needs from src:
// the submission script, KPOINTS, POTCAR, INCAR, CHGCAR when present, and CONTCAR (or POSCAR without one).
func CopyInputs(src, dst, script string) error {
	if err := os.Mkdir(dst, 0o755); err != nil {
		return errors.WithStack(err)
	}
	for _, name := range []string{script, Kpoints, Potcar, Incar} {
		if err := CopyFile(filepath.Join(src, name), filepath.Join(dst, name)); err != nil {
			return err
		}
	}
	if Exists(filepath.Join(src, Chgcar)) {
		if err := CopyFile(filepath.Join(src, Chgcar), filepath.Join(dst, Chgcar)); err != nil {
			return err
		}
	}
	structure := Poscar
	if Exists(filepath.Join(src, FinalStructure)) {
		structure = FinalStructure
	}
	return CopyFile(filepath.Join(src, structure), filepath.Join(dst, structure))
}

// Tag is a key=value setting of a configuration file.
type Tag struct {
	Key   string
	Value string
}

// SetTags rewrites every line whose key matches a tag as key=value and appends tags that were not present.
func SetTags(path string, tags []Tag) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return errors.WithStack(err)
	}
	applied := make([]bool, len(tags))
	lines := strings.SplitAfter(string(content), "\n")
	var b strings.Builder
	for _, line := range lines {
		if line == "" {
			continue
		}
		key := strings.TrimSpace(strings.SplitN(line, "=", 2)[0])
		replaced := false
		for i, tag := range tags {
			if strings.Contains(line, "=") && key == tag.Key {
				b.WriteString(tag.Key + "=" + tag.Value + "\n")
				applied[i] = true
				replaced = true
				break
			}
		}
		if !replaced {
			b.WriteString(line)
			if !strings.HasSuffix(line, "\n") {
				b.WriteString("\n")
			}
		}
	}
	for i, tag := range tags {
		if !applied[i] {
			b.WriteString(tag.Key + "=" + tag.Value + "\n")
		}
	}
	return errors.WithStack(os.WriteFile(path, []byte(b.String()), 0o644))
}

// JobName is the scheduler job name given to the job living in dir.
func JobName(dir string) string {
	return "AM_" + strings.ReplaceAll(dir, "/", "_")
}

// UpdateJobName replaces every job-name directive of the script with one naming the job after jobDir.
func UpdateJobName(scriptPath, jobDir string) error {
	content, err := os.ReadFile(scriptPath)
	if err != nil {
		return errors.WithStack(err)
	}
	lines := strings.SplitAfter(string(content), "\n")
	var b strings.Builder
	for _, line := range lines {
		if strings.Contains(line, "-J") || strings.Contains(line, "--job-name=") {
			b.WriteString("#SBATCH -J " + JobName(jobDir) + "\n")
			continue
		}
		b.WriteString(line)
	}
	info, err := os.Stat(scriptPath)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.WriteFile(scriptPath, []byte(b.String()), info.Mode().Perm()))
}

// SwitchScript installs the destination cluster's script from templateDir into jobDir and renames the job.
// Nothing happens when jobDir has no script for the current cluster.
func SwitchScript(jobDir, currentScript, newScript, templateDir string) error {
	if !Exists(filepath.Join(jobDir, currentScript)) {
		return nil
	}
	dst := filepath.Join(jobDir, newScript)
	if err := CopyFile(filepath.Join(templateDir, newScript), dst); err != nil {
		return err
	}
	return UpdateJobName(dst, jobDir)
}
