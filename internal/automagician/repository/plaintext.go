package repository

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/G-Research/automagician/internal/automagician/domain"
)

const dumpHeader = "   status    | home machine |    last on    | job dir"

// WritePlainText renders every stored job as the human-readable table written to ~/opt_jobs.
func WritePlainText(ctx context.Context, store JobStore, w io.Writer) error {
	maps, err := LoadJobMaps(ctx, store)
	if err != nil {
		return err
	}
	var b strings.Builder
	if len(maps.Opt) == 0 {
		b.WriteString("NO OPT JOBS FOUND\n")
	} else {
		writeSection(&b, "OPT JOBS")
		for _, dir := range maps.OptDirs() {
			job := maps.Opt[dir]
			writeRow(&b, job.Status, job.HomeCluster, job.LastOn, dir)
		}
	}
	if len(maps.Dos) > 0 {
		b.WriteString("\n")
		writeSection(&b, "DOS JOBS")
		for _, dir := range maps.DosDirs() {
			job := maps.Dos[dir]
			home := job.ScLastOn
			if opt, ok := maps.Opt[dir]; ok {
				home = opt.HomeCluster
			}
			writeRow(&b, job.ScStatus, home, job.ScLastOn, domain.DerivedDir(dir, domain.KindSc))
			writeRow(&b, job.DosStatus, home, job.DosLastOn, domain.DerivedDir(dir, domain.KindDos))
		}
	}
	if len(maps.Wav) > 0 {
		b.WriteString("\n")
		writeSection(&b, "WAV JOBS")
		for _, dir := range maps.WavDirs() {
			job := maps.Wav[dir]
			home := job.LastOn
			if opt, ok := maps.Opt[dir]; ok {
				home = opt.HomeCluster
			}
			writeRow(&b, job.Status, home, job.LastOn, domain.DerivedDir(dir, domain.KindWav))
		}
	}
	_, err = io.WriteString(w, b.String())
	return err
}

func writeSection(b *strings.Builder, title string) {
	b.WriteString(title + "\n")
	b.WriteString(dumpHeader + "\n")
	b.WriteString(strings.Repeat("-", len(dumpHeader)) + "\n")
}

func writeRow(b *strings.Builder, status domain.JobStatus, home, lastOn domain.Cluster, dir string) {
	fmt.Fprintf(b, "%-13s|%-14s|%-15s|%s\n", status, home, lastOn, dir)
}
