package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTabbedStringBuilder(t *testing.T) {
	w := NewTabbedStringBuilder(1, 1, 1, ' ', 0)
	w.Writef("status\tdir\n")
	w.Writef("%s\t%s\n", "RUNNING", "/a")
	w.Writef("%s\t%s\n", "CONVERGED", "/b/c")

	expected := "status    dir\n" +
		"RUNNING   /a\n" +
		"CONVERGED /b/c\n"
	assert.Equal(t, expected, w.String())
}
