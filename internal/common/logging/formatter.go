package logging

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// CommandLineFormatter prints the level (for warnings and above) followed by the message.
type CommandLineFormatter struct{}

func (f *CommandLineFormatter) Format(entry *log.Entry) ([]byte, error) {
	if entry.Level <= log.WarnLevel {
		return []byte(fmt.Sprintf("%s - %s\n", strings.ToUpper(entry.Level.String()), entry.Message)), nil
	}
	return []byte(fmt.Sprintf("%s\n", entry.Message)), nil
}
