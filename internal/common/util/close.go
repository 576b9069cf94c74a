package util

import (
	"io"

	log "github.com/sirupsen/logrus"
)

func CloseResource(logger log.FieldLogger, name string, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.WithError(err).Warnf("Failed to close %s cleanly", name)
	}
}
