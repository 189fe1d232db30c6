// Package fslog provides the one place *logrus.Logger construction is configured for the module's binaries;
// library packages never touch it directly: the ntfs facade accepts a *logrus.Logger through ntfs.WithLogger and
// hands its components a *logrus.Entry derived from it.
package fslog

import (
	"github.com/sirupsen/logrus"
)

// New builds a logrus.Logger writing to stderr, with a text formatter by default or a JSON formatter when json is
// true, at the given level (parsed with logrus.ParseLevel; an unrecognized level falls back to Info).
func New(levelName string, json bool) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if json {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return log
}
