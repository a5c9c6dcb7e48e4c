package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the logger used across pindrop. The level is read
// from PINDROP_LOG_LEVEL (debug, info, warn, error), defaulting to info.
func NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})

	level, err := logrus.ParseLevel(os.Getenv("PINDROP_LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	return log
}
