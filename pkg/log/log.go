// Package log wires up structured logging for the control plane, adapted
// from the teacher's pkg/log: a logrus.Entry pre-loaded with static fields,
// JSON formatted in production and file-backed when debugging.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/NoHeadDotDev/minifly/pkg/config"
)

// New returns a logger pre-loaded with build/version fields, matching the
// teacher's NewLogger save for the rollrus hook (no external reporting
// service in a local emulator).
func New(cfg *config.Config) *logrus.Entry {
	var logger *logrus.Logger
	if cfg.Debug || os.Getenv("DEBUG") == "TRUE" {
		logger = newDevelopmentLogger(cfg)
	} else {
		logger = newProductionLogger()
	}

	logger.Formatter = &logrus.JSONFormatter{}

	return logger.WithFields(logrus.Fields{
		"component": "minifly",
		"debug":     cfg.Debug,
		"version":   cfg.Version,
	})
}

func getLogLevel() logrus.Level {
	strLevel := os.Getenv("LOG_LEVEL")
	level, err := logrus.ParseLevel(strLevel)
	if err != nil {
		return logrus.DebugLevel
	}
	return level
}

func newDevelopmentLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(getLogLevel())
	file, err := os.OpenFile(filepath.Join(cfg.ConfigDir, "development.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		fmt.Println("unable to log to file")
		os.Exit(1)
	}
	logger.SetOutput(file)
	return logger
}

func newProductionLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Out = io.Discard
	logger.SetLevel(logrus.InfoLevel)
	return logger
}

// ForRequest attaches request-scoped fields (correlation id, app, machine,
// region) to the base logger, matching §4.8's "attaches a correlation id and
// logs the request with machine/app/region context" requirement.
func ForRequest(base *logrus.Entry, correlationID, app, machine string) *logrus.Entry {
	fields := logrus.Fields{
		"correlation_id": correlationID,
		"region":         "local",
	}
	if app != "" {
		fields["app"] = app
	}
	if machine != "" {
		fields["machine"] = machine
	}
	return base.WithFields(fields)
}
