// Package logging builds the shared logrus logger used by every
// long-lived component. Each component gets its own *logrus.Entry tagged
// with a "component" field; run-scoped call sites add a "run_id" field on
// top of that.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New constructs the base logger per the level/format configuration.
func New(level, format string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}

	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// For returns a component-scoped entry.
func For(log *logrus.Logger, component string) *logrus.Entry {
	return log.WithField("component", component)
}

// ForRun returns an entry scoped to both a component and a run id.
func ForRun(log *logrus.Logger, component, runID string) *logrus.Entry {
	return log.WithField("component", component).WithField("run_id", runID)
}
