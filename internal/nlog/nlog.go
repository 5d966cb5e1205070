// Package nlog gives every component in this repo a consistently labelled
// logrus entry instead of each package rolling its own prefix convention.
package nlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return l
}

// For returns a logger entry tagged with the given component name, e.g.
// "shmif", "ring", "i40e.admin".
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// SetLevel adjusts the verbosity of every entry returned by For.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}
