package usbcan

import (
	"io"

	"github.com/sirupsen/logrus"
)

// newLogger returns a component owned logger so that nothing in this
// package touches the logrus standard logger.
func newLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// DiscardLogger is handy for tests and embedding.
func DiscardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
