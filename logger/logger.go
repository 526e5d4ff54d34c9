// Package logger provides the leveled logger used by every long-lived
// component of the engine (session, torrent, peer, tracker, DHT node).
package logger

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the small surface every component logs through. Satisfied
// by *logrus.Entry.
type Logger interface {
	Debugln(args ...interface{})
	Debugf(format string, args ...interface{})
	Infoln(args ...interface{})
	Infof(format string, args ...interface{})
	Warningln(args ...interface{})
	Warningf(format string, args ...interface{})
	Errorln(args ...interface{})
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Info(args ...interface{})
}

var (
	once4 sync.Once
	base  = logrus.New()
)

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetLevel sets the minimum level logged by every component logger.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// New returns a component-scoped logger, the way rain's internal/logger
// hands out one logger per peer connection or per torrent.
func New(component string) Logger {
	return base.WithField("component", component)
}
