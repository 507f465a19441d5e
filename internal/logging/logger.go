package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

var (
	LND      = base.WithField("component", "lnd")
	Webhook  = base.WithField("component", "webhook")
	Archive  = base.WithField("component", "archive")
	Internal = base.WithField("component", "internal")
	HTTP     = base.WithField("component", "http")
)

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// SetDebug toggles debug output for every component logger.
func SetDebug(debug bool) {
	if debug {
		base.SetLevel(logrus.DebugLevel)
		return
	}
	base.SetLevel(logrus.InfoLevel)
}
