// Package logrus adapts a logrus entry to log.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	dlog "github.com/unkn0wn-root/depcache/log"
)

var _ dlog.Logger = LogrusLogger{}

type LogrusLogger struct{ E *logrus.Entry }

// New tags every record with component=depcache.
func New(l *logrus.Logger) LogrusLogger {
	return LogrusLogger{E: l.WithField("component", "depcache")}
}

func (l LogrusLogger) Debug(msg string, f dlog.Fields) { l.entry(f).Debug(msg) }
func (l LogrusLogger) Info(msg string, f dlog.Fields)  { l.entry(f).Info(msg) }
func (l LogrusLogger) Warn(msg string, f dlog.Fields)  { l.entry(f).Warn(msg) }
func (l LogrusLogger) Error(msg string, f dlog.Fields) { l.entry(f).Error(msg) }

// entry maps an error under "error" to logrus's own error key and drops nil
// errors.
func (l LogrusLogger) entry(f dlog.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	lf := make(logrus.Fields, len(f))
	for k, v := range f {
		if v == nil {
			continue
		}
		if err, ok := v.(error); ok && k == "error" {
			lf[logrus.ErrorKey] = err
			continue
		}
		lf[k] = v
	}
	return l.E.WithFields(lf)
}
