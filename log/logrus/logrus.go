// Package logrus adapts a *logrus.Entry to querysync.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	qs "github.com/unkn0wn-root/querysync"
)

var _ qs.Logger = LogrusLogger{}

type LogrusLogger struct{ E *logrus.Entry }

// New wraps l, tagging every line with component=querysync.
func New(l *logrus.Logger) LogrusLogger {
	return LogrusLogger{E: l.WithField("component", "querysync")}
}

func (l LogrusLogger) Debug(msg string, f qs.Fields) { l.with(f).Debug(msg) }
func (l LogrusLogger) Info(msg string, f qs.Fields)  { l.with(f).Info(msg) }
func (l LogrusLogger) Warn(msg string, f qs.Fields)  { l.with(f).Warn(msg) }
func (l LogrusLogger) Error(msg string, f qs.Fields) { l.with(f).Error(msg) }

func (l LogrusLogger) with(f qs.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	lf := make(logrus.Fields, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok && k == "err" {
			lf[logrus.ErrorKey] = err
			continue
		}
		lf[k] = v
	}
	return l.E.WithFields(lf)
}
