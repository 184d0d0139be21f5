// Package zap adapts a *zap.Logger to querysync.Logger.
package zap

import (
	"sort"

	"go.uber.org/zap"

	qs "github.com/unkn0wn-root/querysync"
)

var _ qs.Logger = ZapLogger{}

type ZapLogger struct{ L *zap.Logger }

func (z ZapLogger) Debug(msg string, f qs.Fields) { z.L.Debug(msg, zf(f)...) }
func (z ZapLogger) Info(msg string, f qs.Fields)  { z.L.Info(msg, zf(f)...) }
func (z ZapLogger) Warn(msg string, f qs.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z ZapLogger) Error(msg string, f qs.Fields) { z.L.Error(msg, zf(f)...) }

// zf orders fields by name so log lines are stable. An error stored under
// "err" becomes zap's standard "error" field.
func zf(f qs.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]zap.Field, 0, len(f))
	for _, k := range names {
		if err, ok := f[k].(error); ok && k == "err" {
			out = append(out, zap.Error(err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
