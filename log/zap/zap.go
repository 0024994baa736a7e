// Package zap adapts a *zap.Logger to log.Logger.
package zap

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	dlog "github.com/unkn0wn-root/depcache/log"
)

var _ dlog.Logger = ZapLogger{}

type ZapLogger struct{ L *zap.Logger }

// New names l "depcache" and skips the adapter frame in caller info.
func New(l *zap.Logger) ZapLogger {
	return ZapLogger{L: l.Named("depcache").WithOptions(zap.AddCallerSkip(1))}
}

func (z ZapLogger) Debug(msg string, f dlog.Fields) { z.log(zapcore.DebugLevel, msg, f) }
func (z ZapLogger) Info(msg string, f dlog.Fields)  { z.log(zapcore.InfoLevel, msg, f) }
func (z ZapLogger) Warn(msg string, f dlog.Fields)  { z.log(zapcore.WarnLevel, msg, f) }
func (z ZapLogger) Error(msg string, f dlog.Fields) { z.log(zapcore.ErrorLevel, msg, f) }

func (z ZapLogger) log(lvl zapcore.Level, msg string, f dlog.Fields) {
	if ce := z.L.Check(lvl, msg); ce != nil {
		ce.Write(fields(f)...)
	}
}

func fields(f dlog.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for _, k := range dlog.SortedKeys(f) {
		switch v := f[k].(type) {
		case nil:
			// "error": nil is the common case of a successful run.
		case error:
			out = append(out, zap.NamedError(k, v))
		case time.Duration:
			out = append(out, zap.Duration(k, v))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}
