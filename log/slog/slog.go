// Package slog adapts a *slog.Logger to log.Logger.
package slog

import (
	"context"
	stdslog "log/slog"

	dlog "github.com/unkn0wn-root/depcache/log"
)

var _ dlog.Logger = Logger{}

type Logger struct{ L *stdslog.Logger }

// New adds component=depcache to every record.
func New(l *stdslog.Logger) Logger {
	return Logger{L: l.With(stdslog.String("component", "depcache"))}
}

func (s Logger) Debug(msg string, f dlog.Fields) { s.log(stdslog.LevelDebug, msg, f) }
func (s Logger) Info(msg string, f dlog.Fields)  { s.log(stdslog.LevelInfo, msg, f) }
func (s Logger) Warn(msg string, f dlog.Fields)  { s.log(stdslog.LevelWarn, msg, f) }
func (s Logger) Error(msg string, f dlog.Fields) { s.log(stdslog.LevelError, msg, f) }

func (s Logger) log(lvl stdslog.Level, msg string, f dlog.Fields) {
	ctx := context.Background()
	if !s.L.Enabled(ctx, lvl) {
		return
	}
	s.L.LogAttrs(ctx, lvl, msg, attrs(f)...)
}

func attrs(f dlog.Fields) []stdslog.Attr {
	if len(f) == 0 {
		return nil
	}
	out := make([]stdslog.Attr, 0, len(f))
	for _, k := range dlog.SortedKeys(f) {
		switch v := f[k].(type) {
		case nil:
		case error:
			out = append(out, stdslog.String(k, v.Error()))
		default:
			out = append(out, stdslog.Any(k, v))
		}
	}
	return out
}
