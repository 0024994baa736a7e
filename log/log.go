// Package log defines the leveled logging sink used across depcache.
// Adapters for zap, logrus and slog live in subpackages.
package log

import "sort"

// Fields is a minimal structured field map for logs.
type Fields map[string]any

// Logger is a tiny leveled logger. Provide an adapter around your logging stack.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
}

type Nop struct{}

func (Nop) Debug(string, Fields) {}
func (Nop) Info(string, Fields)  {}
func (Nop) Warn(string, Fields)  {}
func (Nop) Error(string, Fields) {}

// With returns a Logger that adds f to every record. Per-call fields win on conflict.
func With(l Logger, f Fields) Logger {
	if len(f) == 0 {
		return l
	}
	return withLogger{l: l, f: f}
}

type withLogger struct {
	l Logger
	f Fields
}

func (w withLogger) merge(f Fields) Fields {
	out := make(Fields, len(w.f)+len(f))
	for k, v := range w.f {
		out[k] = v
	}
	for k, v := range f {
		out[k] = v
	}
	return out
}

func (w withLogger) Debug(msg string, f Fields) { w.l.Debug(msg, w.merge(f)) }
func (w withLogger) Info(msg string, f Fields)  { w.l.Info(msg, w.merge(f)) }
func (w withLogger) Warn(msg string, f Fields)  { w.l.Warn(msg, w.merge(f)) }
func (w withLogger) Error(msg string, f Fields) { w.l.Error(msg, w.merge(f)) }

// SortedKeys returns the keys of f in order so adapters emit stable output.
func SortedKeys(f Fields) []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
