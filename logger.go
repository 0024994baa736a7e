package depcache

import "github.com/unkn0wn-root/depcache/log"

// Fields is a minimal structured field map for logs.
type Fields = log.Fields

// Logger is a tiny leveled logger. Adapters live in log/zap, log/logrus and
// log/slog. If Logger is nil in Options, logging is disabled.
type Logger = log.Logger

type NopLogger = log.Nop
