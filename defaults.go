package depcache

import "github.com/unkn0wn-root/depcache/internal/defaults"

const (
	defaultPrefix                = defaults.Prefix
	defaultConnectTimeout        = defaults.ConnectTimeout
	defaultTransactionMaxRetries = defaults.TransactionMaxRetries
)

func coalesce[T comparable](vals ...T) T { return defaults.Coalesce(vals...) }
