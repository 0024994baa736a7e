// Package defaults holds the option defaults shared by depcache's packages.
package defaults

import "time"

const (
	Prefix                = "depcache"
	ConnectTimeout        = 30 * time.Second
	TransactionMaxRetries = 5
)

// Coalesce returns the first non-zero value, or the zero value of T.
func Coalesce[T comparable](vals ...T) T {
	var zero T
	for _, v := range vals {
		if v != zero {
			return v
		}
	}
	return zero
}
