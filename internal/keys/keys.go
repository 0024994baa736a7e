// Package keys maps logical cache keys to physical Redis keys and back.
//
//	<prefix>:value:<key>
//	<prefix>:dependency:<dependency>
//	<prefix>:dependencies:<key>
//	<prefix>:events
//	__keyspace@<db>__:<prefix>*
package keys

import (
	"errors"
	"strconv"
	"strings"
)

const Delimiter = ':'

type Kind string

const (
	KindValue        Kind = "value"
	KindDependency   Kind = "dependency"
	KindDependencies Kind = "dependencies"
)

var (
	ErrEmptyPrefix    = errors.New("keys: prefix is required")
	ErrPrefixHasColon = errors.New("keys: prefix must not contain ':'")
)

// Builder is immutable and safe for concurrent use.
type Builder struct {
	prefix   string
	db       int
	keyspace string // "__keyspace@<db>__:"
}

func New(prefix string, db int) (Builder, error) {
	if prefix == "" {
		return Builder{}, ErrEmptyPrefix
	}
	if strings.IndexByte(prefix, Delimiter) >= 0 {
		return Builder{}, ErrPrefixHasColon
	}
	return Builder{
		prefix:   prefix,
		db:       db,
		keyspace: "__keyspace@" + strconv.Itoa(db) + "__:",
	}, nil
}

// Must is like New but panics on error.
func Must(prefix string, db int) Builder {
	b, err := New(prefix, db)
	if err != nil {
		panic(err)
	}
	return b
}

func (b Builder) Prefix() string { return b.prefix }
func (b Builder) DB() int        { return b.db }

func (b Builder) Value(key string) string        { return b.build(KindValue, key) }
func (b Builder) Dependency(dep string) string   { return b.build(KindDependency, dep) }
func (b Builder) Dependencies(key string) string { return b.build(KindDependencies, key) }
func (b Builder) Events() string                 { return b.prefix + ":events" }
func (b Builder) ScanPattern() string            { return b.prefix + ":*" }
func (b Builder) KeyspacePattern() string        { return b.keyspace + b.prefix + "*" }

func (b Builder) build(kind Kind, key string) string {
	var sb strings.Builder
	sb.Grow(len(b.prefix) + len(kind) + len(key) + 2)
	sb.WriteString(b.prefix)
	sb.WriteByte(Delimiter)
	sb.WriteString(string(kind))
	sb.WriteByte(Delimiter)
	sb.WriteString(key)
	return sb.String()
}

// Parse splits a physical key into its kind and logical key.
// ok is false for foreign prefixes and unknown kinds.
func (b Builder) Parse(physical string) (kind Kind, key string, ok bool) {
	rest, found := strings.CutPrefix(physical, b.prefix)
	if !found || len(rest) == 0 || rest[0] != Delimiter {
		return "", "", false
	}
	k, key, found := strings.Cut(rest[1:], string(Delimiter))
	if !found {
		return "", "", false
	}
	switch Kind(k) {
	case KindValue, KindDependency, KindDependencies:
		return Kind(k), key, true
	default:
		return "", "", false
	}
}

// ParseKeyspaceChannel parses a keyspace-notification channel name
// (__keyspace@<db>__:<physical key>).
func (b Builder) ParseKeyspaceChannel(channel string) (kind Kind, key string, ok bool) {
	physical, found := strings.CutPrefix(channel, b.keyspace)
	if !found {
		return "", "", false
	}
	return b.Parse(physical)
}
