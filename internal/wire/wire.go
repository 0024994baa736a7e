// Package wire holds the on-store formats: the binary value frame, the
// newline-delimited dependencies record and the colon-delimited event message.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	version   byte = 1
	kindValue byte = 1

	flagSliding byte = 1 << 0

	// NoDependencyVersion is the sentinel version of items without dependencies.
	NoDependencyVersion = "-"
)

var (
	ErrCorrupt = errors.New("depcache: corrupt entry")
	magic4     = [...]byte{'D', 'P', 'C', 'V'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Value is the decoded form of a value frame.
type Value struct {
	Sliding      time.Duration // > 0 when the item uses sliding expiration
	Dependencies []string      // only used by the in-memory layer
	Payload      []byte
}

// Value frame:
//
//	magic(4) | ver(1) | kind(1=value) | flags(1) | sliding(u64 be, ns) |
//	ndeps(u16 be) | (depLen(u16 be) | dep)*ndeps | vlen(u32 be) | payload(vlen)
const valueHeader = 4 + 1 + 1 + 1 + 8 + 2

func EncodeValue(v Value) ([]byte, error) {
	if len(v.Dependencies) > 0xFFFF {
		return nil, fmt.Errorf("depcache: too many dependencies (%d)", len(v.Dependencies))
	}
	total := valueHeader + 4 + len(v.Payload)
	for _, d := range v.Dependencies {
		if len(d) > 0xFFFF {
			return nil, fmt.Errorf("depcache: dependency name too long (%d)", len(d))
		}
		total += 2 + len(d)
	}

	var buf bytes.Buffer
	buf.Grow(total)

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindValue)

	var flags byte
	if v.Sliding > 0 {
		flags |= flagSliding
	}
	buf.WriteByte(flags)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], uint64(max(v.Sliding, 0)))
	buf.Write(u8[:])

	binary.BigEndian.PutUint16(u2[:], uint16(len(v.Dependencies)))
	buf.Write(u2[:])
	for _, d := range v.Dependencies {
		binary.BigEndian.PutUint16(u2[:], uint16(len(d)))
		buf.Write(u2[:])
		buf.WriteString(d)
	}

	binary.BigEndian.PutUint32(u4[:], uint32(len(v.Payload)))
	buf.Write(u4[:])
	buf.Write(v.Payload)
	return buf.Bytes(), nil
}

// DecodeValue parses a value frame. The returned payload aliases b.
func DecodeValue(b []byte) (Value, error) {
	if len(b) < valueHeader+4 || !hasMagic(b) || b[4] != version || b[5] != kindValue {
		return Value{}, ErrCorrupt
	}
	off := 6

	flags := b[off]
	off++

	sliding := binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	if flags&flagSliding == 0 {
		sliding = 0
	}
	if sliding > 1<<63-1 {
		return Value{}, ErrCorrupt
	}

	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2

	var deps []string
	if n > 0 {
		deps = make([]string, 0, n)
	}
	for i := 0; i < n; i++ {
		if off+2 > len(b) {
			return Value{}, ErrCorrupt
		}
		dl := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if dl > len(b)-off {
			return Value{}, ErrCorrupt
		}
		deps = append(deps, string(b[off:off+dl]))
		off += dl
	}

	if off+4 > len(b) {
		return Value{}, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off { // exact: no trailing bytes
		return Value{}, ErrCorrupt
	}

	return Value{
		Sliding:      time.Duration(sliding),
		Dependencies: deps,
		Payload:      b[off : off+vlen],
	}, nil
}

// EncodeDependencies renders the dependencies record "version\ndep1\n...\ndepN".
func EncodeDependencies(version string, deps []string) string {
	var sb strings.Builder
	n := len(version)
	for _, d := range deps {
		n += 1 + len(d)
	}
	sb.Grow(n)
	sb.WriteString(version)
	for _, d := range deps {
		sb.WriteByte('\n')
		sb.WriteString(d)
	}
	return sb.String()
}

// DecodeDependencies splits a dependencies record into its version and names.
func DecodeDependencies(record string) (version string, deps []string, err error) {
	if record == "" {
		return "", nil, ErrCorrupt
	}
	parts := strings.Split(record, "\n")
	if parts[0] == "" {
		return "", nil, ErrCorrupt
	}
	return parts[0], parts[1:], nil
}

// EventKind is the first field of an event message.
type EventKind string

const (
	EventItemRemoved     EventKind = "item-removed"
	EventDependency      EventKind = "dependency"
	EventItemInvalidated EventKind = "item-invalidated"
)

// Event is "kind:sourceId:key". The key may contain ':'.
type Event struct {
	Kind   EventKind
	Source string
	Key    string
}

func EncodeEvent(e Event) string {
	return string(e.Kind) + ":" + e.Source + ":" + e.Key
}

func DecodeEvent(msg string) (Event, error) {
	kind, rest, ok := strings.Cut(msg, ":")
	if !ok {
		return Event{}, fmt.Errorf("depcache: malformed event %q", msg)
	}
	source, key, ok := strings.Cut(rest, ":")
	if !ok || source == "" {
		return Event{}, fmt.Errorf("depcache: malformed event %q", msg)
	}
	switch EventKind(kind) {
	case EventItemRemoved, EventDependency, EventItemInvalidated:
	default:
		return Event{}, fmt.Errorf("depcache: unknown event kind %q", kind)
	}
	return Event{Kind: EventKind(kind), Source: source, Key: key}, nil
}
