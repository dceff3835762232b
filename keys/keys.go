// Package keys builds byte strings whose lexicographic order matches the
// natural order of the values they encode. Pebble iterates keys in byte
// order, so every offset and every indexed value goes through here.
package keys

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/cespare/xxhash"
	"golang.org/x/exp/constraints"
)

// MaxPrefixLen is the rune count from which strings are stored truncated
// and hashed. Such strings can only be looked up exactly.
const MaxPrefixLen = 128

const OffsetLen = 8

var (
	ErrPrefixTooLong    = fmt.Errorf("keys: prefix lookups need strings shorter than %d characters", MaxPrefixLen)
	ErrUnsupportedValue = errors.New("keys: value type has no sortable encoding")
)

const (
	escByte   = 0x00
	escZero   = 0xff
	termExact = 0x01
	termLong  = 0x02
)

func AppendUint[T constraints.Unsigned](buf []byte, v T) []byte {
	return binary.BigEndian.AppendUint64(buf, uint64(v))
}

func Uint[T constraints.Unsigned](b []byte) T {
	return T(binary.BigEndian.Uint64(b))
}

func AppendInt[T constraints.Signed](buf []byte, v T) []byte {
	return binary.BigEndian.AppendUint64(buf, uint64(int64(v))^(1<<63))
}

func Int(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

// AppendOffset appends a fixed-width big-endian record offset.
func AppendOffset(buf []byte, off uint64) []byte {
	return AppendUint(buf, off)
}

func Offset(b []byte) uint64 {
	return Uint[uint64](b)
}

// Encode returns the sortable form of a normalized value. With prefix set,
// strings are left unterminated so the result matches every longer string
// starting with them.
func Encode(v any, prefix bool) ([]byte, error) {
	return Append(nil, v, prefix)
}

func Append(buf []byte, v any, prefix bool) ([]byte, error) {
	switch t := v.(type) {
	case int64:
		return AppendInt(buf, t), nil
	case int:
		return AppendInt(buf, t), nil
	case int32:
		return AppendInt(buf, t), nil
	case bool:
		if t {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case string:
		return appendString(buf, t, prefix)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

// IsLong reports whether a string is too long to be stored verbatim.
func IsLong(s string) bool {
	return utf8.RuneCountInString(s) >= MaxPrefixLen
}

func appendString(buf []byte, s string, prefix bool) ([]byte, error) {
	if !IsLong(s) {
		buf = appendEscaped(buf, s)
		if prefix {
			return buf, nil
		}
		return append(buf, escByte, termExact), nil
	}
	if prefix {
		return nil, ErrPrefixTooLong
	}
	head := s
	n := 0
	for i := range s {
		if n == MaxPrefixLen {
			head = s[:i]
			break
		}
		n++
	}
	buf = appendEscaped(buf, head)
	buf = append(buf, escByte, termLong)
	return binary.BigEndian.AppendUint64(buf, xxhash.Sum64String(s)), nil
}

func appendEscaped(buf []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		if s[i] == escByte {
			buf = append(buf, escByte, escZero)
		} else {
			buf = append(buf, s[i])
		}
	}
	return buf
}

// PrefixEnd returns the smallest key sorting after every key that starts
// with prefix, or nil if there is none.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
