package indexes

import (
	"github.com/drpcorg/tank/keys"
	"github.com/google/uuid"
)

const IidLen = 16

var (
	defPrefix      = []byte{'M', 'D'}
	progressPrefix = []byte{'M', 'P'}
	deletingPrefix = []byte{'M', 'X'}
)

const (
	entryLit   = 'E'
	reverseLit = 'V'
)

func metaKey(prefix []byte, iid uuid.UUID) []byte {
	key := make([]byte, 0, len(prefix)+IidLen)
	key = append(key, prefix...)
	return append(key, iid[:]...)
}

func defKey(iid uuid.UUID) []byte {
	return metaKey(defPrefix, iid)
}

func progressKey(iid uuid.UUID) []byte {
	return metaKey(progressPrefix, iid)
}

func deletingKey(iid uuid.UUID) []byte {
	return metaKey(deletingPrefix, iid)
}

func metaKeyIid(key []byte) uuid.UUID {
	var iid uuid.UUID
	copy(iid[:], key[2:])
	return iid
}

func entryPrefix(iid uuid.UUID) []byte {
	key := make([]byte, 0, 1+IidLen+32)
	key = append(key, entryLit)
	return append(key, iid[:]...)
}

func entryKey(iid uuid.UUID, enc []byte, off uint64) []byte {
	key := entryPrefix(iid)
	key = append(key, enc...)
	return keys.AppendOffset(key, off)
}

func entryKeyOffset(key []byte) uint64 {
	return keys.Offset(key[len(key)-keys.OffsetLen:])
}

func reversePrefix(off uint64) []byte {
	return keys.AppendOffset([]byte{reverseLit}, off)
}

func reverseKey(off uint64, iid uuid.UUID) []byte {
	return append(reversePrefix(off), iid[:]...)
}

func reverseKeyIid(key []byte) uuid.UUID {
	var iid uuid.UUID
	copy(iid[:], key[1+keys.OffsetLen:])
	return iid
}
