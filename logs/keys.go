package logs

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Key prefixes for the single Pebble keyspace. Pebble has no native concept
// of RocksDB column families, so the 'd'/'m' prefixes spec.md §4.1/§6
// already specifies double as the column-family discriminator: logstore
// registers one Merger scoped to keys under MetaPrefix and a fixed 9-byte
// prefix extractor (for Pebble: an iterator bound) scoped to DataPrefix.
const (
	DataPrefix byte = 'd'
	MetaPrefix byte = 'm'
)

// MetaKind enumerates the metadata keys stored per loglet under MetaPrefix.
type MetaKind byte

const (
	// MetaLogState is the only defined metadata kind. Unknown kinds decode
	// to MetaUnknown for forward compatibility (spec.md §4.1).
	MetaLogState MetaKind = 1
	MetaUnknown  MetaKind = 0xff
)

// DataKeyLen is the fixed width of a data-CF key: 1 + 8 + 8 bytes. A fixed
// width is what lets the store use a length-based prefix extractor.
const DataKeyLen = 1 + 8 + 8

// EncodeDataKey builds the 'd' | log_id(BE u64) | offset(BE u64) key.
func EncodeDataKey(id LogletID, offset LogletOffset) []byte {
	buf := make([]byte, DataKeyLen)
	buf[0] = DataPrefix
	binary.BigEndian.PutUint64(buf[1:9], uint64(id))
	binary.BigEndian.PutUint64(buf[9:17], uint64(offset))
	return buf
}

// DataKeyPrefix returns the 9-byte prefix ('d' | log_id) shared by every
// data key of a loglet — the scan bound for a per-loglet range read.
func DataKeyPrefix(id LogletID) []byte {
	buf := make([]byte, 9)
	buf[0] = DataPrefix
	binary.BigEndian.PutUint64(buf[1:9], uint64(id))
	return buf
}

// DecodeDataKey parses a data key produced by EncodeDataKey.
func DecodeDataKey(key []byte) (id LogletID, offset LogletOffset, err error) {
	if len(key) != DataKeyLen || key[0] != DataPrefix {
		return 0, 0, errors.New("logs: malformed data key")
	}
	id = LogletID(binary.BigEndian.Uint64(key[1:9]))
	offset = LogletOffset(binary.BigEndian.Uint64(key[9:17]))
	return id, offset, nil
}

// MetaKeyLen is the fixed width of a metadata-CF key: 1 + 8 + 1 bytes.
const MetaKeyLen = 1 + 8 + 1

// EncodeMetaKey builds the 'm' | log_id(BE u64) | kind key.
func EncodeMetaKey(id LogletID, kind MetaKind) []byte {
	buf := make([]byte, MetaKeyLen)
	buf[0] = MetaPrefix
	binary.BigEndian.PutUint64(buf[1:9], uint64(id))
	buf[9] = byte(kind)
	return buf
}

// DecodeMetaKey parses a metadata key produced by EncodeMetaKey. An unknown
// kind byte decodes successfully to MetaUnknown rather than erroring, so
// readers stay forward compatible with metadata kinds added later.
func DecodeMetaKey(key []byte) (id LogletID, kind MetaKind, err error) {
	if len(key) != MetaKeyLen || key[0] != MetaPrefix {
		return 0, 0, errors.New("logs: malformed metadata key")
	}
	id = LogletID(binary.BigEndian.Uint64(key[1:9]))
	k := MetaKind(key[9])
	if k != MetaLogState {
		k = MetaUnknown
	}
	return id, k, nil
}

// MarkerKey is the fixed byte string identifying the one-shot per-data-directory
// marker, stored in the metadata CF/keyspace.
var MarkerKey = []byte("\x00marker")
