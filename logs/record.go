package logs

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

// recordVersion1 is the only record version this build emits. Decoders must
// reject unknown versions (spec.md §4.1) rather than guess at their layout.
const recordVersion1 = 1

const (
	flagCompressed = 1 << 0
)

// recordHeaderSize is version(1) + flags(1) + length(4) + crc32c(4), the
// fixed overhead around the variable-length body.
const recordHeaderSize = 1 + 1 + 4 + 4

// ErrUnknownVersion is returned when a stored record's version byte isn't
// one this build understands.
var ErrUnknownVersion = errors.New("logs: unknown record version")

// ErrChecksumMismatch is returned when a stored record's CRC32C doesn't
// match its bytes — on-disk corruption.
var ErrChecksumMismatch = errors.New("logs: record checksum mismatch")

// crc32cTable is the Castagnoli polynomial table, matching RocksDB/Restate's
// choice of CRC32C over the record bytes (spec.md §6).
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// EncodeRecord serializes a Record to the bit-exact layout spec.md §6
// defines: version(1) | flags(1) | length(4 BE) | body | crc32c(4 BE of the
// preceding bytes). The body is this package's own framing of
// keys+timestamp+payload; compression, when it shrinks the body, applies to
// that whole body.
func EncodeRecord(r Record, compress bool) []byte {
	body := encodeBody(r)
	flags := byte(0)
	if compress {
		if compressed, ok := tryCompress(body); ok {
			body = compressed
			flags |= flagCompressed
		}
	}

	buf := make([]byte, 0, recordHeaderSize+len(body))
	buf = append(buf, recordVersion1, flags)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(body)))
	buf = append(buf, lenBuf...)
	buf = append(buf, body...)

	sum := crc32.Checksum(buf, crc32cTable)
	sumBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(sumBuf, sum)
	return append(buf, sumBuf...)
}

// DecodeRecord parses bytes produced by EncodeRecord. It never panics: any
// structural problem (truncation, bad version, bad checksum) comes back as
// an error, matching spec.md §4.1's "must not panic" requirement.
func DecodeRecord(raw []byte) (Record, error) {
	if len(raw) < recordHeaderSize {
		return Record{}, errors.New("logs: record truncated")
	}
	version := raw[0]
	if version != recordVersion1 {
		return Record{}, ErrUnknownVersion
	}
	flags := raw[1]
	length := binary.BigEndian.Uint32(raw[2:6])
	bodyEnd := 6 + int(length)
	if bodyEnd+4 != len(raw) {
		return Record{}, errors.New("logs: record length mismatch")
	}
	wantSum := binary.BigEndian.Uint32(raw[bodyEnd : bodyEnd+4])
	gotSum := crc32.Checksum(raw[:bodyEnd], crc32cTable)
	if wantSum != gotSum {
		return Record{}, ErrChecksumMismatch
	}

	body := raw[6:bodyEnd]
	if flags&flagCompressed != 0 {
		decompressed, err := decompress(body)
		if err != nil {
			return Record{}, errors.Wrap(err, "logs: decompress record body")
		}
		body = decompressed
	}
	return decodeBody(body)
}

func encodeBody(r Record) []byte {
	var buf bytes.Buffer
	var tmp [8]byte
	binary.BigEndian.PutUint16(tmp[:2], uint16(len(r.Keys)))
	buf.Write(tmp[:2])
	for _, k := range r.Keys {
		binary.BigEndian.PutUint64(tmp[:8], k)
		buf.Write(tmp[:8])
	}
	binary.BigEndian.PutUint64(tmp[:8], uint64(r.CreatedAt))
	buf.Write(tmp[:8])
	buf.Write(r.Payload)
	return buf.Bytes()
}

func decodeBody(body []byte) (Record, error) {
	if len(body) < 2 {
		return Record{}, errors.New("logs: record body truncated")
	}
	numKeys := int(binary.BigEndian.Uint16(body[:2]))
	off := 2
	need := off + numKeys*8 + 8
	if len(body) < need {
		return Record{}, errors.New("logs: record body truncated")
	}
	keys := make([]uint64, numKeys)
	for i := 0; i < numKeys; i++ {
		keys[i] = binary.BigEndian.Uint64(body[off : off+8])
		off += 8
	}
	createdAt := int64(binary.BigEndian.Uint64(body[off : off+8]))
	off += 8
	payload := append([]byte(nil), body[off:]...)
	return Record{Payload: payload, Keys: keys, CreatedAt: createdAt}, nil
}

func tryCompress(body []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, false
	}
	if _, err := w.Write(body); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(body) {
		return nil, false
	}
	return buf.Bytes(), true
}

func decompress(body []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(body))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return out, nil
}
