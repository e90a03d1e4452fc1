package replicated

import (
	"bytes"
	"encoding/gob"

	"github.com/pkg/errors"
	"github.com/restatedev/bifrost/logs"
	"github.com/restatedev/bifrost/logstore"
)

// StoreRequest asks a peer to durably append Records starting at
// FirstOffset (spec.md §4.5's per-node replica of the sequencer's append).
type StoreRequest struct {
	Loglet      logs.LogletID
	FirstOffset logs.LogletOffset
	Records     []logs.Record
}

// StoreResponse acknowledges a StoreRequest.
type StoreResponse struct {
	LocalTail logs.LogletOffset
	Err       string
}

// SealRequest asks a peer to seal its replica of a loglet.
type SealRequest struct {
	Loglet logs.LogletID
}

// SealResponse reports the sealed tail a peer settled on.
type SealResponse struct {
	LocalTail logs.LogletOffset
	Err       string
}

// TrimRequest asks a peer to advance its replica's trim point.
type TrimRequest struct {
	Loglet       logs.LogletID
	NewTrimPoint logs.LogletOffset
}

// TrimResponse acknowledges a TrimRequest.
type TrimResponse struct {
	Err string
}

// GetRecordsRequest asks a peer for an ordered read over [From, To].
type GetRecordsRequest struct {
	Loglet     logs.LogletID
	From       logs.LogletOffset
	To         logs.LogletOffset
	Filter     logs.KeyFilter
	ByteBudget int
}

// GetRecordsResponse is a peer's answer to a GetRecordsRequest.
type GetRecordsResponse struct {
	Entries    []logstore.Entry
	NextOffset logs.LogletOffset
	Err        string
}

// FindTailRequest asks a peer for its current tail state.
type FindTailRequest struct {
	Loglet logs.LogletID
}

// FindTailResponse is a peer's answer to a FindTailRequest.
type FindTailResponse struct {
	Tail logs.TailState
	Err  string
}

// encode/decode use encoding/gob: no retrieved example repo imports a binary
// RPC serialization library (protobuf is a dropped teacher dependency, see
// DESIGN.md), and spec.md only pins down the on-disk data/metadata key and
// record formats (logs/keys.go, logs/record.go) — not an RPC envelope
// format. gob is the stdlib-pragmatic choice for these internal,
// never-persisted cluster RPC payloads.

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, errors.Wrap(err, "replicated: encode rpc message")
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return errors.Wrap(err, "replicated: decode rpc message")
	}
	return nil
}
