// Package bifrost implements C9 (chain & provider registry) and C10 (the
// facade and its read stream): the part of the system every other
// component in this module exists to support (spec.md §1, §5).
package bifrost

import (
	"bytes"
	"encoding/gob"
	"sort"

	"github.com/pkg/errors"
	"github.com/restatedev/bifrost/logs"
)

// Segment is one entry in a log's chain: a contiguous LSN range backed by
// one loglet instance.
type Segment struct {
	Index    logs.SegmentIndex
	BaseLSN  logs.LSN // LSN assigned to the segment's first record (its OldestOffset)
	Provider logs.ProviderKind
	Params   logs.LogletParams
	LogletID logs.LogletID
	// Sealed marks a segment that will never accept further appends; the
	// chain only ever extends by appending a new segment after sealing the
	// current tail.
	Sealed bool
}

// LogChain is the ordered sequence of segments making up one log
// (spec.md §3). Version is the metadatastore CAS version this chain was
// loaded at.
type LogChain struct {
	LogID    logs.LogID
	Segments []Segment
	Version  uint64
}

// TailSegment returns the chain's last (currently appendable, unless
// explicitly sealed) segment.
func (c *LogChain) TailSegment() (Segment, bool) {
	if len(c.Segments) == 0 {
		return Segment{}, false
	}
	return c.Segments[len(c.Segments)-1], true
}

// FindSegmentForLSN returns the segment covering lsn: the last segment
// whose BaseLSN is <= lsn (spec.md §5's find_segment_for_lsn, a binary
// search over chain.Segments since BaseLSN is strictly increasing).
func (c *LogChain) FindSegmentForLSN(lsn logs.LSN) (Segment, bool) {
	if len(c.Segments) == 0 || lsn < c.Segments[0].BaseLSN {
		return Segment{}, false
	}
	i := sort.Search(len(c.Segments), func(i int) bool {
		return c.Segments[i].BaseLSN > lsn
	})
	// i is the first segment starting after lsn; i-1 is the covering one.
	return c.Segments[i-1], true
}

// NextSegment returns the segment immediately after the one at index idx,
// if any.
func (c *LogChain) NextSegment(idx logs.SegmentIndex) (Segment, bool) {
	for _, seg := range c.Segments {
		if seg.Index == idx+1 {
			return seg, true
		}
	}
	return Segment{}, false
}

// encodeChain/decodeChain marshal a LogChain for metadatastore, which
// treats chain blobs as opaque (metadatastore/metadatastore.go).
func encodeChain(c LogChain) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, errors.Wrap(err, "bifrost: encode chain")
	}
	return buf.Bytes(), nil
}

func decodeChain(data []byte) (LogChain, error) {
	var c LogChain
	if len(data) == 0 {
		return c, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c); err != nil {
		return c, errors.Wrap(err, "bifrost: decode chain")
	}
	return c, nil
}
