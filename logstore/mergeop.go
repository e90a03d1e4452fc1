package logstore

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/restatedev/bifrost/logs"
)

// Log-state merge operand tags (spec.md §6): a tagged union applied to the
// metadata CF's LogState key without a read-modify-write round trip.
const (
	operandSetSequencer byte = 1
	operandSeal         byte = 2
	operandTrim         byte = 3
)

// encodeOperand serializes one merge operand: 1-byte tag + body.
func encodeSetSequencerOperand(nodeID string) []byte {
	buf := make([]byte, 1+len(nodeID))
	buf[0] = operandSetSequencer
	copy(buf[1:], nodeID)
	return buf
}

func encodeSealOperand() []byte {
	return []byte{operandSeal}
}

func encodeTrimOperand(offset logs.LogletOffset) []byte {
	buf := make([]byte, 5)
	buf[0] = operandTrim
	binary.BigEndian.PutUint32(buf[1:5], uint32(offset))
	return buf
}

// logStateValue is the resolved, merged representation of a LogState key:
// the value Get/the Merger's Finish ultimately produce.
type logStateValue struct {
	hasSequencer bool
	sequencer    string
	sealed       bool
	hasTrim      bool
	trimPoint    logs.LogletOffset
}

func decodeLogStateValue(b []byte) (logStateValue, error) {
	var v logStateValue
	if len(b) == 0 {
		return v, nil
	}
	if len(b) < 1+1+1+1+4 {
		return v, errors.New("logstore: truncated log state value")
	}
	off := 0
	v.hasSequencer = b[off] != 0
	off++
	seqLen := int(b[off])
	off++
	if v.hasSequencer {
		if len(b) < off+seqLen {
			return v, errors.New("logstore: truncated log state value (sequencer)")
		}
		v.sequencer = string(b[off : off+seqLen])
	}
	off += seqLen
	if len(b) < off+2 {
		return v, errors.New("logstore: truncated log state value (flags)")
	}
	v.sealed = b[off] != 0
	off++
	v.hasTrim = b[off] != 0
	off++
	if len(b) < off+4 {
		return v, errors.New("logstore: truncated log state value (trim)")
	}
	v.trimPoint = logs.LogletOffset(binary.BigEndian.Uint32(b[off : off+4]))
	return v, nil
}

func (v logStateValue) encode() []byte {
	buf := make([]byte, 0, 1+1+len(v.sequencer)+1+1+4)
	if v.hasSequencer {
		buf = append(buf, 1, byte(len(v.sequencer)))
		buf = append(buf, v.sequencer...)
	} else {
		buf = append(buf, 0, 0)
	}
	if v.sealed {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	if v.hasTrim {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	tmp := make([]byte, 4)
	binary.BigEndian.PutUint32(tmp, uint32(v.trimPoint))
	return append(buf, tmp...)
}

// applyOperand folds one tagged operand into v, implementing the merge
// operator's required semantics (spec.md §4.2):
//   - trim point only ever moves forward (monotonically larger)
//   - seal is sticky-true
//   - the sequencer is write-once: a later SetSequencer is ignored once set
func (v logStateValue) applyOperand(operand []byte) (logStateValue, error) {
	if len(operand) == 0 {
		return v, errors.New("logstore: empty merge operand")
	}
	switch operand[0] {
	case operandSetSequencer:
		if !v.hasSequencer {
			v.hasSequencer = true
			v.sequencer = string(operand[1:])
		}
	case operandSeal:
		v.sealed = true
	case operandTrim:
		if len(operand) < 5 {
			return v, errors.New("logstore: truncated trim operand")
		}
		newTrim := logs.LogletOffset(binary.BigEndian.Uint32(operand[1:5]))
		if !v.hasTrim || newTrim > v.trimPoint {
			v.hasTrim = true
			v.trimPoint = newTrim
		}
	default:
		return v, errors.Errorf("logstore: unknown merge operand tag %d", operand[0])
	}
	return v, nil
}

// logStateMerger is a pebble.ValueMerger accumulating a sequence of tagged
// operands (and, possibly, one base value read from disk) into a single
// logStateValue, associatively — so applying {SetSequencer, Seal,
// Trim(n)} in any relative order against any existing base converges to
// the same result.
type logStateMerger struct {
	value logStateValue
	err   error
}

func newLogStateMerger(key, value []byte) (pebble.ValueMerger, error) {
	m := &logStateMerger{}
	base, err := decodeLogStateValue(value)
	if err != nil {
		return nil, err
	}
	m.value = base
	return m, nil
}

func (m *logStateMerger) MergeNewer(value []byte) error {
	if m.err != nil {
		return m.err
	}
	m.value, m.err = m.value.applyOperand(value)
	return m.err
}

func (m *logStateMerger) MergeOlder(value []byte) error {
	// Operands commute (spec.md §4.2 requires an associative merge), so
	// applying an older operand uses the same fold as a newer one.
	return m.MergeNewer(value)
}

func (m *logStateMerger) Finish(includesBase bool) ([]byte, io.Closer, error) {
	if m.err != nil {
		return nil, nil, m.err
	}
	return m.value.encode(), nil, nil
}

// logStateMergerName is registered with pebble.Options.Merger.
const logStateMergerName = "bifrost.logstate.v1"

func newPebbleMerger() *pebble.Merger {
	return &pebble.Merger{
		Name:  logStateMergerName,
		Merge: newLogStateMerger,
	}
}
