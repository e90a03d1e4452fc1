package logs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRecordRoundTrip(t *testing.T) {
	r := Record{Payload: []byte("hello world"), Keys: []uint64{1, 2, 3}, CreatedAt: 42}
	encoded := EncodeRecord(r, false)
	decoded, err := DecodeRecord(encoded)
	require.NoError(t, err)
	require.Equal(t, r.Payload, decoded.Payload)
	require.Equal(t, r.Keys, decoded.Keys)
	require.Equal(t, r.CreatedAt, decoded.CreatedAt)
}

func TestEncodeDecodeRecordCompressed(t *testing.T) {
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte('a' + i%5)
	}
	r := Record{Payload: payload, CreatedAt: 7}
	encoded := EncodeRecord(r, true)
	decoded, err := DecodeRecord(encoded)
	require.NoError(t, err)
	require.Equal(t, r.Payload, decoded.Payload)
}

func TestDecodeRecordRejectsUnknownVersion(t *testing.T) {
	encoded := EncodeRecord(Record{Payload: []byte("x")}, false)
	encoded[0] = 0xEE
	_, err := DecodeRecord(encoded)
	require.ErrorIs(t, err, ErrUnknownVersion)
}

func TestDecodeRecordRejectsBadChecksum(t *testing.T) {
	encoded := EncodeRecord(Record{Payload: []byte("x")}, false)
	encoded[len(encoded)-1] ^= 0xFF
	_, err := DecodeRecord(encoded)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestDecodeRecordNeverPanicsOnGarbage(t *testing.T) {
	inputs := [][]byte{
		nil,
		{},
		{1},
		{1, 0, 0, 0, 0, 0},
		{1, 0, 255, 255, 255, 255, 1, 2, 3},
	}
	for _, in := range inputs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("DecodeRecord panicked on %v: %v", in, r)
				}
			}()
			_, _ = DecodeRecord(in)
		}()
	}
}

func TestDataKeyRoundTrip(t *testing.T) {
	key := EncodeDataKey(LogletID(9), LogletOffset(123))
	require.Len(t, key, DataKeyLen)
	id, off, err := DecodeDataKey(key)
	require.NoError(t, err)
	require.Equal(t, LogletID(9), id)
	require.Equal(t, LogletOffset(123), off)
}

func TestDataKeyPrefixIsStablePerLoglet(t *testing.T) {
	prefix := DataKeyPrefix(LogletID(9))
	key := EncodeDataKey(LogletID(9), LogletOffset(1))
	require.True(t, len(key) >= len(prefix))
	require.Equal(t, prefix, key[:len(prefix)])
}

func TestMetaKeyUnknownKindDecodesToSentinel(t *testing.T) {
	key := EncodeMetaKey(LogletID(1), MetaKind(200))
	_, kind, err := DecodeMetaKey(key)
	require.NoError(t, err)
	require.Equal(t, MetaUnknown, kind)
}

func TestKeyFilterMatches(t *testing.T) {
	require.True(t, NoFilter().Matches(nil))
	f := KeyFilter{Keys: []uint64{1, 2}}
	require.True(t, f.Matches([]uint64{2, 99}))
	require.False(t, f.Matches([]uint64{3}))
}

func TestTailStateRegressed(t *testing.T) {
	open5 := Open(5)
	require.False(t, open5.Regressed(Open(6)))
	require.True(t, open5.Regressed(Open(4)))

	sealed5 := Sealed(5)
	require.False(t, sealed5.Regressed(Sealed(5)))
	require.True(t, sealed5.Regressed(Sealed(6)))
	require.True(t, sealed5.Regressed(Open(5)))
}
