package recordcache

import (
	"testing"

	"github.com/restatedev/bifrost/logs"
	"github.com/stretchr/testify/require"
)

func TestZeroBudgetIsNoop(t *testing.T) {
	c := New(0)
	k := Key{Loglet: 1, Offset: 1}
	c.Put(k, logs.Record{Payload: []byte("x")})
	_, ok := c.Get(k)
	require.False(t, ok)
}

func TestPutGetRoundTrip(t *testing.T) {
	c := New(1 << 20)
	k := Key{Loglet: 1, Offset: 5}
	rec := logs.Record{Payload: []byte("hello")}
	c.Put(k, rec)
	got, ok := c.Get(k)
	require.True(t, ok)
	require.Equal(t, rec.Payload, got.Payload)
}

func TestEvictsUnderByteBudget(t *testing.T) {
	// Small enough budget that only a few large records fit: each shard
	// gets 200 bytes, so a 150-byte payload plus its key leaves room for one
	// record per shard, and 50 puts cannot all stay (assert on total Len()).
	c := New(shardCount * 200) // 200 bytes per shard budget
	payload := make([]byte, 150)
	for i := 0; i < 50; i++ {
		c.Put(Key{Loglet: 1, Offset: logs.LogletOffset(i)}, logs.Record{Payload: payload})
	}
	require.Less(t, c.Len(), 50)
}

func TestRecordTooLargeForBudgetIsDropped(t *testing.T) {
	c := New(10)
	c.Put(Key{Loglet: 1, Offset: 1}, logs.Record{Payload: make([]byte, 1000)})
	require.Equal(t, 0, c.Len())
}
