package local

import (
	"context"
	"testing"
	"time"

	"github.com/restatedev/bifrost/loglet"
	"github.com/restatedev/bifrost/logs"
	"github.com/restatedev/bifrost/logstore"
	"github.com/stretchr/testify/require"
)

func newTestLoglet(t *testing.T) (*LocalLoglet, *logstore.Writer, func()) {
	t.Helper()
	store, err := logstore.Open(logstore.PebbleOptions{Dir: t.TempDir()})
	require.NoError(t, err)
	writer := logstore.NewWriter(store, logstore.WriterOptions{})
	ll, err := Open(1, store, writer, Options{})
	require.NoError(t, err)
	cleanup := func() {
		writer.Close()
		require.NoError(t, store.Close())
	}
	return ll, writer, cleanup
}

func TestEmptyLogletStartsOpenAtOldestOffset(t *testing.T) {
	ll, _, cleanup := newTestLoglet(t)
	defer cleanup()

	ctx := context.Background()
	tail, err := ll.FindTail(ctx)
	require.NoError(t, err)
	require.False(t, tail.IsSealed())
	require.Equal(t, logs.OldestOffset, tail.NextOffset)
}

func TestEnqueueBatchAssignsContiguousOffsets(t *testing.T) {
	ll, _, cleanup := newTestLoglet(t)
	defer cleanup()
	ctx := context.Background()

	tok1, err := ll.EnqueueBatch(ctx, []logs.Record{{Payload: []byte("a")}, {Payload: []byte("b")}})
	require.NoError(t, err)
	first1, err := tok1.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, logs.OldestOffset, first1)

	tok2, err := ll.EnqueueBatch(ctx, []logs.Record{{Payload: []byte("c")}})
	require.NoError(t, err)
	first2, err := tok2.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, first1+2, first2)

	tail, err := ll.FindTail(ctx)
	require.NoError(t, err)
	require.Equal(t, first2+1, tail.NextOffset)
}

func TestSealStopsFurtherAppends(t *testing.T) {
	ll, _, cleanup := newTestLoglet(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, ll.Seal(ctx))
	require.NoError(t, ll.Seal(ctx)) // idempotent

	_, err := ll.EnqueueBatch(ctx, []logs.Record{{Payload: []byte("x")}})
	require.Equal(t, loglet.KindSealed, loglet.KindOf(err))

	tail, err := ll.FindTail(ctx)
	require.NoError(t, err)
	require.True(t, tail.IsSealed())
}

func TestTrimIsIdempotentAndClipsToTail(t *testing.T) {
	ll, _, cleanup := newTestLoglet(t)
	defer cleanup()
	ctx := context.Background()

	tok, err := ll.EnqueueBatch(ctx, []logs.Record{{Payload: []byte("a")}, {Payload: []byte("b")}})
	require.NoError(t, err)
	_, err = tok.Wait(ctx)
	require.NoError(t, err)

	require.NoError(t, ll.Trim(ctx, 100)) // clips to tail-1
	trimPoint, has, err := ll.GetTrimPoint(ctx)
	require.NoError(t, err)
	require.True(t, has)
	require.Equal(t, logs.OldestOffset+1, trimPoint)

	require.NoError(t, ll.Trim(ctx, logs.OldestOffset)) // no-op, already past it
	trimPoint2, _, err := ll.GetTrimPoint(ctx)
	require.NoError(t, err)
	require.Equal(t, trimPoint, trimPoint2)
}

func TestReadStreamDeliversAppendedRecordsInOrder(t *testing.T) {
	ll, _, cleanup := newTestLoglet(t)
	defer cleanup()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tok, err := ll.EnqueueBatch(ctx, []logs.Record{{Payload: []byte("a")}, {Payload: []byte("b")}})
	require.NoError(t, err)
	_, err = tok.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, ll.Seal(ctx))

	rs := ll.CreateReadStream(logs.NoFilter(), logs.OldestOffset, nil)
	defer rs.Close()

	off, rec, ok, err := rs.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, logs.OldestOffset, off)
	require.True(t, rec.IsData)
	require.Equal(t, []byte("a"), rec.Data.Payload)

	off, rec, ok, err = rs.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, logs.OldestOffset+1, off)
	require.True(t, rec.IsData)
	require.Equal(t, []byte("b"), rec.Data.Payload)

	_, _, ok, err = rs.Next(ctx)
	require.NoError(t, err)
	require.False(t, ok) // sealed tail reached, stream ends
}

func TestReadStreamWaitsForNewAppendsOnOpenTail(t *testing.T) {
	ll, _, cleanup := newTestLoglet(t)
	defer cleanup()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rs := ll.CreateReadStream(logs.NoFilter(), logs.OldestOffset, nil)
	defer rs.Close()

	type result struct {
		off logs.LogletOffset
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		off, _, ok, err := rs.Next(ctx)
		done <- result{off, ok, err}
	}()

	tok, err := ll.EnqueueBatch(ctx, []logs.Record{{Payload: []byte("a")}})
	require.NoError(t, err)
	_, err = tok.Wait(ctx)
	require.NoError(t, err)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.True(t, r.ok)
		require.Equal(t, logs.OldestOffset, r.off)
	case <-time.After(2 * time.Second):
		t.Fatal("read stream never observed the append")
	}
}
