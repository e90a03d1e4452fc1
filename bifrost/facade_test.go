package bifrost

import (
	"context"
	"testing"
	"time"

	"github.com/restatedev/bifrost/loglet"
	"github.com/restatedev/bifrost/loglet/local"
	"github.com/restatedev/bifrost/logs"
	"github.com/restatedev/bifrost/logstore"
	"github.com/restatedev/bifrost/metadatastore"
	"github.com/stretchr/testify/require"
)

// newTestBifrost wires a facade whose only registered provider opens a
// fresh local loglet per segment, each backed by its own pebble directory
// under t.TempDir().
func newTestBifrost(t *testing.T) *Bifrost {
	t.Helper()

	md, err := metadatastore.Open(metadatastore.Options{NodeID: "n1", Dir: t.TempDir(), Bootstrap: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return md.IsLeader() }, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { require.NoError(t, md.Close()) })

	registry := NewProviderRegistry()
	registry.Register(logs.ProviderLocal, func(logID logs.LogID, seg Segment) (loglet.Loglet, error) {
		store, err := logstore.Open(logstore.PebbleOptions{Dir: t.TempDir()})
		if err != nil {
			return nil, err
		}
		writer := logstore.NewWriter(store, logstore.WriterOptions{})
		t.Cleanup(func() { writer.Close(); store.Close() })
		return local.Open(seg.LogletID, store, writer, local.Options{})
	})

	return New(md, registry, nil)
}

func TestAppendAssignsSequentialLSNs(t *testing.T) {
	b := newTestBifrost(t)
	ctx := context.Background()
	require.NoError(t, b.CreateLog(ctx, 1, logs.ProviderLocal, ""))

	lsn1, err := b.Append(ctx, 1, []logs.Record{{Payload: []byte("a")}})
	require.NoError(t, err)
	require.Equal(t, logs.OldestLSN, lsn1)

	lsn2, err := b.Append(ctx, 1, []logs.Record{{Payload: []byte("b")}, {Payload: []byte("c")}})
	require.NoError(t, err)
	require.Equal(t, lsn1+1, lsn2)

	tail, sealed, err := b.FindTail(ctx, 1)
	require.NoError(t, err)
	require.False(t, sealed)
	require.Equal(t, lsn2+2, tail)
}

func TestReadStreamReadsAcrossSealAndChainExtension(t *testing.T) {
	b := newTestBifrost(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.CreateLog(ctx, 1, logs.ProviderLocal, ""))

	_, err := b.Append(ctx, 1, []logs.Record{{Payload: []byte("a")}})
	require.NoError(t, err)

	chain, err := b.getChain(ctx, 1)
	require.NoError(t, err)
	seg, _ := chain.TailSegment()
	_, err = b.extendChain(ctx, 1, chain, seg)
	require.NoError(t, err)

	_, err = b.Append(ctx, 1, []logs.Record{{Payload: []byte("b")}})
	require.NoError(t, err)

	rs, err := b.CreateReadStream(ctx, 1, logs.NoFilter(), logs.OldestLSN, nil)
	require.NoError(t, err)
	defer rs.Close()

	lsn, rec, ok, err := rs.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, logs.OldestLSN, lsn)
	require.Equal(t, []byte("a"), rec.Data.Payload)

	lsn, rec, ok, err = rs.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, logs.OldestLSN+1, lsn)
	require.Equal(t, []byte("b"), rec.Data.Payload)
}

func TestUnknownLogReturnsErrLogNotFound(t *testing.T) {
	b := newTestBifrost(t)
	ctx := context.Background()
	_, err := b.FindTail(ctx, 999)
	require.ErrorIs(t, err, ErrLogNotFound)
}
