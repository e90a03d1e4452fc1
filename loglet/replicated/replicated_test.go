package replicated

import (
	"context"
	"testing"
	"time"

	"github.com/restatedev/bifrost/loglet"
	"github.com/restatedev/bifrost/logs"
	"github.com/restatedev/bifrost/logstore"
	"github.com/stretchr/testify/require"
)

// newTestCluster wires a 3-node in-memory replicated loglet: one
// MemTransport shared by three LogServers, each backed by its own pebble
// directory, registered under node names "n0", "n1", "n2".
func newTestCluster(t *testing.T, loglet logs.LogletID) (*MemTransport, ReplicatedLogletParams) {
	t.Helper()
	transport := NewMemTransport()
	nodes := []string{"n0", "n1", "n2"}
	for _, node := range nodes {
		store, err := logstore.Open(logstore.PebbleOptions{Dir: t.TempDir()})
		require.NoError(t, err)
		writer := logstore.NewWriter(store, logstore.WriterOptions{})
		t.Cleanup(func() { writer.Close(); store.Close() })
		srv := NewLogServer(store, writer, nil)
		transport.ServeAs(node, loglet, srv)
	}
	params := ReplicatedLogletParams{
		LogletID: loglet,
		NodeSet:  nodes,
		Policy:   Policy{ReplicationFactor: 3, MaxFailures: 1, Spread: Flood},
	}
	return transport, params
}

func TestSequencerEnqueueBatchResolvesOnQuorum(t *testing.T) {
	transport, params := newTestCluster(t, 1)
	seq := NewSequencer(params, "n0", transport, logs.OldestOffset, SequencerOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tok, err := seq.EnqueueBatch(ctx, []logs.Record{{Payload: []byte("a")}, {Payload: []byte("b")}})
	require.NoError(t, err)
	first, err := tok.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, logs.OldestOffset, first)

	tok2, err := seq.EnqueueBatch(ctx, []logs.Record{{Payload: []byte("c")}})
	require.NoError(t, err)
	first2, err := tok2.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, first+2, first2)

	require.Eventually(t, func() bool {
		return seq.FindTail().NextOffset == first2+1
	}, time.Second, 10*time.Millisecond)
}

func TestSequencerSealReconcilesOnAgreedTail(t *testing.T) {
	transport, params := newTestCluster(t, 2)
	seq := NewSequencer(params, "n0", transport, logs.OldestOffset, SequencerOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tok, err := seq.EnqueueBatch(ctx, []logs.Record{{Payload: []byte("a")}})
	require.NoError(t, err)
	_, err = tok.Wait(ctx)
	require.NoError(t, err)

	tail, err := seq.Seal(ctx, transport)
	require.NoError(t, err)
	require.Equal(t, logs.OldestOffset+1, tail)
	require.True(t, seq.FindTail().IsSealed())

	_, err = seq.EnqueueBatch(ctx, []logs.Record{{Payload: []byte("x")}})
	require.ErrorIs(t, err, loglet.ErrSealed)
}

func TestSequencerSealReconcilesOnDisagreeingTails(t *testing.T) {
	transport, params := newTestCluster(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Write directly to each replica, bypassing the sequencer, to simulate a
	// crash mid-append that leaves replicas with different local tails
	// (spec.md §8's seal-reconciliation scenario).
	writes := map[string][]logs.Record{
		"n0": {{Payload: []byte("a")}, {Payload: []byte("b")}, {Payload: []byte("c")}},
		"n1": {{Payload: []byte("a")}, {Payload: []byte("b")}},
		"n2": {{Payload: []byte("a")}},
	}
	for node, records := range writes {
		resp, err := transport.Store(ctx, node, StoreRequest{Loglet: 3, FirstOffset: logs.OldestOffset, Records: records})
		require.NoError(t, err)
		require.Empty(t, resp.Err)
	}

	seq := NewSequencer(params, "n0", transport, logs.OldestOffset, SequencerOptions{})
	tail, err := seq.Seal(ctx, transport)
	require.NoError(t, err)
	require.Equal(t, logs.OldestOffset+3, tail)
	require.True(t, seq.FindTail().IsSealed())
}

func TestClientFindTailAndTrimAgainstQuorum(t *testing.T) {
	transport, params := newTestCluster(t, 3)
	seq := NewSequencer(params, "n0", transport, logs.OldestOffset, SequencerOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tok, err := seq.EnqueueBatch(ctx, []logs.Record{{Payload: []byte("a")}, {Payload: []byte("b")}})
	require.NoError(t, err)
	_, err = tok.Wait(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return seq.FindTail().NextOffset == logs.OldestOffset+2
	}, time.Second, 10*time.Millisecond)

	client := NewClient(params, transport, ClientOptions{})
	tail, err := client.FindTail(ctx)
	require.NoError(t, err)
	require.False(t, tail.IsSealed())
	require.Equal(t, logs.OldestOffset+2, tail.NextOffset)

	require.NoError(t, client.Trim(ctx, logs.OldestOffset))
}

func TestClientFindTailReconcilesOnDisagreeingSealedTails(t *testing.T) {
	transport, params := newTestCluster(t, 6)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	writes := map[string][]logs.Record{
		"n0": {{Payload: []byte("a")}, {Payload: []byte("b")}},
		"n1": {{Payload: []byte("a")}},
		"n2": {{Payload: []byte("a")}},
	}
	for node, records := range writes {
		resp, err := transport.Store(ctx, node, StoreRequest{Loglet: 6, FirstOffset: logs.OldestOffset, Records: records})
		require.NoError(t, err)
		require.Empty(t, resp.Err)
	}
	for _, node := range params.NodeSet {
		resp, err := transport.Seal(ctx, node, SealRequest{Loglet: 6})
		require.NoError(t, err)
		require.Empty(t, resp.Err)
	}

	client := NewClient(params, transport, ClientOptions{})
	tail, err := client.FindTail(ctx)
	require.NoError(t, err)
	require.True(t, tail.IsSealed())
	require.Equal(t, logs.OldestOffset+2, tail.NextOffset)
}

func TestClientReadStreamDeliversReplicatedRecords(t *testing.T) {
	transport, params := newTestCluster(t, 4)
	seq := NewSequencer(params, "n0", transport, logs.OldestOffset, SequencerOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tok, err := seq.EnqueueBatch(ctx, []logs.Record{{Payload: []byte("a")}, {Payload: []byte("b")}})
	require.NoError(t, err)
	_, err = tok.Wait(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return seq.FindTail().NextOffset == logs.OldestOffset+2
	}, time.Second, 10*time.Millisecond)

	client := NewClient(params, transport, ClientOptions{})
	rs := client.CreateReadStream(logs.NoFilter(), logs.OldestOffset, nil)
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
	require.Equal(t, []byte("b"), rec.Data.Payload)
}
