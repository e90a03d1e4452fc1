package metadatastore

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/restatedev/bifrost/logs"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{NodeID: "node-1", Dir: t.TempDir(), Bootstrap: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return s.raft.State() == raft.Leader
	}, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestStoreChainThenLoadChainRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	version, err := s.StoreChain(ctx, logs.LogID(1), 0, []byte("chain-v1"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), version)

	data, v, err := s.LoadChain(logs.LogID(1))
	require.NoError(t, err)
	require.Equal(t, uint64(1), v)
	require.Equal(t, []byte("chain-v1"), data)
}

func TestStoreChainRejectsStaleVersion(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := s.StoreChain(ctx, logs.LogID(2), 0, []byte("v1"))
	require.NoError(t, err)

	_, err = s.StoreChain(ctx, logs.LogID(2), 0, []byte("conflict"))
	require.ErrorIs(t, err, ErrVersionConflict)
}

func TestLoadChainOnUnknownLogReturnsZeroVersion(t *testing.T) {
	s := openTestStore(t)
	data, v, err := s.LoadChain(logs.LogID(999))
	require.NoError(t, err)
	require.Nil(t, data)
	require.Equal(t, uint64(0), v)
}
