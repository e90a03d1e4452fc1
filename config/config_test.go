package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadRequiresDataDirAndNodeID(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)

	os.Setenv("BIFROST_DATA_DIR", t.TempDir())
	defer os.Unsetenv("BIFROST_DATA_DIR")
	_, err = Load("")
	require.Error(t, err)

	os.Setenv("BIFROST_NODE_ID", "n1")
	defer os.Unsetenv("BIFROST_NODE_ID")
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "n1", c.NodeID)
	require.Equal(t, c.DataDir, c.MetadataDir) // defaulted from data_dir
}

func TestLoadAppliesDefaults(t *testing.T) {
	os.Setenv("BIFROST_DATA_DIR", t.TempDir())
	os.Setenv("BIFROST_NODE_ID", "n1")
	defer os.Unsetenv("BIFROST_DATA_DIR")
	defer os.Unsetenv("BIFROST_NODE_ID")

	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 3, c.ReplicationFactor)
	require.Equal(t, 1000, c.SequencerMaxInFlight)
	require.Equal(t, "flood", c.SpreadStrategy)
	require.True(t, c.WALEnabled)

	policy, err := c.ReplicationPolicy()
	require.NoError(t, err)
	require.Equal(t, 3, policy.ReplicationFactor)

	log, err := c.Logger()
	require.NoError(t, err)
	require.NotNil(t, log)
}

func TestLoadRejectsUnknownSpreadStrategy(t *testing.T) {
	os.Setenv("BIFROST_DATA_DIR", t.TempDir())
	os.Setenv("BIFROST_NODE_ID", "n1")
	os.Setenv("BIFROST_SPREAD_STRATEGY", "bogus")
	defer os.Unsetenv("BIFROST_DATA_DIR")
	defer os.Unsetenv("BIFROST_NODE_ID")
	defer os.Unsetenv("BIFROST_SPREAD_STRATEGY")

	c, err := Load("")
	require.NoError(t, err)
	_, err = c.ReplicationPolicy()
	require.Error(t, err)
}
