package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkaush/sharded-distributed-txns/internal/sharding"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.properties")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadCluster(t *testing.T) {
	path := writeConfig(t, `
node.A.host=127.0.0.1
node.A.port=5001
node.A.peers=B,C

node.B.host=127.0.0.1
node.B.port=5002
node.B.peers=A,C

node.C.host=127.0.0.1
node.C.port=5003
node.C.peers=A,B
`)

	cluster, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cluster, 3)

	a := cluster[sharding.NodeId("A")]
	assert.Equal(t, "127.0.0.1:5001", a.Address())
	assert.ElementsMatch(t, []sharding.NodeId{"B", "C"}, a.ConnectionList)

	assert.Equal(t, []sharding.NodeId{"A", "B", "C"}, cluster.NodeIds())
}

func TestShardForUsesLeadingCharacter(t *testing.T) {
	path := writeConfig(t, `
node.A.host=127.0.0.1
node.A.port=5001

node.B.host=127.0.0.1
node.B.port=5002
`)

	cluster, err := Load(path)
	require.NoError(t, err)

	owner, err := cluster.ShardFor("alice")
	require.NoError(t, err)
	assert.Equal(t, sharding.NodeId("A"), owner)

	_, err = cluster.ShardFor("zeke")
	assert.Error(t, err)

	_, err = cluster.ShardFor("")
	assert.Error(t, err)
}

func TestLoadRejectsEmptyCluster(t *testing.T) {
	path := writeConfig(t, `unrelated.key=value`)
	_, err := Load(path)
	assert.Error(t, err)
}
