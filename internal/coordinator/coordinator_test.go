package coordinator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nkaush/sharded-distributed-txns/internal/config"
	"github.com/nkaush/sharded-distributed-txns/internal/peer"
	"github.com/nkaush/sharded-distributed-txns/internal/sharding"
	"github.com/nkaush/sharded-distributed-txns/internal/wire"
)

func mustListen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

// recordingStarter drives a fixed sequence of requests through the
// coordinator on behalf of one simulated client connection, recording every
// response it gets back, and reports the sequence on done.
func recordingStarter(steps func(tx sharding.TransactionId) []ClientState, done chan<- []wire.ClientResponse) SessionStarter {
	return func(conn net.Conn, tx sharding.TransactionId, fromClients chan<- ClientState, responses <-chan wire.ClientResponse) {
		defer conn.Close()
		var got []wire.ClientResponse
		for _, state := range steps(tx) {
			fromClients <- state
			if state.Kind == Forward {
				got = append(got, <-responses)
			}
		}
		fromClients <- NewFinished(tx)
		done <- got
	}
}

func TestCoordinatorSingleShardWriteReadCommit(t *testing.T) {
	shard := sharding.NewShard("A")
	transport, err := peer.Listen("A", "127.0.0.1:0")
	require.NoError(t, err)
	go transport.Serve()
	defer transport.Close()

	clientLn := mustListen(t)
	cluster := config.Cluster{"A": config.NodeConfig{Hostname: "127.0.0.1", Port: 1}}

	done := make(chan []wire.ClientResponse, 1)
	starter := recordingStarter(func(tx sharding.TransactionId) []ClientState {
		return []ClientState{
			NewForward(NodeTarget("A"), tx, wire.NewWriteBalance("alice", 100)),
			NewForward(NodeTarget("A"), tx, wire.NewReadBalance("alice")),
			NewForward(BroadcastTarget(), tx, wire.NewCommitRequest()),
		}
	}, done)

	coord := New("A", cluster, shard, transport, clientLn, starter)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go coord.Serve(ctx)

	conn, err := net.Dial("tcp", clientLn.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case got := <-done:
		require.Len(t, got, 3)
		require.Equal(t, wire.OkResponse, got[0].Kind)
		require.Equal(t, wire.ValueResponse, got[1].Kind)
		require.EqualValues(t, 100, got[1].Balance)
		require.Equal(t, wire.CommitOkResponse, got[2].Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for coordinator responses")
	}

	v, _ := shard.Read(ctx, sharding.TransactionId{Counter: 999, Node: "A"}, "alice")
	require.Equal(t, sharding.Balance(100), v)
}

func TestCoordinatorAbortsOnConsistencyCheckFailure(t *testing.T) {
	shard := sharding.NewShard("A")
	transport, err := peer.Listen("A", "127.0.0.1:0")
	require.NoError(t, err)
	go transport.Serve()
	defer transport.Close()

	clientLn := mustListen(t)
	cluster := config.Cluster{"A": config.NodeConfig{Hostname: "127.0.0.1", Port: 1}}

	done := make(chan []wire.ClientResponse, 1)
	starter := recordingStarter(func(tx sharding.TransactionId) []ClientState {
		return []ClientState{
			NewForward(NodeTarget("A"), tx, wire.NewWriteBalance("bob", -50)),
			NewForward(BroadcastTarget(), tx, wire.NewCommitRequest()),
		}
	}, done)

	coord := New("A", cluster, shard, transport, clientLn, starter)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go coord.Serve(ctx)

	conn, err := net.Dial("tcp", clientLn.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case got := <-done:
		require.Len(t, got, 2)
		require.Equal(t, wire.OkResponse, got[0].Kind)
		require.Equal(t, wire.AbortedResponse, got[1].Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for coordinator responses")
	}
}

func TestCoordinatorCrossShardCommitIsUnanimous(t *testing.T) {
	shardA := sharding.NewShard("A")
	shardB := sharding.NewShard("B")

	transportA, err := peer.Listen("A", "127.0.0.1:0")
	require.NoError(t, err)
	go transportA.Serve()
	defer transportA.Close()

	transportB, err := peer.Listen("B", "127.0.0.1:0")
	require.NoError(t, err)
	go transportB.Serve()
	defer transportB.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, transportA.Connect(ctx, map[sharding.NodeId]string{"B": transportB.Addr()}))
	require.NoError(t, transportB.Connect(ctx, map[sharding.NodeId]string{"A": transportA.Addr()}))

	cluster := config.Cluster{
		"A": config.NodeConfig{Hostname: "127.0.0.1", Port: 1},
		"B": config.NodeConfig{Hostname: "127.0.0.1", Port: 2},
	}

	clientLnA := mustListen(t)
	doneA := make(chan []wire.ClientResponse, 1)
	starterA := recordingStarter(func(tx sharding.TransactionId) []ClientState {
		return []ClientState{
			NewForward(NodeTarget("A"), tx, wire.NewWriteBalance("alice", 10)),
			NewForward(NodeTarget("B"), tx, wire.NewWriteBalance("bob", 10)),
			NewForward(BroadcastTarget(), tx, wire.NewCommitRequest()),
		}
	}, doneA)
	coordA := New("A", cluster, shardA, transportA, clientLnA, starterA)

	clientLnB := mustListen(t)
	coordB := New("B", cluster, shardB, transportB, clientLnB, func(net.Conn, sharding.TransactionId, chan<- ClientState, <-chan wire.ClientResponse) {})

	go coordA.Serve(ctx)
	go coordB.Serve(ctx)

	conn, err := net.Dial("tcp", clientLnA.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case got := <-doneA:
		require.Len(t, got, 3)
		require.Equal(t, wire.OkResponse, got[0].Kind)
		require.Equal(t, wire.OkResponse, got[1].Kind)
		require.Equal(t, wire.CommitOkResponse, got[2].Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for cross-shard commit")
	}

	v, err := shardB.Read(ctx, sharding.TransactionId{Counter: 999, Node: "B"}, "bob")
	require.NoError(t, err)
	require.Equal(t, sharding.Balance(10), v)
}
