package peer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nkaush/sharded-distributed-txns/internal/sharding"
	"github.com/nkaush/sharded-distributed-txns/internal/wire"
)

func newTestTransport(t *testing.T, self sharding.NodeId) *Transport {
	t.Helper()
	tr, err := Listen(self, "127.0.0.1:0")
	require.NoError(t, err)
	go tr.Serve()
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestTransportSendAndReceive(t *testing.T) {
	a := newTestTransport(t, "A")
	b := newTestTransport(t, "B")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, a.Connect(ctx, map[sharding.NodeId]string{"B": b.Addr()}))
	require.NoError(t, b.Connect(ctx, map[sharding.NodeId]string{"A": a.Addr()}))

	tx := sharding.TransactionId{Counter: 1, Node: "A"}
	msg := wire.NewForwardedRequest(tx, wire.NewReadBalance("alice"))
	require.NoError(t, a.Send("B", msg))

	select {
	case got := <-b.Incoming():
		require.Equal(t, sharding.NodeId("A"), got.From)
		require.Equal(t, wire.ForwardedRequest, got.Body.Kind)
		require.Equal(t, tx, got.Body.Tx)
		require.Equal(t, "alice", got.Body.Request.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestTransportSendToUnknownPeerFails(t *testing.T) {
	a := newTestTransport(t, "A")
	err := a.Send("Z", wire.NewForwardedDoCommit(sharding.TransactionId{Counter: 1, Node: "A"}))
	require.Error(t, err)
}

func TestTransportConnectRetriesUntilListenerExists(t *testing.T) {
	a := newTestTransport(t, "A")

	ln, err := Listen("B", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr()
	ln.Close() // nothing listening yet; Connect must retry past the refusal

	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { done <- a.Connect(ctx, map[sharding.NodeId]string{"B": addr}) }()

	time.Sleep(50 * time.Millisecond)
	b, err := Listen("B", addr)
	require.NoError(t, err)
	go b.Serve()
	defer b.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect never succeeded after listener came up")
	}
}
