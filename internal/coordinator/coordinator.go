// Package coordinator runs the per-node event loop that accepts client
// connections, routes their requests to the owning shard (local or remote),
// and drives two-phase commit across every shard in the cluster.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/nkaush/sharded-distributed-txns/internal/config"
	"github.com/nkaush/sharded-distributed-txns/internal/obs"
	"github.com/nkaush/sharded-distributed-txns/internal/peer"
	"github.com/nkaush/sharded-distributed-txns/internal/sharding"
	"github.com/nkaush/sharded-distributed-txns/internal/wire"
)

// ForwardTarget names where a routed client request should go: a specific
// shard, or every shard in the cluster.
type ForwardTarget struct {
	Broadcast bool
	Node      sharding.NodeId
}

// BroadcastTarget routes req to every shard.
func BroadcastTarget() ForwardTarget { return ForwardTarget{Broadcast: true} }

// NodeTarget routes req to a single shard.
func NodeTarget(id sharding.NodeId) ForwardTarget { return ForwardTarget{Node: id} }

// ClientStateKind tags the variant of a ClientState message a session task
// sends to the coordinator's event loop.
type ClientStateKind int

const (
	// Forward asks the coordinator to route Request on behalf of TxId.
	Forward ClientStateKind = iota
	// Finished tells the coordinator the session for TxId has closed and its
	// client handle can be forgotten.
	Finished
)

// ClientState is the message a client session sends to the coordinator.
type ClientState struct {
	Kind    ClientStateKind
	TxId    sharding.TransactionId
	Target  ForwardTarget
	Request wire.ClientRequest
}

// NewForward builds a Forward client state.
func NewForward(target ForwardTarget, tx sharding.TransactionId, req wire.ClientRequest) ClientState {
	return ClientState{Kind: Forward, TxId: tx, Target: target, Request: req}
}

// NewFinished builds a Finished client state.
func NewFinished(tx sharding.TransactionId) ClientState {
	return ClientState{Kind: Finished, TxId: tx}
}

type commitAggregate struct {
	responses int
	vote      wire.CommitVote
}

// SessionStarter is invoked once per accepted client connection; it owns the
// connection's lifetime and must eventually send Finished(txId) on
// fromClients.
type SessionStarter func(conn net.Conn, txId sharding.TransactionId, fromClients chan<- ClientState, responses <-chan wire.ClientResponse)

// Coordinator is the single event loop driving one node.
type Coordinator struct {
	node      sharding.NodeId
	shard     *sharding.Shard
	transport *peer.Transport
	shardIds  []sharding.NodeId
	idGen     *sharding.IdGenerator
	listener  net.Listener
	startSession SessionStarter

	fromClients chan ClientState
	loopback    chan peer.Message

	clients      map[sharding.TransactionId]chan wire.ClientResponse
	commitStatus map[sharding.TransactionId]*commitAggregate
}

// New builds a coordinator for node, accepting client connections on
// listener, using transport to talk to the rest of cluster and shard as
// its local partition.
func New(node sharding.NodeId, cluster config.Cluster, shard *sharding.Shard, transport *peer.Transport, listener net.Listener, startSession SessionStarter) *Coordinator {
	return &Coordinator{
		node:         node,
		shard:        shard,
		transport:    transport,
		shardIds:     cluster.NodeIds(),
		idGen:        sharding.NewIdGenerator(node),
		listener:     listener,
		startSession: startSession,
		fromClients:  make(chan ClientState, 256),
		loopback:     make(chan peer.Message, 256),
		clients:      make(map[sharding.TransactionId]chan wire.ClientResponse),
		commitStatus: make(map[sharding.TransactionId]*commitAggregate),
	}
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// Serve runs the event loop until ctx is cancelled or the listener fails.
func (c *Coordinator) Serve(ctx context.Context) error {
	acceptCh := make(chan acceptResult)
	go func() {
		for {
			conn, err := c.listener.Accept()
			select {
			case acceptCh <- acceptResult{conn, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case res := <-acceptCh:
			if res.err != nil {
				return fmt.Errorf("coordinator: accept failed: %w", res.err)
			}
			c.acceptClient(res.conn)

		case state := <-c.fromClients:
			c.handleClientState(ctx, state)

		case msg := <-c.loopback:
			c.handleServerState(ctx, msg)

		case msg := <-c.transport.Incoming():
			c.handleServerState(ctx, msg)
		}
	}
}

func (c *Coordinator) acceptClient(conn net.Conn) {
	txId := c.idGen.Next()
	// An explicit abort broadcasts to every shard and each one replies
	// individually (unlike commit, whose votes are aggregated into one
	// reply), so the buffer must hold one response per shard without
	// blocking this single-threaded event loop on a slow client.
	responses := make(chan wire.ClientResponse, len(c.shardIds)+1)
	c.clients[txId] = responses

	obs.Debugf("coordinator %s: accepted client, assigned %s", c.node, txId)
	go c.startSession(conn, txId, c.fromClients, responses)
}

func (c *Coordinator) handleClientState(ctx context.Context, state ClientState) {
	switch state.Kind {
	case Finished:
		delete(c.clients, state.TxId)

	case Forward:
		if state.Target.Broadcast {
			if state.Request.Kind == wire.CommitRequest {
				c.commitStatus[state.TxId] = &commitAggregate{vote: wire.ReadyToCommit}
			}
			c.broadcastRequest(ctx, state.TxId, state.Request)
		} else {
			c.routeRequest(ctx, state.Target.Node, state.TxId, state.Request)
		}
	}
}

func (c *Coordinator) broadcastRequest(ctx context.Context, tx sharding.TransactionId, req wire.ClientRequest) {
	for _, id := range c.shardIds {
		c.routeRequest(ctx, id, tx, req)
	}
}

func (c *Coordinator) routeRequest(ctx context.Context, to sharding.NodeId, tx sharding.TransactionId, req wire.ClientRequest) {
	if to == c.node {
		go c.handleRemoteRequest(ctx, c.node, tx, req)
		return
	}
	if err := c.transport.Send(to, wire.NewForwardedRequest(tx, req)); err != nil {
		obs.Warn(false, fmt.Sprintf("coordinator %s: peer %s unreachable: %v ... exiting", c.node, to, err))
		panic(err)
	}
}

// handleRemoteRequest executes req against the local shard on behalf of a
// request that was routed here (whether that routing was local or arrived
// over the network) and routes the response back to whoever asked.
func (c *Coordinator) handleRemoteRequest(ctx context.Context, from sharding.NodeId, tx sharding.TransactionId, req wire.ClientRequest) {
	var resp wire.Forwarded

	switch req.Kind {
	case wire.WriteBalanceRequest:
		err := c.shard.Write(ctx, tx, req.Key, sharding.BalanceDiff(req.Diff))
		resp = wire.NewForwardedResponse(tx, responseForError(err, wire.NewOk()))

	case wire.ReadBalanceRequest:
		value, err := c.shard.Read(ctx, tx, req.Key)
		var ok wire.ClientResponse
		if err == nil {
			ok = wire.NewValue(req.Key, int64(value))
		}
		resp = wire.NewForwardedResponse(tx, responseForError(err, ok))

	case wire.CommitRequest:
		vote := wire.ReadyToCommit
		if err := c.shard.CheckCommit(ctx, tx); err != nil {
			obs.Debugf("coordinator %s: %s cannot commit: %v", c.node, tx, err)
			vote = wire.CannotCommit
		}
		resp = wire.NewForwardedCommitStatus(tx, vote)

	case wire.AbortRequest:
		c.shard.Abort(tx)
		resp = wire.NewForwardedResponse(tx, wire.NewAborted())
	}

	if from == c.node {
		c.loopback <- peer.Message{From: c.node, Body: resp}
		return
	}
	if err := c.transport.Send(from, resp); err != nil {
		obs.Warn(false, fmt.Sprintf("coordinator %s: peer %s disconnected: %v ... exiting", c.node, from, err))
		panic(err)
	}
}

func responseForError(err error, ok wire.ClientResponse) wire.ClientResponse {
	if err == nil {
		return ok
	}
	if errors.Is(err, sharding.ErrAbortedNotFound) {
		return wire.NewAbortedNotFound()
	}
	return wire.NewAborted()
}

func (c *Coordinator) handleServerState(ctx context.Context, msg peer.Message) {
	switch msg.Body.Kind {
	case wire.ForwardedRequest:
		go c.handleRemoteRequest(ctx, msg.From, msg.Body.Tx, *msg.Body.Request)

	case wire.ForwardedResponse:
		c.passToClient(msg.Body.Tx, *msg.Body.Response)

	case wire.ForwardedCommitStatus:
		c.handleTwoPhaseCommit(ctx, msg.Body.Tx, msg.Body.Vote)

	case wire.ForwardedDoCommit:
		go func() {
			changed, err := c.shard.Commit(ctx, msg.Body.Tx)
			if err != nil {
				obs.Warn(false, fmt.Sprintf("FATAL: failed to commit %s after unanimous vote: %v", msg.Body.Tx, err))
				return
			}
			printCommitResult(changed)
		}()
	}
}

func (c *Coordinator) handleTwoPhaseCommit(ctx context.Context, tx sharding.TransactionId, vote wire.CommitVote) {
	agg, ok := c.commitStatus[tx]
	if !ok {
		return
	}
	agg.responses++
	if vote == wire.CannotCommit {
		agg.vote = wire.CannotCommit
	}

	obs.Debugf("coordinator %s: two-phase commit for %s received %d/%d responses", c.node, tx, agg.responses, len(c.shardIds))
	if agg.responses != len(c.shardIds) {
		return
	}

	switch agg.vote {
	case wire.ReadyToCommit:
		c.passToClient(tx, wire.NewCommitOk())
		for _, id := range c.shardIds {
			if id == c.node {
				go c.handleServerState(ctx, peer.Message{From: c.node, Body: wire.NewForwardedDoCommit(tx)})
				continue
			}
			if err := c.transport.Send(id, wire.NewForwardedDoCommit(tx)); err != nil {
				obs.Warn(false, fmt.Sprintf("coordinator %s: peer %s unreachable during commit broadcast: %v", c.node, id, err))
			}
		}
	case wire.CannotCommit:
		c.passToClient(tx, wire.NewAborted())
	}

	delete(c.commitStatus, tx)
}

func (c *Coordinator) passToClient(tx sharding.TransactionId, resp wire.ClientResponse) {
	ch, ok := c.clients[tx]
	if !ok {
		obs.Warn(false, fmt.Sprintf("coordinator %s: no client handle for %s, dropping response", c.node, tx))
		return
	}
	ch <- resp
}

// printCommitResult prints the operator-facing commit summary line: every
// changed key with a non-zero balance, sorted ascending, each written as a
// "key = value " fragment (trailing space included).
func printCommitResult(changed []sharding.Changed) {
	if len(changed) == 0 {
		return
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].Key < changed[j].Key })

	var b strings.Builder
	for _, c := range changed {
		if c.Value != 0 {
			fmt.Fprintf(&b, "%s = %d ", c.Key, c.Value)
		}
	}
	if b.Len() > 0 {
		fmt.Println(b.String())
	}
}
