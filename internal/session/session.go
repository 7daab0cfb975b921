// Package session implements the per-client-connection task: it reads one
// framed ClientRequest at a time, asks the coordinator to route it, and
// writes back whatever ClientResponse comes out the other side. A session is
// mono-transactional: it owns exactly one transaction id for its whole
// lifetime.
package session

import (
	"bufio"
	"io"
	"net"

	"github.com/nkaush/sharded-distributed-txns/internal/coordinator"
	"github.com/nkaush/sharded-distributed-txns/internal/obs"
	"github.com/nkaush/sharded-distributed-txns/internal/sharding"
	"github.com/nkaush/sharded-distributed-txns/internal/wire"
)

// Locator resolves which node owns a key, so reads and writes can be routed
// directly instead of broadcast.
type Locator interface {
	ShardFor(key string) (sharding.NodeId, error)
}

// NewStarter builds a coordinator.SessionStarter bound to locate, the way
// cmd/node wires the coordinator up to the cluster's key-to-shard mapping
// without the coordinator package needing to know about it.
func NewStarter(locate Locator) coordinator.SessionStarter {
	return func(conn net.Conn, txId sharding.TransactionId, fromClients chan<- coordinator.ClientState, responses <-chan wire.ClientResponse) {
		handle(conn, txId, fromClients, responses, locate)
	}
}

func handle(conn net.Conn, txId sharding.TransactionId, fromClients chan<- coordinator.ClientState, responses <-chan wire.ClientResponse, locate Locator) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	defer writer.Flush()

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				obs.Warn(false, "session "+txId.String()+": read error: "+err.Error())
			}
			abortAndFinish(fromClients, txId)
			return
		}

		var req wire.ClientRequest
		if err := wire.Unmarshal([]byte(trimNewline(line)), &req); err != nil {
			obs.Warn(false, "session "+txId.String()+": malformed request: "+err.Error())
			abortAndFinish(fromClients, txId)
			return
		}

		target, err := routeFor(req, locate)
		if err != nil {
			writeResponse(writer, wire.NewAbortedNotFound())
			continue
		}

		fromClients <- coordinator.NewForward(target, txId, req)
		resp := <-responses

		switch req.Kind {
		case wire.CommitRequest:
			if resp.Kind == wire.AbortedResponse {
				// The coordinator could not get unanimous agreement; hand it
				// an explicit abort broadcast so every shard drops this
				// transaction's tentative writes. The broadcast is queued
				// before the verdict is written back, but the session does
				// not wait for any shard to finish the abort. Each shard answers this
				// broadcast individually, but the client only cares about
				// the verdict already in hand, so the replies are left for
				// the response channel's buffer to absorb.
				fromClients <- coordinator.NewForward(coordinator.BroadcastTarget(), txId, wire.NewAbortRequest())
			}
			writeResponse(writer, resp)
			fromClients <- coordinator.NewFinished(txId)
			return

		case wire.AbortRequest:
			writeResponse(writer, resp)
			fromClients <- coordinator.NewFinished(txId)
			return

		default:
			writeResponse(writer, resp)
		}
	}
}

// routeFor decides which shard should see req: the one owning the key for
// reads/writes, or every shard for commit/abort.
func routeFor(req wire.ClientRequest, locate Locator) (coordinator.ForwardTarget, error) {
	switch req.Kind {
	case wire.ReadBalanceRequest, wire.WriteBalanceRequest:
		owner, err := locate.ShardFor(req.Key)
		if err != nil {
			return coordinator.ForwardTarget{}, err
		}
		return coordinator.NodeTarget(owner), nil
	default:
		return coordinator.BroadcastTarget(), nil
	}
}

func abortAndFinish(fromClients chan<- coordinator.ClientState, txId sharding.TransactionId) {
	fromClients <- coordinator.NewForward(coordinator.BroadcastTarget(), txId, wire.NewAbortRequest())
	fromClients <- coordinator.NewFinished(txId)
}

func writeResponse(w *bufio.Writer, resp wire.ClientResponse) {
	b, err := wire.Marshal(resp)
	if err != nil {
		obs.Warn(false, "session: failed to marshal response: "+err.Error())
		return
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		obs.Warn(false, "session: failed to write response: "+err.Error())
		return
	}
	if err := w.Flush(); err != nil {
		obs.Warn(false, "session: failed to flush response: "+err.Error())
	}
}

func trimNewline(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
	}
	if n := len(s); n > 0 && s[n-1] == '\r' {
		s = s[:n-1]
	}
	return s
}
