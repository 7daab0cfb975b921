// Package peer implements the raw-TCP, newline-delimited-JSON transport
// coordinators use to exchange Forwarded messages with each other. Framing
// is a single JSON object per line, the same shape this codebase's ancestry
// uses for its own participant wire protocol.
package peer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/nkaush/sharded-distributed-txns/internal/obs"
	"github.com/nkaush/sharded-distributed-txns/internal/sharding"
	"github.com/nkaush/sharded-distributed-txns/internal/wire"
)

const connectRetryDelay = 100 * time.Millisecond

// Message pairs a received Forwarded frame with the peer it came from.
type Message struct {
	From sharding.NodeId
	Body wire.Forwarded
}

// Transport owns one node's listening socket and its outbound connections to
// every other node in the cluster. Every peer connection is handshaked by
// having the dialing side write its own node id as the first line, so the
// accepting side can learn who just connected without extra configuration.
type Transport struct {
	self sharding.NodeId

	listener net.Listener
	incoming chan Message

	mu    sync.Mutex
	conns map[sharding.NodeId]net.Conn

	closeOnce sync.Once
	done      chan struct{}
}

// Listen binds addr and returns a Transport ready to accept peer connections
// once Serve is called.
func Listen(self sharding.NodeId, addr string) (*Transport, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peer transport: listen on %s: %w", addr, err)
	}
	return &Transport{
		self:     self,
		listener: l,
		incoming: make(chan Message, 256),
		conns:    make(map[sharding.NodeId]net.Conn),
		done:     make(chan struct{}),
	}, nil
}

// Addr returns the address actually bound, useful when addr was ":0".
func (t *Transport) Addr() string {
	return t.listener.Addr().String()
}

// Incoming is the channel of frames received from any peer.
func (t *Transport) Incoming() <-chan Message {
	return t.incoming
}

// Serve accepts connections until Close is called. Run it in its own
// goroutine.
func (t *Transport) Serve() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				obs.Warn(false, "peer transport: accept failed: "+err.Error())
				continue
			}
		}
		go t.handleIncoming(conn)
	}
}

func (t *Transport) handleIncoming(conn net.Conn) {
	reader := bufio.NewReader(conn)

	handshake, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return
	}
	from := sharding.NodeId(trimNewline(handshake))

	t.mu.Lock()
	t.conns[from] = conn
	t.mu.Unlock()

	t.readFrames(from, reader)
}

// readFrames delivers every frame read from a peer connection to Incoming
// until the connection closes.
func (t *Transport) readFrames(from sharding.NodeId, reader *bufio.Reader) {
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			return
		}
		if err != nil {
			obs.Warn(false, "peer transport: read from "+string(from)+" failed: "+err.Error())
			return
		}

		var body wire.Forwarded
		if err := wire.Unmarshal([]byte(trimNewline(line)), &body); err != nil {
			obs.Warn(false, "peer transport: malformed frame from "+string(from)+": "+err.Error())
			continue
		}

		select {
		case t.incoming <- Message{From: from, Body: body}:
		case <-t.done:
			return
		}
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

// Connect dials every address in peers, retrying each on a fixed interval
// until ctx is cancelled. It blocks until every peer has a live connection.
func (t *Transport) Connect(ctx context.Context, peers map[sharding.NodeId]string) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(peers))

	for id, addr := range peers {
		wg.Add(1)
		go func(id sharding.NodeId, addr string) {
			defer wg.Done()
			errs <- t.dialWithRetry(ctx, id, addr)
		}(id, addr)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) dialWithRetry(ctx context.Context, id sharding.NodeId, addr string) error {
	for {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			if _, err := conn.Write([]byte(string(t.self) + "\n")); err != nil {
				conn.Close()
				return fmt.Errorf("peer transport: handshake with %s: %w", id, err)
			}
			t.mu.Lock()
			t.conns[id] = conn
			t.mu.Unlock()
			go t.readFrames(id, bufio.NewReader(conn))
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("peer transport: connecting to %s at %s: %w", id, addr, ctx.Err())
		case <-time.After(connectRetryDelay):
		}
	}
}

// Send writes msg to the connection for peer, which must already have been
// established via Connect or an inbound handshake.
func (t *Transport) Send(peer sharding.NodeId, msg wire.Forwarded) error {
	t.mu.Lock()
	conn, ok := t.conns[peer]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("peer transport: no connection to %s", peer)
	}

	b, err := wire.Marshal(msg)
	if err != nil {
		return fmt.Errorf("peer transport: encoding message for %s: %w", peer, err)
	}
	b = append(b, '\n')

	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := conn.Write(b); err != nil {
		return fmt.Errorf("peer transport: writing to %s: %w", peer, err)
	}
	return nil
}

// Broadcast sends msg to every node in peers other than this transport's own
// node.
func (t *Transport) Broadcast(peers []sharding.NodeId, msg wire.Forwarded) {
	for _, id := range peers {
		if id == t.self {
			continue
		}
		if err := t.Send(id, msg); err != nil {
			obs.Warn(false, err.Error())
		}
	}
}

// Close stops accepting connections and closes every peer socket.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })

	t.mu.Lock()
	for _, conn := range t.conns {
		conn.Close()
	}
	t.mu.Unlock()

	return t.listener.Close()
}
