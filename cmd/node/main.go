// Command node runs a single shard participant: it loads the cluster
// topology, binds its client-facing and peer-facing listeners, connects to
// every other node, and runs the coordinator event loop until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/nkaush/sharded-distributed-txns/internal/config"
	"github.com/nkaush/sharded-distributed-txns/internal/coordinator"
	"github.com/nkaush/sharded-distributed-txns/internal/obs"
	"github.com/nkaush/sharded-distributed-txns/internal/peer"
	"github.com/nkaush/sharded-distributed-txns/internal/session"
	"github.com/nkaush/sharded-distributed-txns/internal/sharding"
)

var (
	nodeId     string
	configPath string
	clientAddr string
	journal    string
	debug      bool
	trace      bool
	warn       bool
)

func usage() {
	flag.PrintDefaults()
}

func init() {
	flag.StringVar(&nodeId, "node", "", "the id of this node, as it appears in the cluster config")
	flag.StringVar(&configPath, "config", "cluster.properties", "path to the cluster topology file")
	flag.StringVar(&clientAddr, "client-addr", "127.0.0.1:6000", "address to accept client connections on; when not given, the node's client.host/client.port from the config is used if declared")
	flag.StringVar(&journal, "journal", "", "path for the optional debug write-ahead journal, disabled if empty")
	flag.BoolVar(&debug, "debug", false, "log debug info")
	flag.BoolVar(&trace, "trace", false, "log per-object trace info (verbose)")
	flag.BoolVar(&warn, "warn", true, "log warnings")
	flag.Usage = usage
}

func main() {
	flag.Parse()
	if nodeId == "" {
		fmt.Fprintln(os.Stderr, "node: -node is required")
		os.Exit(1)
	}

	obs.ShowDebugInfo = debug
	obs.ShowTraceInfo = trace
	obs.ShowWarnings = warn

	cluster, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("node %s: loading cluster config: %v", nodeId, err)
	}

	self := sharding.NodeId(nodeId)
	selfCfg, ok := cluster[self]
	if !ok {
		log.Fatalf("node %s: not present in cluster config %s", nodeId, configPath)
	}
	if addr, err := selfCfg.ClientAddress(); err == nil {
		explicit := false
		flag.Visit(func(f *flag.Flag) { explicit = explicit || f.Name == "client-addr" })
		if !explicit {
			clientAddr = addr
		}
	}

	shard := sharding.NewShardWithJournal(self, sharding.NewJournal(journal, journal != ""))

	transport, err := peer.Listen(self, selfCfg.Address())
	if err != nil {
		log.Fatalf("node %s: %v", nodeId, err)
	}
	go transport.Serve()

	clientListener, err := net.Listen("tcp", clientAddr)
	if err != nil {
		log.Fatalf("node %s: binding client address %s: %v", nodeId, clientAddr, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	peers := make(map[sharding.NodeId]string)
	for _, id := range selfCfg.ConnectionList {
		peerCfg, ok := cluster[id]
		if !ok {
			log.Fatalf("node %s: unknown peer %s in connection list", nodeId, id)
		}
		peers[id] = peerCfg.Address()
	}

	obs.Debugf("node %s: connecting to %d peer(s)", nodeId, len(peers))
	if err := transport.Connect(ctx, peers); err != nil {
		log.Fatalf("node %s: connecting to peers: %v", nodeId, err)
	}

	coord := coordinator.New(self, cluster, shard, transport, clientListener, session.NewStarter(cluster))

	log.Printf("node %s: listening for clients on %s, peers on %s", nodeId, clientAddr, transport.Addr())
	if err := coord.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("node %s: coordinator exited: %v", nodeId, err)
	}

	transport.Close()
	clientListener.Close()
	log.Printf("node %s: shut down", nodeId)
}
