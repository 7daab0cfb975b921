// Package config loads the cluster topology -- which node listens where,
// and who it must connect to -- from a .properties file, the way this
// codebase's ancestry loads its cluster configuration from a file named by a
// package-level location variable and overlaid with CLI flags.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/magiconair/properties"

	"github.com/nkaush/sharded-distributed-txns/internal/sharding"
)

// NodeConfig describes one cluster member.
type NodeConfig struct {
	Hostname       string
	Port           int
	ConnectionList []sharding.NodeId

	// ClientHostname/ClientPort are where this node accepts client
	// connections. Optional: a node driven only peer-to-peer (e.g. in a
	// test cluster) may omit them.
	ClientHostname string
	ClientPort     int
}

func (n NodeConfig) Address() string {
	return fmt.Sprintf("%s:%d", n.Hostname, n.Port)
}

// ClientAddress returns the address client sessions should dial, or an
// error if this node never declared one.
func (n NodeConfig) ClientAddress() (string, error) {
	if n.ClientPort == 0 {
		return "", fmt.Errorf("node has no client.port configured")
	}
	host := n.ClientHostname
	if host == "" {
		host = n.Hostname
	}
	return fmt.Sprintf("%s:%d", host, n.ClientPort), nil
}

// Cluster is the full topology: every node id mapped to its config.
type Cluster map[sharding.NodeId]NodeConfig

// NodeIds returns every node id in the cluster, sorted for deterministic
// iteration (e.g. when broadcasting to every shard).
func (c Cluster) NodeIds() []sharding.NodeId {
	ids := make([]sharding.NodeId, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ShardFor returns the node id owning key, derived from key's first byte.
// Nodes whose id is a single character equal to a key's leading character,
// upper-cased, own that partition; this mirrors the flat first-character
// sharding scheme described for this cluster.
func (c Cluster) ShardFor(key string) (sharding.NodeId, error) {
	if key == "" {
		return "", fmt.Errorf("cannot shard an empty key")
	}
	owner := sharding.NodeId(strings.ToUpper(key[:1]))
	if _, ok := c[owner]; !ok {
		return "", fmt.Errorf("no shard owns key %q (looked for node %q)", key, owner)
	}
	return owner, nil
}

// Load reads a .properties file shaped like:
//
//	node.A.host=127.0.0.1
//	node.A.port=5001
//	node.A.peers=B,C
//
// one block per node id, and returns the resulting Cluster.
func Load(path string) (Cluster, error) {
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return nil, fmt.Errorf("loading cluster config %s: %w", path, err)
	}

	cluster := make(Cluster)
	for _, key := range p.Keys() {
		if !strings.HasPrefix(key, "node.") || !strings.HasSuffix(key, ".host") {
			continue
		}
		id := sharding.NodeId(strings.TrimSuffix(strings.TrimPrefix(key, "node."), ".host"))

		host := p.MustGetString(key)
		port, err := strconv.Atoi(p.MustGetString(fmt.Sprintf("node.%s.port", id)))
		if err != nil {
			return nil, fmt.Errorf("node %s: invalid port: %w", id, err)
		}

		var peers []sharding.NodeId
		if raw, ok := p.Get(fmt.Sprintf("node.%s.peers", id)); ok && raw != "" {
			for _, peer := range strings.Split(raw, ",") {
				peers = append(peers, sharding.NodeId(strings.TrimSpace(peer)))
			}
		}

		var clientHost string
		var clientPort int
		if raw, ok := p.Get(fmt.Sprintf("node.%s.client.port", id)); ok && raw != "" {
			clientPort, err = strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("node %s: invalid client.port: %w", id, err)
			}
			clientHost = p.GetString(fmt.Sprintf("node.%s.client.host", id), host)
		}

		cluster[id] = NodeConfig{
			Hostname:       host,
			Port:           port,
			ConnectionList: peers,
			ClientHostname: clientHost,
			ClientPort:     clientPort,
		}
	}

	if len(cluster) == 0 {
		return nil, fmt.Errorf("cluster config %s defines no nodes", path)
	}
	return cluster, nil
}
