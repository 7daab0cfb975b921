// Command loadgen drives synthetic transaction traffic against a running
// cluster: each simulated client opens one connection per transaction,
// issues a handful of reads and writes against Zipfian-skewed keys, and
// commits. It reports throughput and latency the way this codebase's
// ancestry reports benchmark results.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pingcap/go-ycsb/pkg/generator"

	"github.com/nkaush/sharded-distributed-txns/internal/config"
	"github.com/nkaush/sharded-distributed-txns/internal/sharding"
	"github.com/nkaush/sharded-distributed-txns/internal/wire"
)

var (
	configPath  string
	clients     int
	txnCount    int
	txnLen      int
	readPct     float64
	skew        float64
	keyspace    int
	crossShard  bool
)

func init() {
	flag.StringVar(&configPath, "config", "cluster.properties", "path to the cluster topology file")
	flag.IntVar(&clients, "clients", 8, "number of concurrent simulated clients")
	flag.IntVar(&txnCount, "txns", 1000, "number of transactions per client")
	flag.IntVar(&txnLen, "txn-len", 4, "operations per transaction")
	flag.Float64Var(&readPct, "read-pct", 0.5, "fraction of operations that are reads")
	flag.Float64Var(&skew, "skew", 0.5, "zipfian skew factor for key selection")
	flag.IntVar(&keyspace, "keyspace", 1000, "number of distinct key suffixes per shard")
	flag.BoolVar(&crossShard, "cross-shard", true, "allow a transaction to touch more than one shard")
}

// stat accumulates latency samples from every client goroutine under one
// lock, the way a benchmark harness accumulates a single run's results.
type stat struct {
	mu         sync.Mutex
	latencies  []time.Duration
	committed  int64
	aborted    int64
	start      time.Time
}

func newStat() *stat { return &stat{start: time.Now()} }

func (s *stat) record(d time.Duration, committed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies = append(s.latencies, d)
	if committed {
		s.committed++
	} else {
		s.aborted++
	}
}

func (s *stat) report() {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := time.Since(s.start)
	total := s.committed + s.aborted
	if total == 0 {
		fmt.Println("loadgen: no transactions completed")
		return
	}

	sorted := append([]time.Duration(nil), s.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	p50 := sorted[len(sorted)*50/100]
	p99 := sorted[len(sorted)*99/100]

	fmt.Printf("committed=%d aborted=%d throughput=%.1f txn/s p50=%s p99=%s\n",
		s.committed, s.aborted, float64(total)/elapsed.Seconds(), p50, p99)
}

func main() {
	flag.Parse()

	cluster, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("loadgen: %v", err)
	}

	nodeIds := cluster.NodeIds()
	addrs := make(map[sharding.NodeId]string, len(nodeIds))
	for _, id := range nodeIds {
		addr, err := cluster[id].ClientAddress()
		if err != nil {
			log.Fatalf("loadgen: node %s: %v", id, err)
		}
		addrs[id] = addr
	}

	stats := newStat()
	var wg sync.WaitGroup
	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func(clientIdx int) {
			defer wg.Done()
			runClient(clientIdx, nodeIds, addrs, stats)
		}(c)
	}
	wg.Wait()
	stats.report()
}

func runClient(idx int, nodeIds []sharding.NodeId, addrs map[sharding.NodeId]string, stats *stat) {
	src := rand.New(rand.NewSource(int64(idx) + 1))
	zipf := generator.NewZipfianWithRange(0, int64(keyspace-1), skew)

	for i := 0; i < txnCount; i++ {
		start := time.Now()
		committed := runTransaction(src, zipf, nodeIds, addrs)
		stats.record(time.Since(start), committed)
	}
}

// runTransaction picks a coordinator node at random, opens one connection to
// it for the whole transaction, and issues txnLen reads/writes before
// committing. Without -cross-shard every operation goes to the coordinator's
// own shard, so the transaction stays in one partition; touchedShards
// records the shards a transaction touched.
func runTransaction(src *rand.Rand, zipf *generator.Zipfian, nodeIds []sharding.NodeId, addrs map[sharding.NodeId]string) bool {
	coordinatorId := nodeIds[src.Intn(len(nodeIds))]
	conn, err := net.Dial("tcp", addrs[coordinatorId])
	if err != nil {
		log.Printf("loadgen: dial %s: %v", coordinatorId, err)
		return false
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	touchedShards := mapset.NewThreadUnsafeSet[sharding.NodeId]()
	touchedShards.Add(coordinatorId)

	for i := 0; i < txnLen; i++ {
		shard := coordinatorId
		if crossShard {
			shard = nodeIds[src.Intn(len(nodeIds))]
		}
		touchedShards.Add(shard)

		key := strings.ToLower(string(shard)) + strconv.FormatInt(zipf.Next(src), 10)

		var req wire.ClientRequest
		if src.Float64() < readPct {
			req = wire.NewReadBalance(key)
		} else {
			req = wire.NewWriteBalance(key, int64(src.Intn(21)-10))
		}

		if _, err := sendRequest(writer, reader, req); err != nil {
			log.Printf("loadgen: %v", err)
			return false
		}
	}

	resp, err := sendRequest(writer, reader, wire.NewCommitRequest())
	if err != nil {
		log.Printf("loadgen: commit: %v", err)
		return false
	}
	return resp.Kind == wire.CommitOkResponse
}

func sendRequest(w *bufio.Writer, r *bufio.Reader, req wire.ClientRequest) (wire.ClientResponse, error) {
	var resp wire.ClientResponse

	b, err := wire.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("encoding request: %w", err)
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		return resp, fmt.Errorf("writing request: %w", err)
	}
	if err := w.Flush(); err != nil {
		return resp, fmt.Errorf("flushing request: %w", err)
	}

	line, err := r.ReadString('\n')
	if err != nil {
		return resp, fmt.Errorf("reading response: %w", err)
	}
	if err := wire.Unmarshal([]byte(strings.TrimRight(line, "\r\n")), &resp); err != nil {
		return resp, fmt.Errorf("decoding response: %w", err)
	}
	return resp, nil
}
