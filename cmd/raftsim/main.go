package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lithammer/shortuuid/v3"

	"raftkit/api"
	"raftkit/cluster"
	"raftkit/events"
	"raftkit/kv"
	"raftkit/raft"
	"raftkit/transport"
)

func main() {
	var (
		nodes      = flag.Int("nodes", 3, "Cluster size when -ids is not given")
		idList     = flag.String("ids", "", "Node IDs as a comma list (e.g. n1,n2,n3)")
		scenario   = flag.String("scenario", "replication", "Scenario to run: replication, failover or partition")
		listen     = flag.String("listen", "", "Serve the control API on this address instead of running a scenario")
		minLatency = flag.Duration("min-latency", 0, "Minimum simulated message latency")
		maxLatency = flag.Duration("max-latency", 0, "Maximum simulated message latency")
		dropRate   = flag.Float64("drop", 0, "Probability in [0,1] that a message is lost")
		rpcTimeout = flag.Duration("rpc-timeout", 500*time.Millisecond, "Per-message wait before a peer counts as silent")
	)
	flag.Parse()

	ids, err := makeIDs(*nodes, *idList)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid cluster members: %v\n", err)
		os.Exit(2)
	}
	if *dropRate < 0 || *dropRate > 1 {
		fmt.Fprintln(os.Stderr, "-drop must be in [0,1]")
		os.Exit(2)
	}

	runID := shortuuid.New()
	logger := log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds)

	net := transport.NewNetwork()
	net.SetLatency(*minLatency, *maxLatency)
	net.SetDropRate(*dropRate)
	bus := events.NewBus(256)

	stores := make(map[string]*kv.Store, len(ids))
	for _, id := range ids {
		stores[id] = kv.NewStore()
	}
	sink := cluster.SinkFunc(func(nodeID string, msg raft.ApplyMsg) {
		if err := stores[nodeID].ApplyRaw(msg.Command); err != nil {
			logger.Printf("sim run=%s node=%s apply decode error index=%d err=%v", runID, nodeID, msg.Index, err)
		}
	})

	c, err := cluster.New(cluster.Config{
		NodeIDs:    ids,
		Network:    net,
		Emitter:    bus,
		Sink:       sink,
		Logger:     logger,
		RPCTimeout: *rpcTimeout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build cluster: %v\n", err)
		os.Exit(1)
	}

	if *listen != "" {
		srv := api.NewServer(*listen, c, bus, logger)
		errCh := make(chan error, 1)
		go srv.Run(errCh)
		logger.Printf("sim run=%s nodes=%d listen=%s started", runID, len(ids), *listen)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			logger.Printf("sim run=%s received signal=%s, shutting down", runID, sig.String())
		case err := <-errCh:
			logger.Printf("sim run=%s server error: %v", runID, err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Printf("sim run=%s shutdown http error: %v", runID, err)
		}
		bus.Close()
		net.Close()
		logger.Printf("sim run=%s stopped", runID)
		return
	}

	logger.Printf("sim run=%s nodes=%d scenario=%s", runID, len(ids), *scenario)
	if err := runScenario(c, logger, *scenario); err != nil {
		fmt.Fprintf(os.Stderr, "scenario %s: %v\n", *scenario, err)
		os.Exit(1)
	}
	printSummary(c, stores, bus, logger)
	bus.Close()
	net.Close()
}

func makeIDs(n int, idList string) ([]string, error) {
	if idList != "" {
		var ids []string
		for _, id := range strings.Split(idList, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				return nil, fmt.Errorf("empty id in %q", idList)
			}
			ids = append(ids, id)
		}
		return ids, nil
	}
	if n < 1 {
		return nil, fmt.Errorf("cluster size %d", n)
	}
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("n%d", i+1)
	}
	return ids, nil
}

func runScenario(c *cluster.Cluster, logger *log.Logger, name string) error {
	switch name {
	case "replication":
		return scenarioReplication(c, logger)
	case "failover":
		return scenarioFailover(c, logger)
	case "partition":
		return scenarioPartition(c, logger)
	default:
		return fmt.Errorf("unknown scenario %q", name)
	}
}

// settle ships pending entries and then spreads the advanced commit index.
func settle(c *cluster.Cluster) {
	c.Replicate()
	c.Replicate()
}

func submitSet(c *cluster.Cluster, key string, value any) error {
	cmd, err := kv.EncodeSet(key, value)
	if err != nil {
		return err
	}
	_, err = c.SubmitCommand(cmd)
	return err
}

// scenarioReplication elects a leader and replicates a few writes to the
// whole cluster.
func scenarioReplication(c *cluster.Cluster, logger *log.Logger) error {
	ids := c.NodeIDs()
	if !c.RunElection(ids[0]) {
		return fmt.Errorf("%s lost the election", ids[0])
	}
	settle(c)
	logger.Printf("sim leader %s elected, replicating writes", ids[0])
	for i, kvPair := range []struct {
		key   string
		value any
	}{{"name", "raftkit"}, {"answer", 42}, {"pi", 3.14}} {
		if err := submitSet(c, kvPair.key, kvPair.value); err != nil {
			return fmt.Errorf("submit %d: %w", i, err)
		}
		settle(c)
	}
	return nil
}

// scenarioFailover kills the elected leader mid-stream and lets another
// node take over in a higher term.
func scenarioFailover(c *cluster.Cluster, logger *log.Logger) error {
	ids := c.NodeIDs()
	if len(ids) < 3 {
		return fmt.Errorf("needs at least 3 nodes, have %d", len(ids))
	}
	if !c.RunElection(ids[0]) {
		return fmt.Errorf("%s lost the election", ids[0])
	}
	settle(c)
	if err := submitSet(c, "before", "failure"); err != nil {
		return err
	}
	settle(c)

	logger.Printf("sim failing leader %s", ids[0])
	if err := c.FailNode(ids[0]); err != nil {
		return err
	}
	if !c.RunElection(ids[1]) {
		return fmt.Errorf("%s lost the takeover election", ids[1])
	}
	if err := submitSet(c, "after", "takeover"); err != nil {
		return err
	}
	settle(c)

	logger.Printf("sim recovering %s", ids[0])
	if err := c.RecoverNode(ids[0]); err != nil {
		return err
	}
	settle(c)
	return nil
}

// scenarioPartition isolates the leader, shows the majority electing a
// replacement, then heals the split and converges the logs.
func scenarioPartition(c *cluster.Cluster, logger *log.Logger) error {
	ids := c.NodeIDs()
	if len(ids) < 3 {
		return fmt.Errorf("needs at least 3 nodes, have %d", len(ids))
	}
	if !c.RunElection(ids[0]) {
		return fmt.Errorf("%s lost the election", ids[0])
	}
	settle(c)

	logger.Printf("sim isolating leader %s", ids[0])
	for _, other := range ids[1:] {
		if err := c.Partition(ids[0], other); err != nil {
			return err
		}
	}
	// This write reaches nobody and must never commit.
	if err := submitSet(c, "doomed", true); err != nil {
		return err
	}
	c.Replicate()

	if !c.RunElection(ids[1]) {
		return fmt.Errorf("%s lost the majority election", ids[1])
	}
	if err := submitSet(c, "survivor", true); err != nil {
		return err
	}
	settle(c)

	logger.Printf("sim healing the partition")
	c.HealAll()
	settle(c)
	settle(c)
	return nil
}

func printSummary(c *cluster.Cluster, stores map[string]*kv.Store, bus *events.Bus, logger *log.Logger) {
	for _, st := range c.Status() {
		logger.Printf("sim node=%s role=%s term=%d commit=%d applied=%d keys=%v failed=%v",
			st.ID, st.Role, st.CurrentTerm, st.CommitIndex, st.LastApplied, stores[st.ID].Keys(), st.Failed)
	}
	logger.Printf("sim events recorded=%d", len(bus.Recent(0)))
}
