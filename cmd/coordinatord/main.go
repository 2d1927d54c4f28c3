// Command coordinatord starts one node of a coordinator cluster. It is
// grounded on rkv.go's StartRKV: parse this node's id/address and its
// peers from the command line, build the component, start it, and block
// until asked to stop. Unlike StartRKV it shuts down cleanly on SIGINT/
// SIGTERM instead of running forever, since C8 owns durable resources
// (the WAL file, the checkpoint store) that want a clean Close.
package main

import (
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/latticedb/core/coordinator"
	"github.com/latticedb/core/internal/util"
)

type nodeList map[uint64]string

func (n nodeList) String() string {
	parts := make([]string, 0, len(n))
	for id, addr := range n {
		parts = append(parts, strconv.FormatUint(id, 10)+"="+addr)
	}
	return strings.Join(parts, ",")
}

func (n nodeList) Set(value string) error {
	id, addr, ok := strings.Cut(value, "=")
	if !ok {
		return errInvalidPeer
	}
	nodeID, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return err
	}
	n[nodeID] = addr
	return nil
}

var errInvalidPeer = flagError("peer must be given as id=address")

type flagError string

func (e flagError) Error() string { return string(e) }

func main() {
	selfID := flag.Uint64("id", 0, "this node's cluster id")
	selfAddr := flag.String("address", "127.0.0.1:7000", "address this node listens on and advertises")
	dataDir := flag.String("data-dir", "data", "directory for this node's WAL and checkpoint store")
	members := make(nodeList)
	learners := make(nodeList)
	flag.Var(members, "peer", "voting peer as id=address, repeatable")
	flag.Var(learners, "learner", "non-voting learner as id=address, repeatable")
	flag.Parse()

	util.SetLogLevel(util.LevelInfo)

	cfg := coordinator.DefaultConfig(*selfID, *selfAddr, *dataDir, members, learners)

	c, err := coordinator.New(cfg)
	if err != nil {
		util.WriteError("coordinatord: %v", err)
		os.Exit(1)
	}
	if err := c.Start(); err != nil {
		util.WriteError("coordinatord: %v", err)
		os.Exit(1)
	}

	util.WriteInfo("coordinatord: node %d serving on %s", *selfID, *selfAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	util.WriteInfo("coordinatord: node %d shutting down", *selfID)
	c.Stop()
}
