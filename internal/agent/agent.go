// Package agent wires together the pieces of a running cluster node: the
// replicated log, the cluster RPC client and server, the broadcast
// publisher and subscriber, peer address gossip, and ACL authorization.
package agent

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"github.com/mrshabel/raftlog/internal/auth"
	"github.com/mrshabel/raftlog/internal/broadcast"
	"github.com/mrshabel/raftlog/internal/discovery"
	"github.com/mrshabel/raftlog/internal/log"
	"github.com/mrshabel/raftlog/internal/rpcclient"
	"github.com/mrshabel/raftlog/internal/rpcserver"
	"github.com/mrshabel/raftlog/internal/snapshot"
	"github.com/mrshabel/raftlog/internal/transport"
	"github.com/mrshabel/raftlog/internal/wire"
	"go.uber.org/zap"
)

// Agent sets up and manages every component a running cluster node needs.
type Agent struct {
	Config Config

	mux         *transport.Mux
	ln          net.Listener
	log         *log.DistributedLog
	rpcClient   *rpcclient.Client
	rpcServer   *rpcserver.Server
	publisher   *broadcast.Publisher
	membership  *discovery.Membership
	addressBook *discovery.AddressBook

	logger *zap.Logger

	shutdown     bool
	shutdowns    chan struct{}
	shutdownLock sync.Mutex
}

// Config contains everything needed to stand up an Agent.
type Config struct {
	ServerTLSConfig *tls.Config
	PeerTLSConfig   *tls.Config
	DataDir         string
	BindAddr        string
	RPCPort         int
	NodeName        string
	StartJoinAddrs  []string
	Bootstrap       bool
	ACLModelFile    string
	ACLPolicyFile   string

	// BroadcastSecret filters and authenticates broadcast subscribers.
	BroadcastSecret []byte

	// LogConfig carries segment sizing and request-id dedup tuning; Raft
	// and StreamLayer fields are filled in by setupLog itself.
	LogConfig log.Config
}

// RPCAddr returns the dial address for this node's shared cluster port.
func (c *Config) RPCAddr() (string, error) {
	host, _, err := net.SplitHostPort(c.BindAddr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", host, c.RPCPort), nil
}

// New builds and starts an Agent from config.
func New(config Config) (*Agent, error) {
	a := &Agent{
		Config:    config,
		shutdowns: make(chan struct{}),
	}

	setup := []func() error{
		a.setupLogger,
		a.setupMux,
		a.setupLog,
		a.setupRPCClient,
		a.setupRPCServer,
		a.setupBroadcast,
		a.setupMembership,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupLogger() error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(logger)
	a.logger = logger.Named("agent")
	return nil
}

// setupMux binds the single shared listener and fans it out into Raft,
// cluster-RPC, and broadcast virtual listeners, one socket multiplexed by
// a one-byte tag (see internal/transport).
func (a *Agent) setupMux() error {
	rpcAddr, err := a.Config.RPCAddr()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", rpcAddr)
	if err != nil {
		return err
	}
	a.ln = ln
	a.mux = transport.NewMux(ln)
	go func() {
		if err := a.mux.Serve(); err != nil {
			a.logger.Debug("mux stopped serving", zap.Error(err))
		}
	}()
	return nil
}

func (a *Agent) setupLog() error {
	streamLayer := log.NewStreamLayer(a.mux.RaftListener(), a.Config.ServerTLSConfig, a.Config.PeerTLSConfig)

	cfg := a.Config.LogConfig
	cfg.Raft.StreamLayer = streamLayer
	cfg.Raft.LocalID = raft.ServerID(a.Config.NodeName)
	cfg.Raft.Bootstrap = a.Config.Bootstrap

	var err error
	a.log, err = log.NewDistributedLog(a.Config.DataDir, cfg)
	return err
}

func (a *Agent) setupRPCClient() error {
	rpcAddr, err := a.Config.RPCAddr()
	if err != nil {
		return err
	}
	a.rpcClient = rpcclient.New([]rpcclient.Peer{{ID: a.Config.NodeName, Addr: rpcAddr}}, rpcclient.Config{
		TLSConfig: a.Config.PeerTLSConfig,
	})
	return nil
}

func (a *Agent) setupRPCServer() error {
	authorizer := auth.New(a.Config.ACLModelFile, a.Config.ACLPolicyFile)
	a.rpcServer = rpcserver.New(rpcserver.Config{
		Log:            a.log,
		Authorizer:     authorizer,
		SnapshotLookup: a.snapshotSize,
		SnapshotPath:   func() string { return snapshotPath(a.Config.DataDir) },
		TLSConfig:      a.Config.ServerTLSConfig,
		Secret:         a.Config.BroadcastSecret,
	})
	go func() {
		if err := a.rpcServer.Serve(a.mux.RPCListener()); err != nil {
			a.logger.Debug("rpc server stopped serving", zap.Error(err))
		}
	}()
	return nil
}

// snapshotSize reports the size of this node's installed snapshot, or 0 if
// none exists yet (wired into request_log_info's response tuple).
func (a *Agent) snapshotSize() uint64 {
	path := snapshotPath(a.Config.DataDir)
	header, err := snapshot.ReadHeader(path)
	if err != nil {
		return 0
	}
	return header.DataSize
}

func snapshotPath(dataDir string) string {
	return dataDir + "/snapshot/snap"
}

// setupBroadcast starts the fan-out publisher on this node's broadcast
// listener. Only the current Raft leader has subscribers worth serving,
// but every node accepts connections so a subscriber that guesses wrong
// gets redirected on its next request_config.
func (a *Agent) setupBroadcast() error {
	a.publisher = broadcast.NewPublisher(broadcast.PublisherConfig{
		Secret: a.Config.BroadcastSecret,
	})
	go func() {
		if err := a.publisher.Serve(a.mux.BroadcastListener()); err != nil {
			a.logger.Debug("broadcast publisher stopped serving", zap.Error(err))
		}
	}()
	go a.watchCommits()
	return nil
}

// watchCommits polls this node's own committed index while it is leader
// and fans newly committed entries out through the publisher. A polling
// loop, rather than a direct hook into the fsm's Apply, keeps the log
// package free of any dependency on the broadcast package.
func (a *Agent) watchCommits() {
	var published uint64
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-a.shutdowns:
			return
		case <-ticker.C:
		}

		if !a.log.IsLeader() {
			published = 0
			continue
		}
		info := a.log.GetInfo(0)
		if info.LastIndex <= published {
			continue
		}
		from := published + 1
		if published == 0 {
			from = info.LastIndex
		}

		var entries []*wire.Entry
		last, err := a.log.ReadRange(from, info.LastIndex, maxBroadcastBatchBytes, func(e *wire.Entry) bool {
			entries = append(entries, e)
			return true
		})
		if err != nil {
			a.logger.Debug("watchCommits: read range failed", zap.Error(err))
			continue
		}
		a.publisher.Publish(uint32(info.CurrentTerm), last, entries)
		published = last
	}
}

const maxBroadcastBatchBytes = 1 << 20

// setupMembership gossips this node's address to the rest of the cluster.
// This never changes Raft voter membership — an operator calls
// DistributedLog.Join/Leave (e.g. through a future admin surface) for
// that; gossip only keeps the cluster RPC client's peer list current.
func (a *Agent) setupMembership() error {
	rpcAddr, err := a.Config.RPCAddr()
	if err != nil {
		return err
	}
	a.addressBook = discovery.NewAddressBook(a.rpcClient)
	a.membership, err = discovery.New(a.addressBook, discovery.Config{
		NodeName: a.Config.NodeName,
		BindAddr: a.Config.BindAddr,
		Tags: map[string]string{
			"rpc_addr": rpcAddr,
		},
		StartJoinAddrs: a.Config.StartJoinAddrs,
	})
	return err
}

// Join admits id/addr as a Raft voter. Typically called on the current
// leader once a new node has gossiped its presence in.
func (a *Agent) Join(id, addr string) error {
	return a.log.Join(id, addr)
}

// Leave removes id as a Raft voter.
func (a *Agent) Leave(id string) error {
	return a.log.Leave(id)
}

// WaitForLeader blocks until the cluster has a known leader.
func (a *Agent) WaitForLeader(timeout time.Duration) error {
	return a.log.WaitForLeader(timeout)
}

// Shutdown tears the agent down exactly once.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true
	close(a.shutdowns)

	teardown := []func() error{
		a.membership.Leave,
		func() error { a.publisher.Close(); return nil },
		func() error { return a.mux.Close() },
		a.log.Close,
	}
	for _, fn := range teardown {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
