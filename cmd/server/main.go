// Command server runs one node of a raftlog cluster: the file-backed
// replicated log, the cluster RPC server, and the broadcast publisher,
// wired together by internal/agent.
package main

import (
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"flag"

	"github.com/google/uuid"
	"github.com/mrshabel/raftlog/internal/agent"
	"github.com/mrshabel/raftlog/internal/config"
)

func main() {
	cli, err := newCLI()
	if err != nil {
		log.Fatal(err)
	}
	if err := cli.run(); err != nil {
		log.Fatal(err)
	}
}

type cli struct {
	cfg agent.Config
}

func newCLI() (*cli, error) {
	c := &cli{}
	if err := c.parseFlags(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *cli) parseFlags() error {
	var (
		dataDir         string
		bindAddr        string
		rpcPort         int
		nodeName        string
		startJoinAddrs  string
		bootstrap       bool
		aclModelFile    string
		aclPolicyFile   string
		serverCertFile  string
		serverKeyFile   string
		peerCertFile    string
		peerKeyFile     string
		caFile          string
		broadcastSecret string
		freshnessWindow time.Duration
		reappendExpired bool
		maxStoreBytes   uint64
		maxEntries      uint64
		maxIndexBytes   uint64
	)

	flag.StringVar(&dataDir, "data-dir", "/var/lib/raftlog", "directory to store the log, snapshot, and raft state")
	flag.StringVar(&bindAddr, "bind-addr", "127.0.0.1:8401", "address this node gossips its presence on")
	flag.IntVar(&rpcPort, "rpc-port", 8400, "port for raft, cluster RPC, and broadcast traffic")
	flag.StringVar(&nodeName, "node-name", "", "unique id for this node (default: a generated uuid)")
	flag.StringVar(&startJoinAddrs, "start-join-addrs", "", "comma-separated gossip addresses of existing nodes to join")
	flag.BoolVar(&bootstrap, "bootstrap", false, "bootstrap the raft cluster with this node as the first voter")
	flag.StringVar(&aclModelFile, "acl-model-file", config.ACLModelFile, "path to the casbin ACL model")
	flag.StringVar(&aclPolicyFile, "acl-policy-file", config.ACLPolicyFile, "path to the casbin ACL policy")
	flag.StringVar(&serverCertFile, "server-tls-cert-file", "", "server-side TLS certificate for cluster RPC and broadcast traffic")
	flag.StringVar(&serverKeyFile, "server-tls-key-file", "", "server-side TLS key")
	flag.StringVar(&peerCertFile, "peer-tls-cert-file", "", "client-side TLS certificate used when dialing other nodes")
	flag.StringVar(&peerKeyFile, "peer-tls-key-file", "", "client-side TLS key")
	flag.StringVar(&caFile, "ca-file", "", "path to the CA root used to verify both server and peer certificates")
	flag.StringVar(&broadcastSecret, "broadcast-secret", "", "shared secret subscribers present when joining the broadcast fan-out")
	flag.DurationVar(&freshnessWindow, "dedup-freshness-window", 5*time.Minute, "how long a committed request id remains observable for idempotent re-append")
	flag.BoolVar(&reappendExpired, "dedup-reappend-on-expiry", false, "re-append a request id older than dedup-freshness-window instead of rejecting it")
	flag.Uint64Var(&maxStoreBytes, "segment-max-store-bytes", 1024*1024, "maximum size of a log segment's store file")
	flag.Uint64Var(&maxEntries, "segment-max-entries", 0, "maximum entries per log segment (0: unbounded, bounded by size instead)")
	flag.Uint64Var(&maxIndexBytes, "segment-max-index-bytes", 1024*1024, "maximum size of a log segment's index file")
	flag.Parse()

	if nodeName == "" {
		nodeName = uuid.NewString()
	}

	var joinAddrs []string
	for _, a := range strings.Split(startJoinAddrs, ",") {
		if a = strings.TrimSpace(a); a != "" {
			joinAddrs = append(joinAddrs, a)
		}
	}

	serverTLSConfig, err := setupTLSConfig(serverCertFile, serverKeyFile, caFile, bindAddr, true)
	if err != nil {
		return fmt.Errorf("server tls config: %w", err)
	}
	peerTLSConfig, err := setupTLSConfig(peerCertFile, peerKeyFile, caFile, bindAddr, false)
	if err != nil {
		return fmt.Errorf("peer tls config: %w", err)
	}

	c.cfg = agent.Config{
		ServerTLSConfig: serverTLSConfig,
		PeerTLSConfig:   peerTLSConfig,
		DataDir:         dataDir,
		BindAddr:        bindAddr,
		RPCPort:         rpcPort,
		NodeName:        nodeName,
		StartJoinAddrs:  joinAddrs,
		Bootstrap:       bootstrap,
		ACLModelFile:    aclModelFile,
		ACLPolicyFile:   aclPolicyFile,
		BroadcastSecret: []byte(broadcastSecret),
	}
	c.cfg.LogConfig.Segment.MaxStoreBytes = maxStoreBytes
	c.cfg.LogConfig.Segment.MaxEntries = maxEntries
	c.cfg.LogConfig.Segment.MaxIndexBytes = maxIndexBytes
	c.cfg.LogConfig.Dedup.FreshnessWindow = freshnessWindow
	c.cfg.LogConfig.Dedup.ReappendOnExpiry = reappendExpired

	return nil
}

// setupTLSConfig builds a *tls.Config from flag-supplied paths, returning
// nil when no certificate was given so the agent falls back to plaintext
// connections for a local development cluster.
func setupTLSConfig(certFile, keyFile, caFile, serverAddress string, server bool) (*tls.Config, error) {
	if certFile == "" && caFile == "" {
		return nil, nil
	}
	return config.SetupTLSConfig(config.TLSConfig{
		CertFile:      certFile,
		KeyFile:       keyFile,
		CAFile:        caFile,
		ServerAddress: serverAddress,
		Server:        server,
	})
}

func (c *cli) run() error {
	a, err := agent.New(c.cfg)
	if err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	return a.Shutdown()
}
