package discovery

import (
	"sync"

	"github.com/mrshabel/raftlog/internal/rpcclient"
)

// AddressBook is a Handler that keeps an rpcclient.Client's peer list in
// sync with gossip Join/Leave events. It never drives Raft membership —
// only where the cluster RPC client dials when it doesn't yet know the
// leader.
type AddressBook struct {
	mu     sync.Mutex
	addrs  map[string]string
	client *rpcclient.Client
}

// NewAddressBook wires an AddressBook to the given client, which must
// already exist (typically constructed with this node's own address as
// the lone initial peer).
func NewAddressBook(client *rpcclient.Client) *AddressBook {
	return &AddressBook{addrs: make(map[string]string), client: client}
}

func (b *AddressBook) Join(name, addr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addrs[name] = addr
	b.client.SetPeers(b.snapshotLocked())
	return nil
}

func (b *AddressBook) Leave(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.addrs, name)
	b.client.SetPeers(b.snapshotLocked())
	return nil
}

func (b *AddressBook) snapshotLocked() []rpcclient.Peer {
	peers := make([]rpcclient.Peer, 0, len(b.addrs))
	for id, addr := range b.addrs {
		peers = append(peers, rpcclient.Peer{ID: id, Addr: addr})
	}
	return peers
}
