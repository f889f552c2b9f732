// Package memtransport is the in-process fake engine.Transport used to
// assemble a multi-node cluster inside a single test binary, per
// SPEC_FULL.md §1's test-tooling requirement. It is grounded on the
// same publish/subscribe shape as natstransport but backed by Go
// channels instead of a NATS server.
package memtransport

import (
	"context"
	"sync"

	"github.com/meridianchain/pbft/internal/engine"
	"github.com/meridianchain/pbft/internal/pbft"
)

// Network is the shared fabric a set of Transports register against;
// it fans a BroadcastConsensus call out to every registered peer's
// inbound channel.
type Network struct {
	mu        sync.RWMutex
	endpoints map[pbft.PeerId]chan engine.IncomingEnvelope
}

// NewNetwork builds an empty Network.
func NewNetwork() *Network {
	return &Network{endpoints: make(map[pbft.PeerId]chan engine.IncomingEnvelope)}
}

// Transport is one node's view of a Network.
type Transport struct {
	net  *Network
	self pbft.PeerId

	mu    sync.RWMutex
	peers map[pbft.PeerId]struct{}

	inbound chan engine.IncomingEnvelope

	commitMu sync.Mutex
	commits  []engine.BlockCommitEvent
}

// NewTransport registers self on net and returns its Transport.
func NewTransport(net *Network, self pbft.PeerId) *Transport {
	ch := make(chan engine.IncomingEnvelope, 1024)
	net.mu.Lock()
	net.endpoints[self] = ch
	net.mu.Unlock()
	return &Transport{net: net, self: self, peers: make(map[pbft.PeerId]struct{}), inbound: ch}
}

// PendingConsensusListener returns the node's inbound channel.
func (t *Transport) PendingConsensusListener(ctx context.Context) (<-chan engine.IncomingEnvelope, error) {
	return t.inbound, nil
}

// PushReceivedCache is a no-op; kept to satisfy engine.Transport.
func (t *Transport) PushReceivedCache(peer pbft.PeerId, payload []byte) {}

// PushNetworkEvent updates the active-peer set.
func (t *Transport) PushNetworkEvent(peer pbft.PeerId, up bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if up {
		t.peers[peer] = struct{}{}
	} else {
		delete(t.peers, peer)
	}
}

// BroadcastConsensus delivers payload to peers (or every node
// registered on the network, excluding self, when peers is empty).
func (t *Transport) BroadcastConsensus(ctx context.Context, peers []pbft.PeerId, payload []byte) error {
	targets := peers
	if len(targets) == 0 {
		targets = t.net.allExcept(t.self)
	}
	for _, p := range targets {
		t.net.mu.RLock()
		ch, ok := t.net.endpoints[p]
		t.net.mu.RUnlock()
		if !ok {
			continue
		}
		select {
		case ch <- engine.IncomingEnvelope{Peers: []pbft.PeerId{t.self}, Payload: payload}:
		default:
		}
	}
	return nil
}

// GetPeers returns the currently-known peer set.
func (t *Transport) GetPeers() []pbft.PeerId {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]pbft.PeerId, 0, len(t.peers))
	for p := range t.peers {
		out = append(out, p)
	}
	return out
}

// PushBlockCommitEvent records a commit event.
func (t *Transport) PushBlockCommitEvent(ev engine.BlockCommitEvent) {
	t.commitMu.Lock()
	defer t.commitMu.Unlock()
	t.commits = append(t.commits, ev)
}

// PopBlockCommitEvent pops the oldest pending commit event, if any.
func (t *Transport) PopBlockCommitEvent() (engine.BlockCommitEvent, bool) {
	t.commitMu.Lock()
	defer t.commitMu.Unlock()
	if len(t.commits) == 0 {
		return engine.BlockCommitEvent{}, false
	}
	ev := t.commits[0]
	t.commits = t.commits[1:]
	return ev, true
}

func (n *Network) allExcept(self pbft.PeerId) []pbft.PeerId {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]pbft.PeerId, 0, len(n.endpoints))
	for p := range n.endpoints {
		if p != self {
			out = append(out, p)
		}
	}
	return out
}
