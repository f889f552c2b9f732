// Package natstransport implements engine.Transport over NATS
// publish/subscribe, grounded on the teacher's simple-api nats.Connect
// and Subscribe usage adapted from request/response messaging to a
// consensus gossip subject per peer.
package natstransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/meridianchain/pbft/internal/engine"
	"github.com/meridianchain/pbft/internal/pbft"
)

const subjectPrefix = "pbft.consensus."

// Transport implements engine.Transport by publishing each outbound
// envelope to one subject per recipient peer (or, for a broadcast, to
// every known peer's subject) and subscribing to this node's own
// subject for inbound delivery.
type Transport struct {
	conn   *nats.Conn
	self   pbft.PeerId
	logger *zap.Logger

	mu    sync.RWMutex
	peers map[pbft.PeerId]struct{}

	incoming chan engine.IncomingEnvelope

	commitMu sync.Mutex
	commits  []engine.BlockCommitEvent
}

// Connect dials url and builds a Transport for self, mirroring the
// teacher's nats.Connect(config.NATSUrl) call.
func Connect(url string, self pbft.PeerId, logger *zap.Logger) (*Transport, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect failed: %w", err)
	}
	return &Transport{
		conn:     conn,
		self:     self,
		logger:   logger,
		peers:    make(map[pbft.PeerId]struct{}),
		incoming: make(chan engine.IncomingEnvelope, 1024),
	}, nil
}

func subjectFor(peer pbft.PeerId) string {
	return subjectPrefix + fmt.Sprintf("%x", peer)
}

// PendingConsensusListener subscribes to this node's own subject and
// returns the channel of decoded-peer envelopes.
func (t *Transport) PendingConsensusListener(ctx context.Context) (<-chan engine.IncomingEnvelope, error) {
	sub, err := t.conn.Subscribe(subjectFor(t.self), func(m *nats.Msg) {
		select {
		case t.incoming <- engine.IncomingEnvelope{Payload: m.Data}:
		default:
			t.logger.Warn("incoming consensus channel full, dropping message")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe failed: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		close(t.incoming)
	}()
	return t.incoming, nil
}

// PushReceivedCache is a no-op here; the teacher's dedup lives in
// pbft.AnnounceCache, not the transport layer.
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

// BroadcastConsensus publishes payload to peers' subjects, or to every
// known peer when peers is empty.
func (t *Transport) BroadcastConsensus(ctx context.Context, peers []pbft.PeerId, payload []byte) error {
	targets := peers
	if len(targets) == 0 {
		targets = t.GetPeers()
	}
	for _, p := range targets {
		if err := t.conn.Publish(subjectFor(p), payload); err != nil {
			return fmt.Errorf("nats publish to %x failed: %w", p, err)
		}
	}
	return nil
}

// GetPeers returns the currently-known peer set.
func (t *Transport) GetPeers() []pbft.PeerId {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]pbft.PeerId, 0, len(t.peers))
	for p := range t.peers {
		peers = append(peers, p)
	}
	return peers
}

// PushBlockCommitEvent records a commit event for later draining by
// the execution engine's polling loop.
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

// Close drains the NATS connection.
func (t *Transport) Close() {
	t.conn.Close()
}
