package engine

import (
	"context"
	"time"

	"github.com/meridianchain/pbft/internal/pbft"
)

// IncomingEnvelope is one item off a Transport's pending-consensus
// stream: the wire bytes plus the peer set implicated in delivering
// them (§6 `Stream<(peers, bytes)>`).
type IncomingEnvelope struct {
	Peers   []pbft.PeerId
	Payload []byte
}

// BlockCommitEvent is the upstream notification emitted for every
// commit (§4.3 Commit handling, §4.6 on_block_commit).
type BlockCommitEvent struct {
	BlockID    pbft.BlockID
	Timestamp  time.Time
	Committing bool
}

// Transport is the bidirectional P2P collaborator (§6). internal/agent
// drives its PendingConsensusListener and forwards BroadcastConsensus
// calls; internal/transport/natstransport and
// internal/transport/memtransport provide implementations.
type Transport interface {
	PendingConsensusListener(ctx context.Context) (<-chan IncomingEnvelope, error)
	PushReceivedCache(peer pbft.PeerId, payload []byte)
	PushNetworkEvent(peer pbft.PeerId, up bool)
	// BroadcastConsensus sends payload to peers, or to every known peer
	// if peers is empty.
	BroadcastConsensus(ctx context.Context, peers []pbft.PeerId, payload []byte) error
	GetPeers() []pbft.PeerId

	PushBlockCommitEvent(ev BlockCommitEvent)
	PopBlockCommitEvent() (BlockCommitEvent, bool)
}
