package pbft

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/meridianchain/pbft/internal/perrors"
	"github.com/meridianchain/pbft/pkg/codec"
)

// announceCacheSize is the AnnounceBlock dedup LRU's fixed capacity.
// §9 design note: "LRU for AnnounceBlock is intentionally tiny (10) —
// it exists only to break propagation cycles; do not grow it."
const announceCacheSize = 10

// AnnounceCache deduplicates AnnounceBlock sightings so a block id seen
// twice only triggers one upstream fetch-and-rebroadcast (§4.9).
type AnnounceCache struct {
	cache *lru.Cache[BlockID, struct{}]
}

// NewAnnounceCache builds an AnnounceCache with the fixed capacity.
func NewAnnounceCache() *AnnounceCache {
	c, err := lru.New[BlockID, struct{}](announceCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// announceCacheSize never is.
		panic(err)
	}
	return &AnnounceCache{cache: c}
}

// Seen records blockID and reports whether it had already been seen
// (false on the first sighting).
func (a *AnnounceCache) Seen(blockID BlockID) bool {
	if a.cache.Contains(blockID) {
		a.cache.Get(blockID)
		return true
	}
	a.cache.Add(blockID, struct{}{})
	return false
}

// HandleAnnounceBlock implements §4.9 "AnnounceBlock(block_id)": the
// first sighting of a block id notifies the execution engine to fetch
// it and re-broadcasts once; subsequent sightings are dropped.
func (sm *StateMachine) HandleAnnounceBlock(ctx context.Context, msg *ParsedMessage) error {
	bid := msg.GetBlockID()
	if sm.announce.Seen(bid) {
		return nil
	}
	if err := sm.exec.AnnounceBlock(ctx, bid); err != nil {
		return perrors.NewServiceError("announce_block failed for %x: %v", bid, err)
	}
	return sm.broadcastAndLog(ctx, MessageAnnounceBlock, sm.state.View, sm.state.SeqNum, bid, nil, false)
}

// BootstrapCommit implements §4.9 "Bootstrap commit": on peer connect,
// if this node has already committed at least one block and both ends
// are members, send a self-signed Commit for chain_head at the view
// recovered from the chain-head seal (view 0 if seq == 1, restoring the
// original source's behavior per SPEC_FULL.md §3.11).
func (sm *StateMachine) BootstrapCommit(ctx context.Context, peer PeerId) error {
	if sm.state.SeqNum == 0 {
		return nil
	}
	if !sm.state.Membership.Contains(sm.self) || !sm.state.Membership.Contains(peer) {
		return nil
	}

	view := View(0)
	if sm.state.SeqNum > 1 {
		sealBytes, ok, err := sm.seals.ConsensusContent(ctx, sm.state.ChainHead)
		if err != nil {
			return perrors.NewServiceError("consensus_content lookup failed for chain head %x: %v", sm.state.ChainHead, err)
		}
		if ok {
			var seal Seal
			if err := codec.Decode(sealBytes, &seal); err == nil {
				view = seal.Info.View
			}
		}
	}

	return sm.broadcastAndLog(ctx, MessageCommit, view, sm.state.SeqNum-1, sm.state.ChainHead, []PeerId{peer}, false)
}
