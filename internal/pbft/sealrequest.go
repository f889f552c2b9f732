package pbft

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/meridianchain/pbft/internal/perrors"
	"github.com/meridianchain/pbft/pkg/codec"
)

// PendingSealRequests tracks peers awaiting a seal for a sequence
// number that hasn't committed yet (§4.8: "append the request; reply
// when commit lands").
//
// TODO: state.seq_num < msg.seq is ignored rather than treated as a cue
// to catch up from the requester (open question, kept as specified).
type PendingSealRequests struct {
	mu       sync.Mutex
	byAtSeq  map[SeqNum][]PeerId
}

// NewPendingSealRequests builds an empty PendingSealRequests.
func NewPendingSealRequests() *PendingSealRequests {
	return &PendingSealRequests{byAtSeq: make(map[SeqNum][]PeerId)}
}

// Add records that peer asked for the seal at seq.
func (p *PendingSealRequests) Add(seq SeqNum, peer PeerId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byAtSeq[seq] = append(p.byAtSeq[seq], peer)
}

// TakeAll returns and clears every peer awaiting the seal at seq.
func (p *PendingSealRequests) TakeAll(seq SeqNum) []PeerId {
	p.mu.Lock()
	defer p.mu.Unlock()
	peers := p.byAtSeq[seq]
	delete(p.byAtSeq, seq)
	return peers
}

// HandleSealRequest implements §4.8 "SealRequest(seq) from peer P".
func (sm *StateMachine) HandleSealRequest(ctx context.Context, msg *ParsedMessage) error {
	info := msg.Info()
	requester := info.SignerID
	seq := info.Seq
	bid := msg.GetBlockID()

	switch {
	case sm.state.SeqNum == seq+1:
		seal, err := sm.buildSealFor(seq, sm.resolveRequestedBlockID(seq, bid))
		if err != nil {
			return err
		}
		return sm.replySeal(ctx, seal, requester)

	case sm.state.SeqNum == seq:
		sm.sealReqs.Add(seq, requester)
		return nil

	case sm.state.SeqNum > seq+1:
		resolved := sm.resolveRequestedBlockID(seq, bid)
		sealBytes, ok, err := sm.seals.ConsensusContent(ctx, resolved)
		if err != nil {
			return perrors.NewServiceError("consensus_content lookup failed for %x: %v", resolved, err)
		}
		if !ok {
			sm.logger.Warn("no persisted seal for requested block", zap.Uint64("seq", uint64(seq)))
			return nil
		}
		var seal Seal
		if err := codec.Decode(sealBytes, &seal); err != nil {
			return perrors.NewSerializationError(err, "decoding persisted seal")
		}
		return sm.replySeal(ctx, &seal, requester)

	default: // state.seq < seq
		return nil
	}
}

// resolveRequestedBlockID fills in a zero block_id (the "give me
// whatever you committed at this height" form used by the
// Finishing(true) catchup-again SealRequest, §4.6) by looking up the
// log's validated block at that height.
func (sm *StateMachine) resolveRequestedBlockID(seq SeqNum, bid BlockID) BlockID {
	if bid != (BlockID{}) {
		return bid
	}
	for _, b := range sm.log.GetBlocksWithNum(seq) {
		return b.ID()
	}
	return bid
}

func (sm *StateMachine) replySeal(ctx context.Context, seal *Seal, to PeerId) error {
	return sm.broadcastWrapper(ctx, MessageSeal, PbftMessageWrapper{Kind: WrapSeal, Seal: seal}, []PeerId{to}, false)
}

// HandleSealResponse implements §4.8 "Seal response".
func (sm *StateMachine) HandleSealResponse(ctx context.Context, msg *ParsedMessage) error {
	if msg.Message.Kind != WrapSeal || msg.Message.Seal == nil {
		return perrors.NewInvalidMessage("Seal message missing its body")
	}
	seal := msg.Message.Seal
	if err := VerifySeal(seal, sm.state.Membership); err != nil {
		return err
	}
	if sm.state.Phase == Finishing {
		return nil
	}
	block, ok := sm.log.GetBlockWithID(seal.BlockID)
	if !ok {
		return perrors.NewInvalidMessage("seal response for unknown block %x", seal.BlockID)
	}
	if block.Num() != sm.state.SeqNum {
		return perrors.NewInvalidMessage("seal response block num %d does not match state.seq %d", block.Num(), sm.state.SeqNum)
	}
	return sm.Catchup(ctx, seal, false)
}
