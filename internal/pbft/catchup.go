package pbft

import (
	"context"

	"go.uber.org/zap"

	"github.com/meridianchain/pbft/internal/perrors"
	"github.com/meridianchain/pbft/pkg/codec"
)

// Catchup implements §4.7: use a future block's embedded seal to commit
// a past block this node hasn't yet committed, without replaying full
// PBFT at that height.
func (sm *StateMachine) Catchup(ctx context.Context, seal *Seal, catchupAgain bool) error {
	for _, v := range seal.CommitVotes {
		header, wrapper, err := DecodeSignedEnvelope(v)
		if err != nil {
			sm.logger.Warn("skipping malformed seal commit vote during catchup", zap.Error(err))
			continue
		}
		sm.log.AddMessage(&ParsedMessage{
			HeaderBytes:     v.HeaderBytes,
			HeaderSignature: v.HeaderSignature,
			MessageBytes:    v.MessageBytes,
			Message:         wrapper,
			FromSelf:        header.SignerID == sm.self,
			ReceivedAt:      sm.now(),
		})
	}

	if seal.Info.View > sm.state.View {
		sm.state.View = seal.Info.View
	}

	if _, err := sm.exec.CommitBlock(ctx, seal.BlockID); err != nil {
		return perrors.NewServiceError("commit_block failed during catchup for %x: %v", seal.BlockID, err)
	}
	sm.state.Timeouts.Idle.Stop()
	sm.state.ForcePhase(Finishing)
	sm.state.FinishingCatchupAgain = catchupAgain

	sealBytes, err := codec.Encode(*seal)
	if err != nil {
		return perrors.NewSerializationError(err, "encoding seal for catchup persistence")
	}
	if err := sm.seals.SaveConsensusContent(ctx, seal.BlockID, sealBytes); err != nil {
		return perrors.NewServiceError("save_consensus_content failed during catchup for %x: %v", seal.BlockID, err)
	}
	return nil
}
