package pbft

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"go.uber.org/zap"

	"github.com/meridianchain/pbft/internal/engine"
	"github.com/meridianchain/pbft/internal/perrors"
	"github.com/meridianchain/pbft/pkg/codec"
)

// Config is the subset of internal/config's tunables the state machine
// consults directly.
type Config struct {
	IdleTimeout            time.Duration
	CommitTimeout           time.Duration
	ViewChangeTimeoutBase   time.Duration
	GCWindowK               uint64
	ForcedViewChangePeriod  uint64
	RetryBase, RetryMax     time.Duration
}

// StateMachine implements every handler named in spec.md §4.3–4.4,
// §4.6–4.9: the single event-driven core the internal/agent driver
// loop calls into. It is the teacher's PBFT skeleton
// (internal/consensus/bft/pbft.go) generalized from its JSON-over-
// channel toy protocol into the real PBFT algorithm, keeping the
// teacher's handle-dispatch-by-type shape.
type StateMachine struct {
	self PeerId
	priv *btcec.PrivateKey

	state    *State
	log      *Log
	announce *AnnounceCache
	sealReqs *PendingSealRequests

	transport  engine.Transport
	exec       engine.ExecutionEngine
	blocks     engine.BlockStore
	seals      engine.SealStore
	validators engine.ValidatorSetQuery

	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewStateMachine wires a StateMachine from its collaborators.
func NewStateMachine(
	self PeerId,
	priv *btcec.PrivateKey,
	state *State,
	log *Log,
	transport engine.Transport,
	exec engine.ExecutionEngine,
	blocks engine.BlockStore,
	seals engine.SealStore,
	validators engine.ValidatorSetQuery,
	cfg Config,
	logger *zap.Logger,
) *StateMachine {
	return &StateMachine{
		self:       self,
		priv:       priv,
		state:      state,
		log:        log,
		announce:   NewAnnounceCache(),
		sealReqs:   NewPendingSealRequests(),
		transport:  transport,
		exec:       exec,
		blocks:     blocks,
		seals:      seals,
		validators: validators,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// broadcastAndLog signs a PbftMessage-shaped vote and broadcasts it to
// targets (nil/empty means every other peer). When selfDispatch is
// true the signed message is also fed back through HandlePeerMessage,
// mirroring broadcast_message's to_self branch in the original source:
// a node counts its own PrePrepare/Prepare/Commit/ViewChange/NewView
// vote by processing it through the very same handler a peer's copy
// would go through, rather than by special-casing "my own vote" at
// each call site. Targeted, peer-specific sends (a Seal reply, a
// SealRequest, a bootstrap Commit, a NewValidator notice) pass false:
// the original neither re-delivers nor logs those to itself.
func (sm *StateMachine) broadcastAndLog(ctx context.Context, mt MessageType, view View, seq SeqNum, blockID BlockID, targets []PeerId, selfDispatch bool) error {
	body := PbftMessage{Info: MessageInfo{Type: mt, View: view, Seq: seq, SignerID: sm.self}, BlockID: blockID}
	return sm.broadcastWrapper(ctx, mt, PbftMessageWrapper{Kind: WrapMessage, Message: &body}, targets, selfDispatch)
}

func (sm *StateMachine) broadcastWrapper(ctx context.Context, mt MessageType, w PbftMessageWrapper, targets []PeerId, selfDispatch bool) error {
	vote, err := EncodeSignedEnvelope(sm.priv, sm.self, mt, w)
	if err != nil {
		return err
	}
	envelope, err := EncodeEnvelope(vote)
	if err != nil {
		return err
	}
	if err := sm.transport.BroadcastConsensus(ctx, targets, envelope); err != nil {
		sm.logger.Warn("broadcast failed", zap.String("type", mt.String()), zap.Error(err))
	}
	if !selfDispatch {
		return nil
	}
	return sm.HandlePeerMessage(ctx, &ParsedMessage{
		HeaderBytes:     vote.HeaderBytes,
		HeaderSignature: vote.HeaderSignature,
		MessageBytes:    vote.MessageBytes,
		Message:         w,
		FromSelf:        true,
		ReceivedAt:      sm.now(),
	})
}

// HandlePeerMessage is the top-level gate of §4.3: membership check,
// non-validator filtering, view-changing-mode filtering, then dispatch.
func (sm *StateMachine) HandlePeerMessage(ctx context.Context, msg *ParsedMessage) error {
	info := msg.Info()
	if !sm.state.Membership.Contains(info.SignerID) {
		return perrors.NewInvalidMessage("signer %x is not in current membership", info.SignerID)
	}

	isValidator := sm.state.Membership.Contains(sm.self)
	if !isValidator {
		switch info.Type {
		case MessageAnnounceBlock, MessageNewValidator:
		case MessageSeal:
			if !sm.state.BecomingValidator {
				return nil
			}
		default:
			return nil
		}
	}

	if sm.state.Mode == ViewChangingMode {
		if info.Type != MessageViewChange && info.Type != MessageNewView {
			return nil
		}
	}

	switch info.Type {
	case MessagePrePrepare:
		return sm.HandlePrePrepare(ctx, msg)
	case MessagePrepare:
		return sm.HandlePrepare(ctx, msg)
	case MessageCommit:
		return sm.HandleCommit(ctx, msg)
	case MessageViewChange:
		return sm.HandleViewChange(ctx, msg)
	case MessageNewView:
		return sm.HandleNewView(ctx, msg)
	case MessageSeal:
		return sm.HandleSealResponse(ctx, msg)
	case MessageSealRequest:
		return sm.HandleSealRequest(ctx, msg)
	case MessageAnnounceBlock:
		return sm.HandleAnnounceBlock(ctx, msg)
	case MessageNewValidator:
		sm.state.BecomingValidator = true
		return nil
	default:
		return perrors.NewInvalidMessage("unknown message type %d", info.Type)
	}
}

// HandlePrePrepare implements §4.3 "PrePrepare handling".
func (sm *StateMachine) HandlePrePrepare(ctx context.Context, msg *ParsedMessage) error {
	info := msg.Info()
	primary := sm.state.Membership.Primary(info.View)
	if info.SignerID != primary || info.View != sm.state.View {
		return nil
	}
	bid := msg.GetBlockID()

	for _, existing := range sm.log.GetMessagesOfTypeSeqView(MessagePrePrepare, info.Seq, info.View) {
		if existing.GetBlockID() != bid {
			sm.log.AddMessage(msg)
			if err := sm.StartViewChange(ctx, sm.state.View+1); err != nil {
				return err
			}
			return perrors.NewFaultyPrimary("primary %x sent conflicting pre-prepares at (view=%d, seq=%d)", info.SignerID, info.View, info.Seq)
		}
	}
	sm.log.AddMessage(msg)
	return sm.TryPreparing(ctx, bid)
}

// HandlePrepare implements §4.3 "Prepare handling".
func (sm *StateMachine) HandlePrepare(ctx context.Context, msg *ParsedMessage) error {
	info := msg.Info()
	if info.View != sm.state.View {
		return nil
	}
	primary := sm.state.Membership.Primary(info.View)
	if info.SignerID == primary {
		if err := sm.StartViewChange(ctx, sm.state.View+1); err != nil {
			return err
		}
		return perrors.NewFaultyPrimary("primary %x sent a Prepare", info.SignerID)
	}
	sm.log.AddMessage(msg)

	if info.Seq != sm.state.SeqNum || sm.state.Phase != Preparing {
		return nil
	}
	bid := msg.GetBlockID()
	if !sm.log.HasPrePrepare(info.Seq, info.View, bid) {
		return nil
	}
	prepares := sm.log.GetMessagesOfTypeSeqViewBlock(MessagePrepare, info.Seq, info.View, bid)
	if DistinctSigners(prepares) < 2*sm.state.F+1 {
		return nil
	}
	if err := sm.state.SwitchPhase(Committing); err != nil {
		return err
	}
	return sm.broadcastAndLog(ctx, MessageCommit, info.View, info.Seq, bid, nil, true)
}

// HandleCommit implements §4.3 "Commit handling".
func (sm *StateMachine) HandleCommit(ctx context.Context, msg *ParsedMessage) error {
	info := msg.Info()
	if info.View != sm.state.View {
		return nil
	}
	sm.log.AddMessage(msg)

	if info.Seq != sm.state.SeqNum || sm.state.Phase != Committing {
		return nil
	}
	bid := msg.GetBlockID()
	if !sm.log.HasPrePrepare(info.Seq, info.View, bid) {
		return nil
	}
	commits := sm.log.GetMessagesOfTypeSeqViewBlock(MessageCommit, info.Seq, info.View, bid)
	if DistinctSigners(commits) < 2*sm.state.F+1 {
		return nil
	}

	if _, err := sm.exec.CommitBlock(ctx, bid); err != nil {
		_ = sm.exec.FailBlock(ctx, bid)
		return perrors.NewServiceError("commit_block failed for %x: %v", bid, err)
	}
	sm.transport.PushBlockCommitEvent(engine.BlockCommitEvent{BlockID: bid, Timestamp: sm.now(), Committing: true})

	if err := sm.state.SwitchPhase(Finishing); err != nil {
		return err
	}
	sm.state.FinishingCatchupAgain = false
	sm.state.Timeouts.Commit.Stop()
	return sm.broadcastAndLog(ctx, MessageAnnounceBlock, info.View, info.Seq, bid, nil, false)
}

// TryPreparing implements §4.3 "try_preparing".
func (sm *StateMachine) TryPreparing(ctx context.Context, blockID BlockID) error {
	block, ok := sm.log.GetBlockWithID(blockID)
	if !ok {
		return nil
	}
	if sm.state.Phase != PrePreparing {
		return nil
	}
	if !sm.log.HasPrePrepare(sm.state.SeqNum, sm.state.View, blockID) {
		return nil
	}
	if block.Num() != sm.state.SeqNum {
		return nil
	}

	if err := sm.state.SwitchPhase(Preparing); err != nil {
		return err
	}
	sm.state.Timeouts.Idle.Stop()
	sm.state.Timeouts.Commit.Start(sm.cfg.CommitTimeout)

	if sm.state.IsPrimary(sm.self) {
		return nil
	}
	return sm.broadcastAndLog(ctx, MessagePrepare, sm.state.View, sm.state.SeqNum, blockID, nil, true)
}

// StartViewChange implements §4.4 "Starting a view change to target
// view V".
func (sm *StateMachine) StartViewChange(ctx context.Context, target View) error {
	if sm.state.Mode == ViewChangingMode && sm.state.TargetView >= target {
		return nil
	}
	sm.state.SetViewChanging(target)
	sm.state.Timeouts.Idle.Stop()
	sm.state.Timeouts.Commit.Stop()
	sm.state.Timeouts.ViewChange.Stop()

	var seq SeqNum
	if sm.state.SeqNum > 0 {
		seq = sm.state.SeqNum - 1
	}
	return sm.broadcastAndLog(ctx, MessageViewChange, target, seq, BlockID{}, nil, true)
}

// HandleViewChange implements §4.4 "Handling incoming ViewChange for
// view V".
func (sm *StateMachine) HandleViewChange(ctx context.Context, msg *ParsedMessage) error {
	info := msg.Info()
	if info.View <= sm.state.View {
		return nil
	}
	if sm.state.Mode == ViewChangingMode && info.View < sm.state.TargetView {
		return nil
	}
	sm.log.AddMessage(msg)

	votesForView := sm.log.GetMessagesOfTypeView(MessageViewChange, info.View)

	if sm.state.Mode != ViewChangingMode || sm.state.TargetView < info.View {
		if DistinctSigners(votesForView) >= sm.state.F+1 {
			if err := sm.StartViewChange(ctx, info.View); err != nil {
				return err
			}
			votesForView = sm.log.GetMessagesOfTypeView(MessageViewChange, info.View)
		}
	}

	if DistinctSigners(votesForView) >= 2*sm.state.F+1 && !sm.state.Timeouts.ViewChange.IsActive() {
		sm.state.Timeouts.StartViewChangeTimer(sm.cfg.ViewChangeTimeoutBase, info.View, sm.state.View)
	}

	if sm.state.IsPrimaryAt(sm.self, info.View) {
		var others []*ParsedMessage
		for _, m := range votesForView {
			if m.Info().SignerID != sm.self {
				others = append(others, m)
			}
		}
		if DistinctSigners(others) >= 2*sm.state.F {
			votes := make([]SignedVote, 0, len(others))
			for _, m := range others {
				votes = append(votes, SignedVote{HeaderBytes: m.HeaderBytes, HeaderSignature: m.HeaderSignature, MessageBytes: m.MessageBytes})
			}
			nv := NewView{Info: MessageInfo{Type: MessageNewView, View: info.View, Seq: sm.state.SeqNum, SignerID: sm.self}, ViewChanges: votes}
			return sm.broadcastWrapper(ctx, MessageNewView, PbftMessageWrapper{Kind: WrapNewView, NewView: &nv}, nil, true)
		}
	}
	return nil
}

// HandleNewView implements §4.4 "Handling NewView".
func (sm *StateMachine) HandleNewView(ctx context.Context, msg *ParsedMessage) error {
	if msg.Message.Kind != WrapNewView || msg.Message.NewView == nil {
		return perrors.NewInvalidMessage("NewView message missing its body")
	}
	nv := msg.Message.NewView
	if err := VerifyNewView(nv, sm.state.Membership); err != nil {
		return err
	}

	wasPrimary := sm.state.IsPrimary(sm.self)
	if wasPrimary {
		if err := sm.exec.CancelBlock(ctx); err != nil {
			sm.logger.Warn("cancel_block failed during view change", zap.Error(err))
		}
	}

	sm.state.View = nv.Info.View
	sm.state.Timeouts.ViewChange.Stop()
	sm.state.SetNormal()
	sm.state.ResetPhaseForViewChange()
	sm.state.Timeouts.Idle.Start(sm.cfg.IdleTimeout)

	if sm.state.IsPrimary(sm.self) {
		head := sm.state.ChainHead
		return sm.exec.InitializeBlock(ctx, &head)
	}
	return nil
}

// OnBlockNew implements §4.6 "on_block_new(block)".
func (sm *StateMachine) OnBlockNew(ctx context.Context, block Block) error {
	if block.Num() < sm.state.SeqNum {
		return sm.exec.FailBlock(ctx, block.ID())
	}

	parent, ok := sm.log.GetBlockWithID(block.ParentID())
	if !ok {
		parent, ok = sm.log.GetUnvalidatedBlockWithID(block.ParentID())
	}
	if !ok {
		return perrors.NewInvalidMessage("block %x parent %x not found in log", block.ID(), block.ParentID())
	}
	if parent.Num() != block.Num()-1 {
		return perrors.NewInvalidMessage("block %x parent num %d does not precede block num %d", block.ID(), parent.Num(), block.Num())
	}
	if block.PayloadID() == 0 {
		return perrors.NewInvalidMessage("block %x has a zero payload id", block.ID())
	}

	sm.log.AddUnvalidatedBlock(block)
	if err := sm.exec.CheckBlocks(ctx, block.PayloadID(), block.Payload(), sm.state.IsPrimary(sm.self)); err != nil {
		return perrors.NewServiceError("check_blocks failed for %x: %v", block.ID(), err)
	}
	return sm.OnBlockValid(ctx, block.ID())
}

// OnBlockValid implements §4.6 "on_block_valid(block_id)". Per the
// recorded Open Question decision, promotion happens optimistically
// before the engine has confirmed validity through CheckBlocks'
// asynchronous result — on_block_invalid is what resolves the race by
// removing the block from the log outright.
func (sm *StateMachine) OnBlockValid(ctx context.Context, blockID BlockID) error {
	block, ok := sm.log.BlockValidated(blockID)
	if !ok {
		return nil
	}
	return sm.handleValidatedBlock(ctx, block)
}

// handleValidatedBlock is the shared tail of OnBlockValid and the
// retry loop OnBlockCommit runs over blocks at state.seq+1 (§4.6's
// "try_handling_block").
func (sm *StateMachine) handleValidatedBlock(ctx context.Context, block Block) (err error) {
	if block.Num() > sm.state.SeqNum+1 {
		return nil // not enough settled state to verify the embedded seal yet
	}

	mem, err := sm.membershipAt(ctx, block.Num()-1)
	if err != nil {
		return err
	}
	seal, err := decodeSealBytes(block.SealBytes())
	if err != nil {
		_ = sm.exec.FailBlock(ctx, block.ID())
		return err
	}
	if err := VerifySeal(seal, mem); err != nil {
		_ = sm.exec.FailBlock(ctx, block.ID())
		return perrors.NewInvalidMessage("seal verification failed for block %x: %v", block.ID(), err)
	}

	if block.Num() > sm.state.SeqNum && sm.state.Phase != Finishing {
		return sm.Catchup(ctx, seal, false)
	}
	if block.Num() == sm.state.SeqNum {
		if sm.state.IsPrimary(sm.self) {
			return sm.broadcastAndLog(ctx, MessagePrePrepare, sm.state.View, sm.state.SeqNum, block.ID(), nil, true)
		}
		return sm.TryPreparing(ctx, block.ID())
	}
	return nil
}

// OnBlockInvalid implements §4.6 "on_block_invalid(block_id)".
func (sm *StateMachine) OnBlockInvalid(ctx context.Context, blockID BlockID) error {
	sm.log.RemoveBlock(blockID)
	return sm.exec.FailBlock(ctx, blockID)
}

// OnBlockCommit implements §4.6 "on_block_commit(block_id, ts,
// committing)".
func (sm *StateMachine) OnBlockCommit(ctx context.Context, blockID BlockID, ts time.Time, committing bool) error {
	wasCatchupAgain := sm.state.FinishingCatchupAgain

	for _, other := range sm.log.GetBlocksWithNum(sm.state.SeqNum) {
		if other.ID() != blockID {
			sm.log.RemoveBlock(other.ID())
			_ = sm.exec.FailBlock(ctx, other.ID())
		}
	}

	committedSeq := sm.state.SeqNum
	sm.state.SeqNum++
	sm.state.SetNormal()
	if err := sm.state.SwitchPhase(PrePreparing); err != nil {
		sm.logger.Warn("phase was not Finishing at commit", zap.Error(err))
	}
	sm.state.ChainHead = blockID
	sm.state.LastBlockTimestamp = ts

	if committing {
		if err := sm.buildAndSaveSeal(ctx, committedSeq, blockID); err != nil {
			return err
		}
	}
	if err := sm.deliverPendingSealRequests(ctx, committedSeq, blockID); err != nil {
		sm.logger.Warn("failed to deliver pending seal request", zap.Error(err))
	}

	newMembers, err := sm.membershipAt(ctx, committedSeq)
	if err != nil {
		return err
	}
	added, _, changed := sm.state.Membership.Update(newMembers.Peers())
	if changed {
		sm.state.Membership = NewMembership(newMembers.Peers())
		sm.state.F = sm.state.Membership.F()
		if sm.state.F == 0 {
			panic("pbft: f == 0 after membership change, network can no longer tolerate a fault")
		}
		if len(added) > 0 && sm.state.Membership.Contains(sm.self) {
			for _, p := range added {
				id := p
				if err := sm.broadcastWrapper(ctx, MessageNewValidator, PbftMessageWrapper{Kind: WrapNewValidator, NewValidator: &id}, []PeerId{p}, false); err != nil {
					sm.logger.Warn("failed to notify new validator", zap.Error(err))
				}
			}
		}
	}

	if sm.cfg.ForcedViewChangePeriod > 0 && uint64(sm.state.SeqNum)%sm.cfg.ForcedViewChangePeriod == 0 {
		sm.state.View++
	}

	sm.log.GarbageCollect(sm.state.SeqNum, sm.cfg.GCWindowK, sm.state.View)

	for _, b := range sm.log.GetBlocksWithNum(sm.state.SeqNum + 1) {
		if err := sm.handleValidatedBlock(ctx, b); err == nil {
			break
		}
	}

	if wasCatchupAgain {
		return sm.broadcastAndLog(ctx, MessageSealRequest, sm.state.View, sm.state.SeqNum, BlockID{}, nil, false)
	}

	sm.state.Timeouts.Idle.Start(sm.cfg.IdleTimeout)
	for _, b := range sm.log.GetBlocksWithNum(sm.state.SeqNum) {
		if err := sm.TryPreparing(ctx, b.ID()); err != nil {
			return err
		}
	}
	if sm.state.IsPrimary(sm.self) {
		head := sm.state.ChainHead
		return sm.exec.InitializeBlock(ctx, &head)
	}
	return nil
}

// membershipAt queries the on-chain validator set at seq, retrying with
// exponential backoff per §4.5.
func (sm *StateMachine) membershipAt(ctx context.Context, seq SeqNum) (*Membership, error) {
	var ids []PeerId
	err := Retry(ctx, sm.cfg.RetryBase, sm.cfg.RetryMax, func(ctx context.Context) error {
		var e error
		ids, e = sm.validators.QueryValidators(ctx, engine.ValidatorSetContractAddress, seq)
		return e
	})
	if err != nil {
		return nil, perrors.NewServiceError("query_validators failed at seq %d: %v", seq, err)
	}
	return NewMembership(ids), nil
}

// buildSealFor constructs (without persisting) the seal for the block
// blockID committed at committedSeq, scanning the log's Commit messages
// per §4.5 "Seal construction".
func (sm *StateMachine) buildSealFor(committedSeq SeqNum, blockID BlockID) (*Seal, error) {
	info := MessageInfo{Type: MessageSeal, View: sm.state.View, Seq: committedSeq, SignerID: sm.self}
	commits := sm.log.GetMessagesOfTypeSeq(MessageCommit, committedSeq)
	votes := make([]SignedVote, 0, len(commits))
	for _, m := range commits {
		votes = append(votes, SignedVote{HeaderBytes: m.HeaderBytes, HeaderSignature: m.HeaderSignature, MessageBytes: m.MessageBytes})
	}
	seal, err := BuildSeal(info, blockID, votes, sm.state.Membership, sm.self)
	if err != nil {
		return nil, perrors.NewInternalError("cannot build seal for committed block %x at seq %d: %v", blockID, committedSeq, err)
	}
	return seal, nil
}

// buildAndSaveSeal builds and persists the seal for the just-committed
// block at committedSeq, per §4.5 "Seal construction".
func (sm *StateMachine) buildAndSaveSeal(ctx context.Context, committedSeq SeqNum, blockID BlockID) error {
	seal, err := sm.buildSealFor(committedSeq, blockID)
	if err != nil {
		return err
	}
	sealBytes, err := codec.Encode(*seal)
	if err != nil {
		return perrors.NewSerializationError(err, "encoding seal for persistence")
	}
	if err := sm.seals.SaveConsensusContent(ctx, blockID, sealBytes); err != nil {
		return perrors.NewServiceError("save_consensus_content failed for %x: %v", blockID, err)
	}
	return nil
}

// deliverPendingSealRequests replies to every peer that asked for the
// seal at committedSeq before the commit landed (§4.8).
func (sm *StateMachine) deliverPendingSealRequests(ctx context.Context, committedSeq SeqNum, blockID BlockID) error {
	peers := sm.sealReqs.TakeAll(committedSeq)
	if len(peers) == 0 {
		return nil
	}
	sealBytes, ok, err := sm.seals.ConsensusContent(ctx, blockID)
	if err != nil {
		return perrors.NewServiceError("consensus_content lookup failed for %x: %v", blockID, err)
	}
	if !ok {
		return nil
	}
	var seal Seal
	if err := codec.Decode(sealBytes, &seal); err != nil {
		return perrors.NewSerializationError(err, "decoding persisted seal")
	}
	for _, p := range peers {
		if err := sm.broadcastWrapper(ctx, MessageSeal, PbftMessageWrapper{Kind: WrapSeal, Seal: &seal}, []PeerId{p}, false); err != nil {
			sm.logger.Warn("failed to deliver seal to requester", zap.Error(err))
		}
	}
	return nil
}

func decodeSealBytes(data []byte) (*Seal, error) {
	var seal Seal
	if err := codec.Decode(data, &seal); err != nil {
		return nil, perrors.NewSerializationError(err, "decoding block's embedded seal")
	}
	return &seal, nil
}
