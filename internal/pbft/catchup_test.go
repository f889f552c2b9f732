package pbft

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCommitExec struct {
	mu        sync.Mutex
	committed []BlockID
	failed    []BlockID
}

func (e *fakeCommitExec) InitializeBlock(ctx context.Context, parent *BlockID) error { return nil }
func (e *fakeCommitExec) CheckBlocks(ctx context.Context, payloadID uint64, payload []byte, isPrimary bool) error {
	return nil
}
func (e *fakeCommitExec) SummarizeBlock(ctx context.Context, seq SeqNum, validatorAccounts []PeerId) error {
	return nil
}
func (e *fakeCommitExec) FinalizeBlock(ctx context.Context) (uint64, []byte, error) {
	return 0, nil, nil
}
func (e *fakeCommitExec) CommitBlock(ctx context.Context, blockID BlockID) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.committed = append(e.committed, blockID)
	return nil, nil
}
func (e *fakeCommitExec) CancelBlock(ctx context.Context) error { return nil }
func (e *fakeCommitExec) FailBlock(ctx context.Context, blockID BlockID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = append(e.failed, blockID)
	return nil
}
func (e *fakeCommitExec) AnnounceBlock(ctx context.Context, blockID BlockID) error { return nil }

func (e *fakeCommitExec) hasCommitted(id BlockID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.committed {
		if c == id {
			return true
		}
	}
	return false
}

type catchupSealStore struct {
	mu    sync.Mutex
	saved map[BlockID][]byte
}

func newCatchupSealStore() *catchupSealStore {
	return &catchupSealStore{saved: make(map[BlockID][]byte)}
}
func (s *catchupSealStore) SaveConsensusContent(ctx context.Context, blockID BlockID, sealBytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[blockID] = sealBytes
	return nil
}
func (s *catchupSealStore) ConsensusContent(ctx context.Context, blockID BlockID) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.saved[blockID]
	return b, ok, nil
}

// newCatchupTestMachine builds a StateMachine with just the fields
// Catchup touches (log, exec, seals, state) populated; transport,
// blocks and validators stay nil since Catchup never calls them.
func newCatchupTestMachine(self PeerId, state *State, exec *fakeCommitExec, seals *catchupSealStore) *StateMachine {
	return &StateMachine{
		self:     self,
		state:    state,
		log:      NewLog(),
		announce: NewAnnounceCache(),
		sealReqs: NewPendingSealRequests(),
		exec:     exec,
		seals:    seals,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
}

func signedCommitVote(t *testing.T, priv *btcec.PrivateKey, signer PeerId, view View, seq SeqNum, blockID BlockID) SignedVote {
	t.Helper()
	msg := PbftMessage{Info: MessageInfo{Type: MessageCommit, View: view, Seq: seq, SignerID: signer}, BlockID: blockID}
	vote, err := EncodeSignedEnvelope(priv, signer, MessageCommit, PbftMessageWrapper{Kind: WrapMessage, Message: &msg})
	require.NoError(t, err)
	return vote
}

func TestCatchupAppliesSealAdvancesViewAndPersists(t *testing.T) {
	_, signerSelf := genKey(t)
	priv2, signer2 := genKey(t)
	priv3, signer3 := genKey(t)
	membership := NewMembership([]PeerId{signerSelf, signer2, signer3})
	timeouts := NewTimeouts(time.Second)
	state := NewState(signerSelf, membership, timeouts)
	state.Timeouts.Idle.Start(time.Minute)

	exec := &fakeCommitExec{}
	seals := newCatchupSealStore()
	sm := newCatchupTestMachine(signerSelf, state, exec, seals)

	blockID := Keccak256([]byte("future-block"))
	info := MessageInfo{Type: MessageSeal, View: 2, Seq: 5, SignerID: signerSelf}

	vote2 := signedCommitVote(t, priv2, signer2, info.View, info.Seq, blockID)
	vote3 := signedCommitVote(t, priv3, signer3, info.View, info.Seq, blockID)
	seal := &Seal{Info: info, BlockID: blockID, CommitVotes: []SignedVote{vote2, vote3}}

	require.NoError(t, sm.Catchup(context.Background(), seal, false))

	assert.Equal(t, View(2), sm.state.View)
	assert.True(t, exec.hasCommitted(blockID))
	assert.Equal(t, Finishing, sm.state.Phase)
	assert.False(t, sm.state.FinishingCatchupAgain)
	assert.False(t, sm.state.Timeouts.Idle.IsActive())

	_, ok, err := seals.ConsensusContent(context.Background(), blockID)
	require.NoError(t, err)
	assert.True(t, ok)

	commits := sm.log.GetMessagesOfTypeSeq(MessageCommit, 5)
	assert.Len(t, commits, 2)
}

func TestCatchupDoesNotRewindViewWhenSealIsStale(t *testing.T) {
	_, signerSelf := genKey(t)
	priv2, signer2 := genKey(t)
	membership := NewMembership([]PeerId{signerSelf, signer2})
	timeouts := NewTimeouts(time.Second)
	state := NewState(signerSelf, membership, timeouts)
	state.View = 5

	exec := &fakeCommitExec{}
	seals := newCatchupSealStore()
	sm := newCatchupTestMachine(signerSelf, state, exec, seals)

	blockID := Keccak256([]byte("stale-seal-block"))
	info := MessageInfo{Type: MessageSeal, View: 1, Seq: 2, SignerID: signerSelf}
	vote2 := signedCommitVote(t, priv2, signer2, info.View, info.Seq, blockID)
	seal := &Seal{Info: info, BlockID: blockID, CommitVotes: []SignedVote{vote2}}

	require.NoError(t, sm.Catchup(context.Background(), seal, false))
	assert.Equal(t, View(5), sm.state.View, "catchup must never rewind the view backwards")
}

func TestCatchupSetsCatchupAgainFlag(t *testing.T) {
	_, signerSelf := genKey(t)
	priv2, signer2 := genKey(t)
	membership := NewMembership([]PeerId{signerSelf, signer2})
	timeouts := NewTimeouts(time.Second)
	state := NewState(signerSelf, membership, timeouts)

	exec := &fakeCommitExec{}
	seals := newCatchupSealStore()
	sm := newCatchupTestMachine(signerSelf, state, exec, seals)

	blockID := Keccak256([]byte("another-block"))
	info := MessageInfo{Type: MessageSeal, View: 0, Seq: 1, SignerID: signerSelf}
	vote2 := signedCommitVote(t, priv2, signer2, info.View, info.Seq, blockID)
	seal := &Seal{Info: info, BlockID: blockID, CommitVotes: []SignedVote{vote2}}

	require.NoError(t, sm.Catchup(context.Background(), seal, true))
	assert.True(t, sm.state.FinishingCatchupAgain)
}

func TestCatchupSkipsMalformedVoteButAppliesTheRest(t *testing.T) {
	_, signerSelf := genKey(t)
	priv2, signer2 := genKey(t)
	membership := NewMembership([]PeerId{signerSelf, signer2})
	timeouts := NewTimeouts(time.Second)
	state := NewState(signerSelf, membership, timeouts)

	exec := &fakeCommitExec{}
	seals := newCatchupSealStore()
	sm := newCatchupTestMachine(signerSelf, state, exec, seals)

	blockID := Keccak256([]byte("malformed-case"))
	info := MessageInfo{Type: MessageSeal, View: 1, Seq: 3, SignerID: signerSelf}
	good := signedCommitVote(t, priv2, signer2, info.View, info.Seq, blockID)
	garbage := SignedVote{HeaderBytes: []byte("not a header"), MessageBytes: []byte("not a body")}
	seal := &Seal{Info: info, BlockID: blockID, CommitVotes: []SignedVote{garbage, good}}

	require.NoError(t, sm.Catchup(context.Background(), seal, false))
	assert.True(t, exec.hasCommitted(blockID))

	commits := sm.log.GetMessagesOfTypeSeq(MessageCommit, 3)
	assert.Len(t, commits, 1)
}

func TestCatchupForcesFinishingPhaseEvenFromPrePreparing(t *testing.T) {
	_, signerSelf := genKey(t)
	priv2, signer2 := genKey(t)
	membership := NewMembership([]PeerId{signerSelf, signer2})
	timeouts := NewTimeouts(time.Second)
	state := NewState(signerSelf, membership, timeouts)
	require.Equal(t, PrePreparing, state.Phase)

	exec := &fakeCommitExec{}
	seals := newCatchupSealStore()
	sm := newCatchupTestMachine(signerSelf, state, exec, seals)

	blockID := Keccak256([]byte("force-phase-block"))
	info := MessageInfo{Type: MessageSeal, View: 0, Seq: 1, SignerID: signerSelf}
	vote2 := signedCommitVote(t, priv2, signer2, info.View, info.Seq, blockID)
	seal := &Seal{Info: info, BlockID: blockID, CommitVotes: []SignedVote{vote2}}

	require.NoError(t, sm.Catchup(context.Background(), seal, false))
	assert.Equal(t, Finishing, sm.state.Phase, "ForcePhase must bypass the normal legal-transition check")
}
