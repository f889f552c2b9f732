package pbft

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fourNodeCluster returns four private keys and the Membership built
// from their derived PeerIds, so seal tests exercise a realistic
// f=1, 2f+1=3 quorum.
func fourNodeCluster(t *testing.T) ([]*btcec.PrivateKey, []PeerId, *Membership) {
	t.Helper()
	privs := make([]*btcec.PrivateKey, 4)
	peers := make([]PeerId, 4)
	for i := range privs {
		priv, id := genKey(t)
		privs[i] = priv
		peers[i] = id
	}
	return privs, peers, NewMembership(peers)
}

func commitVoteFrom(t *testing.T, priv *btcec.PrivateKey, self PeerId, info MessageInfo, blockID BlockID) SignedVote {
	t.Helper()
	msg := PbftMessage{Info: info, BlockID: blockID}
	vote, err := EncodeSignedEnvelope(priv, self, MessageCommit, PbftMessageWrapper{Kind: WrapMessage, Message: &msg})
	require.NoError(t, err)
	return vote
}

func TestBuildAndVerifySeal(t *testing.T) {
	privs, peers, membership := fourNodeCluster(t)
	require.Equal(t, 1, membership.F())

	info := MessageInfo{Type: MessageCommit, View: 0, Seq: 5}
	blockID := BlockID{0x42}

	self := peers[0]
	var votes []SignedVote
	for i := 1; i < 4; i++ { // 3 external commit votes, self excluded
		info.SignerID = peers[i]
		votes = append(votes, commitVoteFrom(t, privs[i], peers[i], info, blockID))
	}

	seal, err := BuildSeal(MessageInfo{Type: MessageCommit, View: 0, Seq: 5, SignerID: self}, blockID, votes, membership, self)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(seal.CommitVotes), 2*membership.F())

	require.NoError(t, VerifySeal(seal, membership))
}

func TestBuildSealRejectsInsufficientVotes(t *testing.T) {
	privs, peers, membership := fourNodeCluster(t)
	self := peers[0]

	info := MessageInfo{Type: MessageCommit, View: 0, Seq: 5, SignerID: peers[1]}
	blockID := BlockID{0x42}
	votes := []SignedVote{commitVoteFrom(t, privs[1], peers[1], info, blockID)} // only 1, need 2f=2

	_, err := BuildSeal(MessageInfo{Type: MessageCommit, View: 0, Seq: 5, SignerID: self}, blockID, votes, membership, self)
	assert.Error(t, err)
}

func TestBuildSealDedupsDuplicateSigners(t *testing.T) {
	privs, peers, membership := fourNodeCluster(t)
	self := peers[0]

	info := MessageInfo{Type: MessageCommit, View: 0, Seq: 5, SignerID: peers[1]}
	blockID := BlockID{0x42}
	vote := commitVoteFrom(t, privs[1], peers[1], info, blockID)

	_, err := BuildSeal(MessageInfo{Type: MessageCommit, View: 0, Seq: 5, SignerID: self}, blockID, []SignedVote{vote, vote}, membership, self)
	assert.Error(t, err) // still only 1 distinct signer after dedup
}

func TestVerifySealRejectsWrongBlockID(t *testing.T) {
	privs, peers, membership := fourNodeCluster(t)
	self := peers[0]

	info := MessageInfo{Type: MessageCommit, View: 0, Seq: 5}
	blockID := BlockID{0x42}
	var votes []SignedVote
	for i := 1; i < 4; i++ {
		info.SignerID = peers[i]
		votes = append(votes, commitVoteFrom(t, privs[i], peers[i], info, blockID))
	}
	seal, err := BuildSeal(MessageInfo{Type: MessageCommit, View: 0, Seq: 5, SignerID: self}, blockID, votes, membership, self)
	require.NoError(t, err)

	seal.BlockID = BlockID{0xFF}
	assert.Error(t, VerifySeal(seal, membership))
}

func TestVerifySealRejectsSignerEqualToSealSigner(t *testing.T) {
	privs, peers, membership := fourNodeCluster(t)
	self := peers[0]

	info := MessageInfo{Type: MessageCommit, View: 0, Seq: 5}
	blockID := BlockID{0x42}
	var votes []SignedVote
	for i := 1; i < 4; i++ {
		info.SignerID = peers[i]
		votes = append(votes, commitVoteFrom(t, privs[i], peers[i], info, blockID))
	}
	seal := &Seal{Info: MessageInfo{Type: MessageCommit, View: 0, Seq: 5, SignerID: peers[1]}, BlockID: blockID, CommitVotes: votes}
	assert.Error(t, VerifySeal(seal, membership))
}

func TestVerifyNewView(t *testing.T) {
	privs, peers, membership := fourNodeCluster(t)

	info := MessageInfo{Type: MessageViewChange, View: 3}
	var votes []SignedVote
	for i := 0; i < 3; i++ {
		info.SignerID = peers[i]
		msg := PbftMessage{Info: info}
		vote, err := EncodeSignedEnvelope(privs[i], peers[i], MessageViewChange, PbftMessageWrapper{Kind: WrapMessage, Message: &msg})
		require.NoError(t, err)
		votes = append(votes, vote)
	}
	nv := &NewView{Info: MessageInfo{Type: MessageNewView, View: 3, SignerID: peers[3]}, ViewChanges: votes}
	assert.NoError(t, VerifyNewView(nv, membership))
}
