package pbft_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianchain/pbft/internal/pbft"
	"github.com/meridianchain/pbft/pkg/codec"
)

func TestAnnounceCacheSeenDedupesFirstSightingOnly(t *testing.T) {
	c := pbft.NewAnnounceCache()
	blockID := pbft.Keccak256([]byte("announce-dedup"))

	assert.False(t, c.Seen(blockID), "first sighting must report not-yet-seen")
	assert.True(t, c.Seen(blockID), "second sighting of the same id must report already-seen")
}

func mkAnnounce(signer pbft.PeerId, blockID pbft.BlockID) *pbft.ParsedMessage {
	body := pbft.PbftMessage{Info: pbft.MessageInfo{Type: pbft.MessageAnnounceBlock, SignerID: signer}, BlockID: blockID}
	return &pbft.ParsedMessage{Message: pbft.PbftMessageWrapper{Kind: pbft.WrapMessage, Message: &body}}
}

func popOne(t *testing.T, ctx context.Context, n *testNode) *pbft.PbftMessage {
	t.Helper()
	ch, err := n.transport.PendingConsensusListener(ctx)
	require.NoError(t, err)
	select {
	case env := <-ch:
		vote, err := pbft.DecodeEnvelope(env.Payload)
		require.NoError(t, err)
		_, wrapper, err := pbft.DecodeSignedEnvelope(vote)
		require.NoError(t, err)
		require.Equal(t, pbft.WrapMessage, wrapper.Kind)
		return wrapper.Message
	default:
		t.Fatal("expected a rebroadcast envelope")
		return nil
	}
}

func assertNoPending(t *testing.T, ctx context.Context, n *testNode) {
	t.Helper()
	ch, err := n.transport.PendingConsensusListener(ctx)
	require.NoError(t, err)
	select {
	case <-ch:
		t.Fatal("expected no pending envelope")
	default:
	}
}

func TestHandleAnnounceBlockFetchesAndRebroadcastsOnFirstSighting(t *testing.T) {
	ctx := context.Background()
	nodes := buildCluster(t, 3, 5)
	responder, peerA, peerB := nodes[0], nodes[1], nodes[2]
	blockID := pbft.Keccak256([]byte("announce-rebroadcast"))

	require.NoError(t, responder.sm.HandleAnnounceBlock(ctx, mkAnnounce(peerA.id, blockID)))
	assert.Contains(t, responder.exec.announced, blockID)

	for _, peer := range []*testNode{peerA, peerB} {
		got := popOne(t, ctx, peer)
		assert.Equal(t, pbft.MessageAnnounceBlock, got.Info.Type)
		assert.Equal(t, blockID, got.BlockID)
	}
}

func TestHandleAnnounceBlockSecondSightingIsDropped(t *testing.T) {
	ctx := context.Background()
	nodes := buildCluster(t, 3, 5)
	responder, peerA, peerB := nodes[0], nodes[1], nodes[2]
	blockID := pbft.Keccak256([]byte("announce-dropped"))

	require.NoError(t, responder.sm.HandleAnnounceBlock(ctx, mkAnnounce(peerA.id, blockID)))
	popOne(t, ctx, peerA)
	popOne(t, ctx, peerB)

	require.NoError(t, responder.sm.HandleAnnounceBlock(ctx, mkAnnounce(peerA.id, blockID)))
	assert.Len(t, responder.exec.announced, 1, "a repeat sighting must not re-fetch")

	assertNoPending(t, ctx, peerA)
	assertNoPending(t, ctx, peerB)
}

func TestBootstrapCommitNoopBeforeAnyCommit(t *testing.T) {
	ctx := context.Background()
	nodes := buildCluster(t, 3, 0)
	responder, peer := nodes[0], nodes[1]

	require.NoError(t, responder.sm.BootstrapCommit(ctx, peer.id))
	assertNoPending(t, ctx, peer)
}

func TestBootstrapCommitNoopForNonMemberPeer(t *testing.T) {
	ctx := context.Background()
	nodes := buildCluster(t, 3, 5)
	responder := nodes[0]
	_, stranger := genKey(t)

	require.NoError(t, responder.sm.BootstrapCommit(ctx, stranger))
}

func TestBootstrapCommitSendsViewZeroAtSeqOne(t *testing.T) {
	ctx := context.Background()
	nodes := buildCluster(t, 3, 1)
	responder, peer := nodes[0], nodes[1]

	require.NoError(t, responder.sm.BootstrapCommit(ctx, peer.id))

	got := popOne(t, ctx, peer)
	assert.Equal(t, pbft.MessageCommit, got.Info.Type)
	assert.Equal(t, pbft.View(0), got.Info.View)
	assert.Equal(t, pbft.SeqNum(0), got.Info.Seq)
	assert.Equal(t, responder.state.ChainHead, got.BlockID)
}

func TestBootstrapCommitRecoversViewFromPersistedChainHeadSeal(t *testing.T) {
	ctx := context.Background()
	nodes := buildCluster(t, 3, 5)
	responder, peer := nodes[0], nodes[1]

	chainHead := pbft.Keccak256([]byte("chain-head-block"))
	responder.state.ChainHead = chainHead
	seal := pbft.Seal{Info: pbft.MessageInfo{Type: pbft.MessageSeal, View: 7, Seq: 4, SignerID: responder.id}, BlockID: chainHead}
	sealBytes, err := codec.Encode(seal)
	require.NoError(t, err)
	require.NoError(t, responder.seals.SaveConsensusContent(ctx, chainHead, sealBytes))

	require.NoError(t, responder.sm.BootstrapCommit(ctx, peer.id))

	got := popOne(t, ctx, peer)
	assert.Equal(t, pbft.MessageCommit, got.Info.Type)
	assert.Equal(t, pbft.View(7), got.Info.View, "view should be recovered from the persisted chain-head seal")
	assert.Equal(t, pbft.SeqNum(4), got.Info.Seq)
	assert.Equal(t, chainHead, got.BlockID)
}

func TestBootstrapCommitFallsBackToViewZeroWhenNoSealPersisted(t *testing.T) {
	ctx := context.Background()
	nodes := buildCluster(t, 3, 5)
	responder, peer := nodes[0], nodes[1]

	require.NoError(t, responder.sm.BootstrapCommit(ctx, peer.id))

	got := popOne(t, ctx, peer)
	assert.Equal(t, pbft.View(0), got.Info.View)
	assert.Equal(t, pbft.SeqNum(4), got.Info.Seq)
}
