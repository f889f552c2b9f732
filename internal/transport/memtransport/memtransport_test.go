package memtransport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianchain/pbft/internal/engine"
	"github.com/meridianchain/pbft/internal/pbft"
)

func peerID(b byte) pbft.PeerId {
	var p pbft.PeerId
	p[0] = b
	return p
}

func TestBroadcastDeliversToAllOtherNodes(t *testing.T) {
	net := NewNetwork()
	a := NewTransport(net, peerID(1))
	b := NewTransport(net, peerID(2))
	c := NewTransport(net, peerID(3))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bIn, err := b.PendingConsensusListener(ctx)
	require.NoError(t, err)
	cIn, err := c.PendingConsensusListener(ctx)
	require.NoError(t, err)

	require.NoError(t, a.BroadcastConsensus(ctx, nil, []byte("hello")))

	select {
	case env := <-bIn:
		assert.Equal(t, []byte("hello"), env.Payload)
	case <-time.After(time.Second):
		t.Fatal("b did not receive broadcast")
	}
	select {
	case env := <-cIn:
		assert.Equal(t, []byte("hello"), env.Payload)
	case <-time.After(time.Second):
		t.Fatal("c did not receive broadcast")
	}
}

func TestBroadcastToSpecificPeersOnly(t *testing.T) {
	net := NewNetwork()
	a := NewTransport(net, peerID(1))
	b := NewTransport(net, peerID(2))
	c := NewTransport(net, peerID(3))

	ctx := context.Background()
	bIn, _ := b.PendingConsensusListener(ctx)
	cIn, _ := c.PendingConsensusListener(ctx)

	require.NoError(t, a.BroadcastConsensus(ctx, []pbft.PeerId{peerID(2)}, []byte("direct")))

	select {
	case <-bIn:
	case <-time.After(time.Second):
		t.Fatal("b should have received the direct message")
	}
	select {
	case <-cIn:
		t.Fatal("c should not have received the direct message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPushNetworkEventTracksPeers(t *testing.T) {
	net := NewNetwork()
	a := NewTransport(net, peerID(1))

	a.PushNetworkEvent(peerID(2), true)
	assert.ElementsMatch(t, []pbft.PeerId{peerID(2)}, a.GetPeers())

	a.PushNetworkEvent(peerID(2), false)
	assert.Empty(t, a.GetPeers())
}

func TestBlockCommitEventQueue(t *testing.T) {
	net := NewNetwork()
	a := NewTransport(net, peerID(1))

	_, ok := a.PopBlockCommitEvent()
	assert.False(t, ok)

	ev := engine.BlockCommitEvent{BlockID: pbft.BlockID{9}, Committing: true}
	a.PushBlockCommitEvent(ev)

	got, ok := a.PopBlockCommitEvent()
	require.True(t, ok)
	assert.Equal(t, ev, got)
}
