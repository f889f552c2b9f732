package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianchain/pbft/internal/engine"
	"github.com/meridianchain/pbft/internal/metrics"
	"github.com/meridianchain/pbft/internal/pbft"
	"github.com/meridianchain/pbft/internal/transport/memtransport"
)

// sharedMetrics is built once for the whole package: promauto registers
// against the global default registry and a second metrics.New() call
// would panic on duplicate registration, mirroring
// internal/metrics/metrics_test.go's own init()-built singleton.
var sharedMetrics *metrics.Metrics

func init() {
	sharedMetrics = metrics.New()
}

// noopSealStore and fixedValidators are minimal engine.SealStore /
// engine.ValidatorSetQuery fixtures, just enough to keep StateMachine
// satisfied for single-node tests that never exercise seal persistence
// or membership changes.
type noopSealStore struct {
	mu    sync.Mutex
	saved map[pbft.BlockID][]byte
}

func newNoopSealStore() *noopSealStore { return &noopSealStore{saved: make(map[pbft.BlockID][]byte)} }

func (s *noopSealStore) SaveConsensusContent(ctx context.Context, blockID pbft.BlockID, sealBytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[blockID] = sealBytes
	return nil
}

func (s *noopSealStore) ConsensusContent(ctx context.Context, blockID pbft.BlockID) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.saved[blockID]
	return b, ok, nil
}

type fixedValidators struct{ ids []pbft.PeerId }

func (f fixedValidators) QueryValidators(ctx context.Context, contractAddress string, blockNumber pbft.SeqNum) ([]pbft.PeerId, error) {
	return f.ids, nil
}

// noopExec is a minimal engine.ExecutionEngine + engine.BlockStore
// fixture that always succeeds and does no bookkeeping.
type noopExec struct{}

func (noopExec) InitializeBlock(ctx context.Context, parent *pbft.BlockID) error { return nil }
func (noopExec) CheckBlocks(ctx context.Context, payloadID uint64, payload []byte, isPrimary bool) error {
	return nil
}
func (noopExec) SummarizeBlock(ctx context.Context, seq pbft.SeqNum, validatorAccounts []pbft.PeerId) error {
	return nil
}
func (noopExec) FinalizeBlock(ctx context.Context) (uint64, []byte, error)      { return 0, nil, nil }
func (noopExec) CommitBlock(ctx context.Context, blockID pbft.BlockID) ([]byte, error) {
	return nil, nil
}
func (noopExec) CancelBlock(ctx context.Context) error                        { return nil }
func (noopExec) FailBlock(ctx context.Context, blockID pbft.BlockID) error     { return nil }
func (noopExec) AnnounceBlock(ctx context.Context, blockID pbft.BlockID) error { return nil }
func (noopExec) LatestHeader(ctx context.Context) (*engine.Header, bool, error) {
	return nil, false, nil
}
func (noopExec) SealedHeaderByID(ctx context.Context, id pbft.BlockID) (*engine.SealedHeader, bool, error) {
	return nil, false, nil
}
func (noopExec) HeaderByID(ctx context.Context, id pbft.BlockID) (*engine.Header, bool, error) {
	return nil, false, nil
}

var (
	_ engine.ExecutionEngine = noopExec{}
	_ engine.BlockStore      = noopExec{}
)

// singleNodeAgent builds an Agent driving a trivial one-validator
// StateMachine, the way cmd/validator wires a real one minus RPC/NATS.
func singleNodeAgent(t *testing.T, m *metrics.Metrics) (*Agent, pbft.PeerId, *pbft.State) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	self := pbft.PeerIDFromPubKey(priv.PubKey())

	membership := pbft.NewMembership([]pbft.PeerId{self})
	timeouts := pbft.NewTimeouts(time.Second)
	state := pbft.NewState(self, membership, timeouts)
	logr := pbft.NewLog()

	net := memtransport.NewNetwork()
	transport := memtransport.NewTransport(net, self)

	cfg := pbft.Config{
		IdleTimeout:           time.Second,
		CommitTimeout:         time.Second,
		ViewChangeTimeoutBase: time.Millisecond,
		GCWindowK:             100,
		RetryBase:             time.Millisecond,
		RetryMax:              10 * time.Millisecond,
	}
	sm := pbft.NewStateMachine(self, priv, state, logr, transport, noopExec{}, noopExec{}, newNoopSealStore(), fixedValidators{ids: []pbft.PeerId{self}}, cfg, zap.NewNop())

	a := New(sm, state, transport, m, zap.NewNop())
	return a, self, state
}

func TestActivePeersTracksConnectAndDisconnect(t *testing.T) {
	a, _, _ := singleNodeAgent(t, nil)
	var peerA, peerB pbft.PeerId
	peerA[0] = 0xAA
	peerB[0] = 0xBB

	a.PushPeerConnect(peerA)
	a.PushPeerConnect(peerB)
	assert.ElementsMatch(t, []pbft.PeerId{peerA, peerB}, a.ActivePeers())

	a.PushPeerDisconnect(peerA)
	assert.Equal(t, []pbft.PeerId{peerB}, a.ActivePeers())
}

func TestTrySendDropsWhenOutboundQueueFull(t *testing.T) {
	a, _, _ := singleNodeAgent(t, nil)

	for i := 0; i < outboundQueueCapacity; i++ {
		a.TrySend(nil, []byte{byte(i)})
	}
	assert.Len(t, a.outbound, outboundQueueCapacity)

	// One more must be dropped rather than block or grow the channel.
	done := make(chan struct{})
	go func() {
		a.TrySend(nil, []byte("overflow"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("TrySend blocked on a full outbound queue")
	}
	assert.Len(t, a.outbound, outboundQueueCapacity)
}

func TestRequestViewChangeDispatchesStartViewChangeOnDrain(t *testing.T) {
	a, _, state := singleNodeAgent(t, nil)

	a.RequestViewChange(1)
	a.drainQueue(context.Background())

	snap := state.Snapshot()
	assert.Equal(t, pbft.View(1), snap.View, "single-node NewView should land immediately")
	assert.Equal(t, pbft.Normal, snap.Mode)
}

func TestDrainQueueContinuesAfterHandlerError(t *testing.T) {
	a, _, state := singleNodeAgent(t, nil)

	// An unknown signer is rejected by HandlePeerMessage's membership
	// check (InvalidMessage); the driver loop must log and move on
	// rather than wedge the queue.
	var stranger pbft.PeerId
	stranger[0] = 0xFF
	body := pbft.PbftMessage{Info: pbft.MessageInfo{Type: pbft.MessageCommit, View: 0, Seq: 0, SignerID: stranger}}
	a.PushPeerMessage(&pbft.ParsedMessage{Message: pbft.PbftMessageWrapper{Kind: pbft.WrapMessage, Message: &body}})

	a.RequestViewChange(1)

	assert.NotPanics(t, func() { a.drainQueue(context.Background()) })
	assert.Equal(t, pbft.View(1), state.Snapshot().View, "a rejected event must not block later queued events")
}

func TestCheckTimeoutsStartsViewChangeOnIdleExpiry(t *testing.T) {
	a, _, state := singleNodeAgent(t, nil)

	state.Timeouts.Idle.Start(time.Millisecond)
	time.Sleep(5 * time.Millisecond) // let the background goroutine mark it expired

	a.checkTimeouts()
	a.drainQueue(context.Background())

	snap := state.Snapshot()
	assert.Equal(t, pbft.View(1), snap.View, "an expired idle timer must push a view-change event, which a single node completes at once")
	assert.Equal(t, pbft.Normal, snap.Mode)
}

func TestCheckTimeoutsIsNoopWhenNoTimerExpired(t *testing.T) {
	a, _, state := singleNodeAgent(t, nil)

	state.Timeouts.Idle.Start(time.Hour)
	a.checkTimeouts()
	a.drainQueue(context.Background())

	assert.Equal(t, pbft.Normal, state.Snapshot().Mode)
}

func TestReportStateUpdatesMetricsOnDrainWithoutPanicking(t *testing.T) {
	a, _, state := singleNodeAgent(t, sharedMetrics)

	var peer pbft.PeerId
	peer[0] = 0x01
	a.PushPeerConnect(peer)
	a.RequestViewChange(1)

	assert.NotPanics(t, func() { a.drainQueue(context.Background()) })
	assert.Equal(t, pbft.View(1), state.Snapshot().View)
}
