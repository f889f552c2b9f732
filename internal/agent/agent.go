// Package agent implements the messaging agent of spec.md §5 and §3.9:
// the single shared-state object sitting between the PBFT state
// machine and the P2P transport, and the single-threaded driver loop
// that is the only goroutine allowed to mutate consensus state.
package agent

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianchain/pbft/internal/engine"
	"github.com/meridianchain/pbft/internal/metrics"
	"github.com/meridianchain/pbft/internal/pbft"
	"github.com/meridianchain/pbft/internal/perrors"
)

// knownPhases lists every pbft.Phase name, for zeroing the phase gauge
// vector before setting the current one.
var knownPhases = []string{
	pbft.PrePreparing.String(),
	pbft.Preparing.String(),
	pbft.Committing.String(),
	pbft.Finishing.String(),
}

// outboundQueueCapacity is the bounded outbound channel's fixed
// capacity (§5). A full channel logs and drops rather than blocking.
const outboundQueueCapacity = 1024

// eventKind tags the single FIFO's heterogeneous event union — the
// driver loop's one queue standing in for the teacher's three separate
// goroutines (messageHandler/requestHandler/timerHandler in
// internal/consensus/bft/pbft.go) funneled into one.
type eventKind int

const (
	eventPeerMessage eventKind = iota
	eventPeerConnect
	eventPeerDisconnect
	eventBlockNew
	eventBlockValid
	eventBlockInvalid
	eventBlockCommit
	eventTimerCheck
	eventViewChangeRequest
)

type event struct {
	kind        eventKind
	msg         *pbft.ParsedMessage
	peer        pbft.PeerId
	block       pbft.Block
	blockID     pbft.BlockID
	commitInfo  engine.BlockCommitEvent
	targetView  pbft.View
}

// outboundMsg is a queued broadcast: payload plus the peer subset to
// send to (nil/empty means every peer).
type outboundMsg struct {
	peers   []pbft.PeerId
	payload []byte
}

// Agent is the single struct behind a reader-writer lock described in
// §5: an inbound event FIFO, the active-peer set, and a bounded
// outbound channel whose send never blocks.
type Agent struct {
	mu         sync.RWMutex
	queue      *list.List
	activePeer map[pbft.PeerId]struct{}

	outbound chan outboundMsg
	notify   chan struct{}

	sm        *pbft.StateMachine
	state     *pbft.State
	transport engine.Transport
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New builds an Agent driving sm over transport. metrics may be nil,
// in which case no gauges are updated.
func New(sm *pbft.StateMachine, state *pbft.State, transport engine.Transport, m *metrics.Metrics, logger *zap.Logger) *Agent {
	return &Agent{
		queue:      list.New(),
		activePeer: make(map[pbft.PeerId]struct{}),
		outbound:   make(chan outboundMsg, outboundQueueCapacity),
		notify:     make(chan struct{}, 1),
		sm:         sm,
		state:      state,
		transport:  transport,
		metrics:    m,
		logger:     logger,
	}
}

func (a *Agent) push(e event) {
	a.mu.Lock()
	a.queue.PushBack(e)
	a.mu.Unlock()
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

func (a *Agent) pop() (event, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	front := a.queue.Front()
	if front == nil {
		return event{}, false
	}
	a.queue.Remove(front)
	return front.Value.(event), true
}

// PushPeerMessage enqueues a received peer message.
func (a *Agent) PushPeerMessage(msg *pbft.ParsedMessage) { a.push(event{kind: eventPeerMessage, msg: msg}) }

// PushPeerConnect enqueues a peer-connect event and marks the peer
// active.
func (a *Agent) PushPeerConnect(peer pbft.PeerId) {
	a.mu.Lock()
	a.activePeer[peer] = struct{}{}
	a.mu.Unlock()
	a.push(event{kind: eventPeerConnect, peer: peer})
}

// PushPeerDisconnect enqueues a peer-disconnect event.
func (a *Agent) PushPeerDisconnect(peer pbft.PeerId) {
	a.mu.Lock()
	delete(a.activePeer, peer)
	a.mu.Unlock()
	a.push(event{kind: eventPeerDisconnect, peer: peer})
}

// PushBlockNew enqueues an execution-engine BlockNew notification.
func (a *Agent) PushBlockNew(block pbft.Block) { a.push(event{kind: eventBlockNew, block: block}) }

// PushBlockValid enqueues an execution-engine BlockValid notification.
func (a *Agent) PushBlockValid(id pbft.BlockID) { a.push(event{kind: eventBlockValid, blockID: id}) }

// PushBlockInvalid enqueues an execution-engine BlockInvalid
// notification.
func (a *Agent) PushBlockInvalid(id pbft.BlockID) { a.push(event{kind: eventBlockInvalid, blockID: id}) }

// PushBlockCommit enqueues an execution-engine BlockCommit
// notification.
func (a *Agent) PushBlockCommit(ev engine.BlockCommitEvent) {
	a.push(event{kind: eventBlockCommit, commitInfo: ev})
}

// RequestViewChange enqueues an operator-triggered view change request
// (admin API POST /view-change), processed on the driver loop like any
// other event rather than calling into StateMachine from the HTTP
// goroutine.
func (a *Agent) RequestViewChange(target pbft.View) {
	a.push(event{kind: eventViewChangeRequest, targetView: target})
}

// ActivePeers returns a snapshot of the currently-connected peer set.
func (a *Agent) ActivePeers() []pbft.PeerId {
	a.mu.RLock()
	defer a.mu.RUnlock()
	peers := make([]pbft.PeerId, 0, len(a.activePeer))
	for p := range a.activePeer {
		peers = append(peers, p)
	}
	return peers
}

// TrySend queues payload for peers (nil/empty means broadcast to all)
// on the bounded outbound channel. A full channel logs and drops
// (§5's explicitly safety-preserving degraded-liveness choice) instead
// of blocking the driver loop.
func (a *Agent) TrySend(peers []pbft.PeerId, payload []byte) {
	select {
	case a.outbound <- outboundMsg{peers: peers, payload: payload}:
	default:
		a.logger.Warn("outbound queue full, dropping broadcast", zap.Int("capacity", outboundQueueCapacity))
	}
}

// Run is the single driver-loop goroutine: it drains the inbound event
// FIFO, the bounded outbound channel, and on each tick checks the state
// machine's three timers, turning any expiry into an eventTimerCheck on
// the same FIFO every other event flows through. It is the only
// goroutine that calls into StateMachine (§5).
func (a *Agent) Run(ctx context.Context) error {
	incoming, err := a.transport.PendingConsensusListener(ctx)
	if err != nil {
		return perrors.NewServiceError("pending_consensus_listener failed: %v", err)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-incoming:
			if !ok {
				return nil
			}
			a.handleIncomingEnvelope(env)

		case out := <-a.outbound:
			if err := a.transport.BroadcastConsensus(ctx, out.peers, out.payload); err != nil {
				a.logger.Warn("transport broadcast failed", zap.Error(err))
			}

		case <-a.notify:
			a.drainQueue(ctx)

		case <-ticker.C:
			a.checkTimeouts()
			a.drainQueue(ctx)
		}
	}
}

// checkTimeouts polls the three timers (§4.1) and, on any expiry, pushes
// an eventTimerCheck onto the FIFO targeting the next view — timers
// never preempt a handler, they only ever fire as queued events,
// matching the teacher's timerHandler feeding handleTimeout/
// initiateViewChange off timeoutCh/viewChangeCh.
func (a *Agent) checkTimeouts() {
	t := a.state.Timeouts
	idle := t.Idle.CheckExpired()
	commit := t.Commit.CheckExpired()
	viewChange := t.ViewChange.CheckExpired()
	if !idle && !commit && !viewChange {
		return
	}
	target := a.state.Snapshot().View + 1
	a.push(event{kind: eventTimerCheck, targetView: target})
}

func (a *Agent) handleIncomingEnvelope(env engine.IncomingEnvelope) {
	vote, err := pbft.DecodeEnvelope(env.Payload)
	if err != nil {
		a.logger.Warn("dropping malformed envelope", zap.Error(err))
		return
	}
	header, wrapper, err := pbft.DecodeSignedEnvelope(vote)
	if err != nil {
		a.logger.Warn("dropping envelope with undecodable body", zap.Error(err))
		return
	}
	_ = header
	a.PushPeerMessage(&pbft.ParsedMessage{
		HeaderBytes:     vote.HeaderBytes,
		HeaderSignature: vote.HeaderSignature,
		MessageBytes:    vote.MessageBytes,
		Message:         wrapper,
		ReceivedAt:      time.Now(),
	})
}

func (a *Agent) drainQueue(ctx context.Context) {
	for {
		e, ok := a.pop()
		if !ok {
			return
		}
		if err := a.dispatch(ctx, e); err != nil {
			a.logPolicy(err)
			if a.metrics != nil {
				if ce, ok := perrors.As(err); ok {
					a.metrics.RecordMessageRejected(string(ce.Code))
				}
			}
		} else if a.metrics != nil {
			a.metrics.RecordMessageHandled(eventLabel(e.kind))
		}
		a.reportState()
	}
}

func eventLabel(k eventKind) string {
	switch k {
	case eventPeerMessage:
		return "peer_message"
	case eventPeerConnect:
		return "peer_connect"
	case eventPeerDisconnect:
		return "peer_disconnect"
	case eventBlockNew:
		return "block_new"
	case eventBlockValid:
		return "block_valid"
	case eventBlockInvalid:
		return "block_invalid"
	case eventBlockCommit:
		return "block_commit"
	case eventTimerCheck:
		return "timer_check"
	case eventViewChangeRequest:
		return "view_change_request"
	default:
		return "unknown"
	}
}

// reportState refreshes the view/seq/phase/peer gauges after handling
// an event, a no-op when metrics is nil.
func (a *Agent) reportState() {
	if a.metrics == nil {
		return
	}
	snap := a.state.Snapshot()
	a.metrics.SetView(uint64(snap.View))
	a.metrics.SetSeqNum(uint64(snap.SeqNum))
	a.metrics.SetPhase(snap.Phase.String(), knownPhases)
	a.metrics.SetPeersConnected(len(a.ActivePeers()))
}

// logPolicy applies §7's propagation policy: the driver loop logs
// errors at ERROR/WARN and continues, except f==0 after a membership
// change, which panics inside StateMachine.OnBlockCommit itself rather
// than here (it must happen before any further event is processed).
func (a *Agent) logPolicy(err error) {
	ce, ok := perrors.As(err)
	if !ok {
		a.logger.Error("unrecognized error from state machine", zap.Error(err))
		return
	}
	switch ce.Code {
	case perrors.InvalidMessage, perrors.FaultyPrimary, perrors.SerializationError:
		a.logger.Warn("consensus event rejected", zap.String("code", string(ce.Code)), zap.Error(err))
	default:
		a.logger.Error("consensus event failed", zap.String("code", string(ce.Code)), zap.Error(err))
	}
}

func (a *Agent) dispatch(ctx context.Context, e event) error {
	switch e.kind {
	case eventPeerMessage:
		return a.sm.HandlePeerMessage(ctx, e.msg)
	case eventPeerConnect:
		return a.sm.BootstrapCommit(ctx, e.peer)
	case eventPeerDisconnect:
		return nil
	case eventBlockNew:
		return a.sm.OnBlockNew(ctx, e.block)
	case eventBlockValid:
		return a.sm.OnBlockValid(ctx, e.blockID)
	case eventBlockInvalid:
		return a.sm.OnBlockInvalid(ctx, e.blockID)
	case eventBlockCommit:
		return a.sm.OnBlockCommit(ctx, e.commitInfo.BlockID, e.commitInfo.Timestamp, e.commitInfo.Committing)
	case eventTimerCheck:
		if err := a.sm.StartViewChange(ctx, e.targetView); err != nil {
			return err
		}
		if a.metrics != nil {
			a.metrics.IncViewChange()
		}
		return nil
	case eventViewChangeRequest:
		if err := a.sm.StartViewChange(ctx, e.targetView); err != nil {
			return err
		}
		if a.metrics != nil {
			a.metrics.IncViewChange()
		}
		return nil
	default:
		return nil
	}
}
