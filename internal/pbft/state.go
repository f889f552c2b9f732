package pbft

import (
	"sync"
	"time"

	"github.com/meridianchain/pbft/internal/perrors"
)

// State is the per-node mutable condition described in §3: view,
// sequence number, phase, mode, membership, identity, timers,
// timestamps.
type State struct {
	mu sync.Mutex

	ID         PeerId
	Membership *Membership
	F          int

	View   View
	SeqNum SeqNum
	Phase  Phase
	// FinishingCatchupAgain is the bool carried by Phase == Finishing,
	// spec.md's Finishing(bool): whether a follow-up catch-up attempt
	// should be made once the commit lands.
	FinishingCatchupAgain bool

	Mode       Mode
	TargetView View

	ChainHead           BlockID
	LastBlockTimestamp  time.Time
	BecomingValidator   bool

	Timeouts *Timeouts
}

// NewState builds a State for id within the given membership.
func NewState(id PeerId, membership *Membership, timeouts *Timeouts) *State {
	return &State{
		ID:         id,
		Membership: membership,
		F:          membership.F(),
		Phase:      PrePreparing,
		Mode:       Normal,
		Timeouts:   timeouts,
	}
}

// IsPrimary reports whether id is the primary at the node's current view.
func (s *State) IsPrimary(id PeerId) bool {
	return s.Membership.Primary(s.View) == id
}

// IsPrimaryAt reports whether id is the primary at view v.
func (s *State) IsPrimaryAt(id PeerId, v View) bool {
	return s.Membership.Primary(v) == id
}

// legalPhaseTransitions enumerates spec.md §3's allowed phase order:
// PrePreparing -> Preparing -> Committing -> Finishing -> PrePreparing.
var legalPhaseTransitions = map[Phase][]Phase{
	PrePreparing: {Preparing},
	Preparing:    {Committing},
	Committing:   {Finishing},
	Finishing:    {PrePreparing},
}

// SwitchPhase validates and applies a phase transition, returning an
// InternalError for an illegal transition rather than panicking (§9
// design note).
func (s *State) SwitchPhase(next Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allowed := range legalPhaseTransitions[s.Phase] {
		if allowed == next {
			s.Phase = next
			return nil
		}
	}
	return perrors.NewInternalError("illegal phase transition %s -> %s", s.Phase, next)
}

// ResetPhaseForViewChange resets phase to PrePreparing unless the node
// is already Finishing, matching the ViewChange exception to the normal
// phase order in §3's Invariants.
func (s *State) ResetPhaseForViewChange() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Phase != Finishing {
		s.Phase = PrePreparing
	}
}

// ForcePhase sets phase directly, bypassing legalPhaseTransitions. Only
// Catchup (§4.7) uses this: catching up on a future block's embedded
// seal jumps straight to Finishing from whatever phase the node was in,
// which is not a transition the normal PrePreparing->...->Finishing
// order permits.
func (s *State) ForcePhase(next Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Phase = next
}

// Snapshot returns a read-only copy of the fields handlers commonly
// branch on, taken under the state's lock.
type Snapshot struct {
	View                  View
	SeqNum                SeqNum
	Phase                 Phase
	FinishingCatchupAgain bool
	Mode                  Mode
	TargetView            View
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		View:                  s.View,
		SeqNum:                s.SeqNum,
		Phase:                 s.Phase,
		FinishingCatchupAgain: s.FinishingCatchupAgain,
		Mode:                  s.Mode,
		TargetView:            s.TargetView,
	}
}

// SetViewChanging enters ViewChangingMode targeting v.
func (s *State) SetViewChanging(v View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Mode = ViewChangingMode
	s.TargetView = v
}

// SetNormal returns to Normal mode.
func (s *State) SetNormal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Mode = Normal
	s.TargetView = 0
}
