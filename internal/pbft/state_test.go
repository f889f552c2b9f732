package pbft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestState() *State {
	self := mkPeer(1)
	membership := NewMembership([]PeerId{self, mkPeer(2), mkPeer(3), mkPeer(4)})
	return NewState(self, membership, NewTimeouts(0))
}

func TestNewStateStartsInPrePreparingNormal(t *testing.T) {
	s := newTestState()
	snap := s.Snapshot()
	assert.Equal(t, PrePreparing, snap.Phase)
	assert.Equal(t, Normal, snap.Mode)
	assert.Equal(t, View(0), snap.View)
}

func TestSwitchPhaseFollowsLegalOrder(t *testing.T) {
	s := newTestState()
	require.NoError(t, s.SwitchPhase(Preparing))
	require.NoError(t, s.SwitchPhase(Committing))
	require.NoError(t, s.SwitchPhase(Finishing))
	require.NoError(t, s.SwitchPhase(PrePreparing))
	assert.Equal(t, PrePreparing, s.Snapshot().Phase)
}

func TestSwitchPhaseRejectsIllegalTransition(t *testing.T) {
	s := newTestState()
	err := s.SwitchPhase(Committing) // skipping Preparing
	assert.Error(t, err)
	assert.Equal(t, PrePreparing, s.Snapshot().Phase)
}

func TestForcePhaseBypassesLegalOrder(t *testing.T) {
	s := newTestState()
	s.ForcePhase(Finishing)
	assert.Equal(t, Finishing, s.Snapshot().Phase)
}

func TestResetPhaseForViewChangeSkipsFinishing(t *testing.T) {
	s := newTestState()
	require.NoError(t, s.SwitchPhase(Preparing))
	s.ResetPhaseForViewChange()
	assert.Equal(t, PrePreparing, s.Snapshot().Phase)

	s.ForcePhase(Finishing)
	s.ResetPhaseForViewChange()
	assert.Equal(t, Finishing, s.Snapshot().Phase, "Finishing must not be reset mid view change")
}

func TestIsPrimaryMatchesMembershipOrdering(t *testing.T) {
	s := newTestState()
	primaryAtZero := s.Membership.Primary(0)
	assert.Equal(t, primaryAtZero == s.ID, s.IsPrimary(s.ID))
	assert.True(t, s.IsPrimaryAt(primaryAtZero, 0))
}

func TestSetViewChangingAndSetNormal(t *testing.T) {
	s := newTestState()
	s.SetViewChanging(3)
	snap := s.Snapshot()
	assert.Equal(t, ViewChangingMode, snap.Mode)
	assert.Equal(t, View(3), snap.TargetView)

	s.SetNormal()
	snap = s.Snapshot()
	assert.Equal(t, Normal, snap.Mode)
	assert.Equal(t, View(0), snap.TargetView)
}
