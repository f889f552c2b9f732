package pbft

import (
	"bytes"
	"sort"
)

// Membership is the deterministically-ordered validator set used for
// primary selection (§3 PeerId: "a deterministic ordering used for
// primary selection"). The original source derives order from the
// on-chain query's natural return order; this repo instead sorts
// byte-wise at construction so the order is stable regardless of the
// RPC's pagination (documented as an explicit deviation in DESIGN.md —
// spec.md only requires *a* deterministic order, not this one).
type Membership struct {
	members []PeerId
	index   map[PeerId]int
}

// NewMembership builds a Membership from an unordered peer set.
func NewMembership(peers []PeerId) *Membership {
	sorted := make([]PeerId, len(peers))
	copy(sorted, peers)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})
	index := make(map[PeerId]int, len(sorted))
	for i, p := range sorted {
		index[p] = i
	}
	return &Membership{members: sorted, index: index}
}

// Len returns the validator count N.
func (m *Membership) Len() int { return len(m.members) }

// F returns the maximum tolerated Byzantine fault count, floor((N-1)/3).
func (m *Membership) F() int { return (len(m.members) - 1) / 3 }

// Primary returns the designated proposer for view v: members[v mod N].
func (m *Membership) Primary(v View) PeerId {
	n := len(m.members)
	if n == 0 {
		return PeerId{}
	}
	return m.members[uint64(v)%uint64(n)]
}

// Contains reports whether p is a member.
func (m *Membership) Contains(p PeerId) bool {
	_, ok := m.index[p]
	return ok
}

// Peers returns the ordered member slice. Callers must not mutate it.
func (m *Membership) Peers() []PeerId { return m.members }

// Update diffs new against the current set and returns the peers added
// and removed along with whether anything changed. It does not mutate m;
// callers replace their Membership pointer with the result of
// NewMembership(new) when changed is true, matching §4.6's "consult
// on-chain membership ... if changed, update" flow.
func (m *Membership) Update(newPeers []PeerId) (added, removed []PeerId, changed bool) {
	updated := NewMembership(newPeers)
	for _, p := range updated.members {
		if !m.Contains(p) {
			added = append(added, p)
		}
	}
	for _, p := range m.members {
		if !updated.Contains(p) {
			removed = append(removed, p)
		}
	}
	changed = len(added) > 0 || len(removed) > 0
	return added, removed, changed
}
