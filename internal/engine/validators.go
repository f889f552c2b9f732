package engine

import (
	"context"

	"github.com/meridianchain/pbft/internal/perrors"
	"github.com/meridianchain/pbft/internal/pbft"
)

// ValidatorSetContractAddress is the well-known address the validator
// election contract is queried at (§6).
const ValidatorSetContractAddress = "0x0000000000000000000000000000000000001000"

// ValidatorSetQuery is the on-chain read collaborator that returns the
// current validator set (§6). internal/rpcvalidators provides the
// JSON-RPC-backed implementation; internal/pbft/retry.go wraps calls to
// it with cancellable exponential backoff.
type ValidatorSetQuery interface {
	QueryValidators(ctx context.Context, contractAddress string, blockNumber pbft.SeqNum) ([]pbft.PeerId, error)
}

// AssemblePeerIDs packs raw 32-byte halves returned by a query into
// 64-byte PeerIds, per §6 ("returned as pairs of 32-byte halves
// assembled into 64-byte PeerIds; odd count is a hard error").
func AssemblePeerIDs(halves [][32]byte) ([]pbft.PeerId, error) {
	if len(halves)%2 != 0 {
		return nil, perrors.NewInternalError("query_validators returned an odd count of 32-byte halves: %d", len(halves))
	}
	ids := make([]pbft.PeerId, 0, len(halves)/2)
	for i := 0; i < len(halves); i += 2 {
		var id pbft.PeerId
		copy(id[:32], halves[i][:])
		copy(id[32:], halves[i+1][:])
		ids = append(ids, id)
	}
	return ids, nil
}
