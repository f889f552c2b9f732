// Package engine declares the external collaborator interfaces the
// PBFT core is driven through: block execution, header storage, seal
// persistence, network transport, and on-chain validator-set queries.
// Per spec.md §1 these are all out of scope for this repo's own logic;
// this package only names the boundary.
package engine

import (
	"context"

	"github.com/meridianchain/pbft/internal/pbft"
)

// ExecutionEngine is the block-building and validation collaborator
// (§6). None of its methods are implemented by this repo; concrete
// adapters live in a caller-owned package and are injected into
// internal/pbft's StateMachine.
type ExecutionEngine interface {
	// InitializeBlock begins building a new block on top of parent, or
	// the current chain head if parent is nil.
	InitializeBlock(ctx context.Context, parent *pbft.BlockID) error

	// CheckBlocks asks the engine to validate the block built from
	// payloadID/payload. isPrimary distinguishes a self-authored
	// proposal from one received over the network.
	CheckBlocks(ctx context.Context, payloadID uint64, payload []byte, isPrimary bool) error

	// SummarizeBlock asks the engine to summarize the block at seq
	// against the given validator account set, ahead of proposing it.
	SummarizeBlock(ctx context.Context, seq pbft.SeqNum, validatorAccounts []pbft.PeerId) error

	// FinalizeBlock completes the in-progress build and returns the
	// resulting payload handle and payload bytes.
	FinalizeBlock(ctx context.Context) (payloadID uint64, payload []byte, err error)

	// CommitBlock instructs the engine to commit blockID and returns its
	// payload.
	CommitBlock(ctx context.Context, blockID pbft.BlockID) ([]byte, error)

	// CancelBlock abandons any in-progress block build.
	CancelBlock(ctx context.Context) error

	// FailBlock reports that blockID is invalid or otherwise unusable.
	FailBlock(ctx context.Context, blockID pbft.BlockID) error

	// AnnounceBlock asks the engine to fetch blockID from a peer after
	// an AnnounceBlock notice (§4.9).
	AnnounceBlock(ctx context.Context, blockID pbft.BlockID) error
}
