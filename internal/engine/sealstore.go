package engine

import (
	"context"

	"github.com/meridianchain/pbft/internal/pbft"
)

// SealStore persists the seal bytes proving each committed block (§6).
// internal/sealstore provides the Postgres/Redis-backed implementation;
// the test suites define their own in-memory fixtures.
type SealStore interface {
	SaveConsensusContent(ctx context.Context, blockID pbft.BlockID, sealBytes []byte) error
	ConsensusContent(ctx context.Context, blockID pbft.BlockID) ([]byte, bool, error)
}
