package engine

import (
	"context"

	"github.com/meridianchain/pbft/internal/pbft"
)

// Header is the minimal block header shape the core needs from the
// block store to resolve parentage during catch-up and bootstrap.
type Header struct {
	Num      pbft.SeqNum
	ID       pbft.BlockID
	ParentID pbft.BlockID
}

// SealedHeader is a Header plus the seal proving its parent.
type SealedHeader struct {
	Header
	SealBytes []byte
}

// BlockStore is the header-provider collaborator (§6).
type BlockStore interface {
	LatestHeader(ctx context.Context) (*Header, bool, error)
	SealedHeaderByID(ctx context.Context, id pbft.BlockID) (*SealedHeader, bool, error)
	HeaderByID(ctx context.Context, id pbft.BlockID) (*Header, bool, error)
}
