// Package execstub is a single-process, in-memory stand-in for the
// execution-engine collaborator (engine.ExecutionEngine,
// engine.BlockStore) used by cmd/validator's demo wiring. spec.md §1 scopes
// block execution out of this repo; a real deployment injects an
// execution-client adapter here instead.
package execstub

import (
	"context"
	"fmt"
	"sync"

	"github.com/meridianchain/pbft/internal/engine"
	"github.com/meridianchain/pbft/internal/pbft"
)

// Block is execstub's concrete pbft.Block: a numbered, content-hashed
// block with no real payload and an attached seal for its parent.
type Block struct {
	num       pbft.SeqNum
	id        pbft.BlockID
	parentID  pbft.BlockID
	payload   []byte
	sealBytes []byte
	payloadID uint64
}

func (b *Block) Num() pbft.SeqNum       { return b.num }
func (b *Block) ID() pbft.BlockID       { return b.id }
func (b *Block) ParentID() pbft.BlockID { return b.parentID }
func (b *Block) SealBytes() []byte      { return b.sealBytes }
func (b *Block) PayloadID() uint64      { return b.payloadID }
func (b *Block) Payload() []byte        { return b.payload }

var _ pbft.Block = (*Block)(nil)

// Engine implements engine.ExecutionEngine and engine.BlockStore by
// deterministically hashing an incrementing counter into a block id,
// with no real transaction content.
type Engine struct {
	mu sync.Mutex

	headers map[pbft.BlockID]*Block
	latest  *Block

	building *Block
	nextNum  pbft.SeqNum
}

// New builds an empty Engine at the genesis height.
func New() *Engine {
	return &Engine{headers: make(map[pbft.BlockID]*Block), nextNum: 1}
}

var (
	_ engine.ExecutionEngine = (*Engine)(nil)
	_ engine.BlockStore      = (*Engine)(nil)
)

func (e *Engine) InitializeBlock(ctx context.Context, parent *pbft.BlockID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var parentID pbft.BlockID
	if parent != nil {
		parentID = *parent
	} else if e.latest != nil {
		parentID = e.latest.id
	}
	num := e.nextNum
	payload := []byte(fmt.Sprintf("payload-%d", num))
	id := pbft.Keccak256(parentID[:], payload)
	e.building = &Block{num: num, id: id, parentID: parentID, payload: payload, payloadID: uint64(num)}
	return nil
}

func (e *Engine) CheckBlocks(ctx context.Context, payloadID uint64, payload []byte, isPrimary bool) error {
	return nil
}

func (e *Engine) SummarizeBlock(ctx context.Context, seq pbft.SeqNum, validatorAccounts []pbft.PeerId) error {
	return nil
}

func (e *Engine) FinalizeBlock(ctx context.Context) (uint64, []byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.building == nil {
		return 0, nil, fmt.Errorf("no block in progress")
	}
	return uint64(e.building.num), e.building.payload, nil
}

func (e *Engine) CommitBlock(ctx context.Context, blockID pbft.BlockID) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.building != nil && e.building.id == blockID {
		e.headers[blockID] = e.building
		e.latest = e.building
		e.nextNum = e.building.num + 1
		e.building = nil
		return nil, nil
	}
	if b, ok := e.headers[blockID]; ok {
		return b.payload, nil
	}
	return nil, fmt.Errorf("unknown block %x", blockID)
}

func (e *Engine) CancelBlock(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.building = nil
	return nil
}

func (e *Engine) FailBlock(ctx context.Context, blockID pbft.BlockID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.building != nil && e.building.id == blockID {
		e.building = nil
	}
	return nil
}

func (e *Engine) AnnounceBlock(ctx context.Context, blockID pbft.BlockID) error {
	return nil
}

func (e *Engine) LatestHeader(ctx context.Context) (*engine.Header, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latest == nil {
		return nil, false, nil
	}
	return &engine.Header{Num: e.latest.num, ID: e.latest.id, ParentID: e.latest.parentID}, true, nil
}

func (e *Engine) SealedHeaderByID(ctx context.Context, id pbft.BlockID) (*engine.SealedHeader, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.headers[id]
	if !ok {
		return nil, false, nil
	}
	return &engine.SealedHeader{Header: engine.Header{Num: b.num, ID: b.id, ParentID: b.parentID}}, true, nil
}

func (e *Engine) HeaderByID(ctx context.Context, id pbft.BlockID) (*engine.Header, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.headers[id]
	if !ok {
		return nil, false, nil
	}
	return &engine.Header{Num: b.num, ID: b.id, ParentID: b.parentID}, true, nil
}
