package pbft

import "sync"

// logKey is the set-semantics dedup key described in §9: "the log's
// 'duplicate message' set semantics should be enforced at insertion, not
// by scanning at query time." Every accepted message is keyed by
// (type, view, seq, signer, block_id).
type logKey struct {
	Type     MessageType
	View     View
	Seq      SeqNum
	SignerID PeerId
	BlockID  BlockID
}

// Log is the in-memory store of received consensus messages and blocks
// described in §4.2. All query methods are O(n) scans over a slice
// snapshot built from the dedup map, which spec.md explicitly allows
// since the log is bounded by GarbageCollect.
type Log struct {
	mu sync.RWMutex

	messages map[logKey]*ParsedMessage
	order    []logKey // insertion order, for stable iteration

	validatedBlocks   map[BlockID]Block
	unvalidatedBlocks map[BlockID]Block
}

// NewLog builds an empty Log.
func NewLog() *Log {
	return &Log{
		messages:          make(map[logKey]*ParsedMessage),
		validatedBlocks:   make(map[BlockID]Block),
		unvalidatedBlocks: make(map[BlockID]Block),
	}
}

func keyOf(msg *ParsedMessage) logKey {
	info := msg.Info()
	return logKey{Type: info.Type, View: info.View, Seq: info.Seq, SignerID: info.SignerID, BlockID: msg.GetBlockID()}
}

// AddMessage inserts msg, silently ignoring an exact duplicate by
// (type, view, seq, signer, block_id) — idempotent by construction.
func (l *Log) AddMessage(msg *ParsedMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := keyOf(msg)
	if _, exists := l.messages[k]; exists {
		return
	}
	l.messages[k] = msg
	l.order = append(l.order, k)
}

func (l *Log) scan(pred func(logKey) bool) []*ParsedMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*ParsedMessage
	for _, k := range l.order {
		if pred(k) {
			out = append(out, l.messages[k])
		}
	}
	return out
}

// GetMessagesOfTypeSeq returns every message of the given type at seq.
func (l *Log) GetMessagesOfTypeSeq(t MessageType, seq SeqNum) []*ParsedMessage {
	return l.scan(func(k logKey) bool { return k.Type == t && k.Seq == seq })
}

// GetMessagesOfTypeView returns every message of the given type at view.
func (l *Log) GetMessagesOfTypeView(t MessageType, view View) []*ParsedMessage {
	return l.scan(func(k logKey) bool { return k.Type == t && k.View == view })
}

// GetMessagesOfTypeSeqView returns every message of the given type at
// (seq, view).
func (l *Log) GetMessagesOfTypeSeqView(t MessageType, seq SeqNum, view View) []*ParsedMessage {
	return l.scan(func(k logKey) bool { return k.Type == t && k.Seq == seq && k.View == view })
}

// GetMessagesOfTypeSeqViewBlock returns every message of the given type
// at (seq, view, block_id).
func (l *Log) GetMessagesOfTypeSeqViewBlock(t MessageType, seq SeqNum, view View, bid BlockID) []*ParsedMessage {
	return l.scan(func(k logKey) bool {
		return k.Type == t && k.Seq == seq && k.View == view && k.BlockID == bid
	})
}

// HasPrePrepare reports whether a PrePrepare is logged at (seq, view,
// bid).
func (l *Log) HasPrePrepare(seq SeqNum, view View, bid BlockID) bool {
	return len(l.GetMessagesOfTypeSeqViewBlock(MessagePrePrepare, seq, view, bid)) > 0
}

// DistinctSigners counts distinct signer ids among msgs — the quorum
// arithmetic used throughout §4.3/§4.4 needs distinct signers, not raw
// message counts, since a duplicate is already excluded at AddMessage
// but a defensive count guards callers building slices by hand.
func DistinctSigners(msgs []*ParsedMessage) int {
	seen := make(map[PeerId]struct{}, len(msgs))
	for _, m := range msgs {
		seen[m.Info().SignerID] = struct{}{}
	}
	return len(seen)
}

// AddValidatedBlock stores b as validated.
func (l *Log) AddValidatedBlock(b Block) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.validatedBlocks[b.ID()] = b
}

// AddUnvalidatedBlock stores b as unvalidated.
func (l *Log) AddUnvalidatedBlock(b Block) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unvalidatedBlocks[b.ID()] = b
}

// GetBlockWithID returns the validated block with the given id, if any.
func (l *Log) GetBlockWithID(id BlockID) (Block, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.validatedBlocks[id]
	return b, ok
}

// GetUnvalidatedBlockWithID returns the unvalidated block with the given
// id, if any.
func (l *Log) GetUnvalidatedBlockWithID(id BlockID) (Block, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.unvalidatedBlocks[id]
	return b, ok
}

// GetBlocksWithNum returns every validated block at height n — there may
// be more than one if a faulty primary equivocated.
func (l *Log) GetBlocksWithNum(n SeqNum) []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Block
	for _, b := range l.validatedBlocks {
		if b.Num() == n {
			out = append(out, b)
		}
	}
	return out
}

// BlockValidated promotes an unvalidated block to validated and returns
// it, or reports false if it wasn't present as unvalidated.
func (l *Log) BlockValidated(id BlockID) (Block, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.unvalidatedBlocks[id]
	if !ok {
		return nil, false
	}
	delete(l.unvalidatedBlocks, id)
	l.validatedBlocks[id] = b
	return b, true
}

// BlockInvalidated removes id from the unvalidated set, reporting
// whether it was present.
func (l *Log) BlockInvalidated(id BlockID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.unvalidatedBlocks[id]; !ok {
		return false
	}
	delete(l.unvalidatedBlocks, id)
	return true
}

// RemoveBlock drops id from both the validated and unvalidated sets.
func (l *Log) RemoveBlock(id BlockID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.validatedBlocks, id)
	delete(l.unvalidatedBlocks, id)
}

// GarbageCollect drops every message with seq outside
// [seqNum-K, seqNum+K] and every ViewChange message for a view <= the
// node's retained view floor, plus every block with block_num <
// seqNum-K, per §3 Lifecycle.
func (l *Log) GarbageCollect(seqNum SeqNum, k uint64, currentView View) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lowSeq := int64(seqNum) - int64(k)
	highSeq := int64(seqNum) + int64(k)

	kept := l.order[:0:0]
	for _, key := range l.order {
		if key.Type == MessageViewChange && key.View <= currentView {
			continue
		}
		if int64(key.Seq) < lowSeq || int64(key.Seq) > highSeq {
			continue
		}
		kept = append(kept, key)
	}
	newMessages := make(map[logKey]*ParsedMessage, len(kept))
	for _, key := range kept {
		newMessages[key] = l.messages[key]
	}
	l.messages = newMessages
	l.order = kept

	floor := SeqNum(0)
	if lowSeq > 0 {
		floor = SeqNum(lowSeq)
	}
	for id, b := range l.validatedBlocks {
		if b.Num() < floor {
			delete(l.validatedBlocks, id)
		}
	}
	for id, b := range l.unvalidatedBlocks {
		if b.Num() < floor {
			delete(l.unvalidatedBlocks, id)
		}
	}
}
