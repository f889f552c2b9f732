// Package pbft implements the core of the PBFT consensus engine: the
// message-driven state machine, its message log and garbage collection,
// the view-change subprotocol, seal construction and verification, the
// catch-up path, and the dynamic validator-set update procedure.
package pbft

import "time"

// PeerId is an opaque validator identity derived from a public key.
type PeerId [64]byte

// BlockID is the 32-byte hash identifying a block.
type BlockID [32]byte

// View is a monotonically non-decreasing configuration identifier.
type View uint64

// SeqNum is the block height the node is currently working to commit.
type SeqNum uint64

// MessageType tags every consensus message variant.
type MessageType byte

const (
	MessagePrePrepare MessageType = iota
	MessagePrepare
	MessageCommit
	MessageViewChange
	MessageNewView
	MessageSeal
	MessageSealRequest
	MessageAnnounceBlock
	MessageBlockNew
	MessageNewValidator
)

func (t MessageType) String() string {
	switch t {
	case MessagePrePrepare:
		return "PrePrepare"
	case MessagePrepare:
		return "Prepare"
	case MessageCommit:
		return "Commit"
	case MessageViewChange:
		return "ViewChange"
	case MessageNewView:
		return "NewView"
	case MessageSeal:
		return "Seal"
	case MessageSealRequest:
		return "SealRequest"
	case MessageAnnounceBlock:
		return "AnnounceBlock"
	case MessageBlockNew:
		return "BlockNew"
	case MessageNewValidator:
		return "NewValidator"
	default:
		return "Unknown"
	}
}

// Phase is the per-node PBFT round phase (§3 Phase).
type Phase int

const (
	PrePreparing Phase = iota
	Preparing
	Committing
	Finishing
)

func (p Phase) String() string {
	switch p {
	case PrePreparing:
		return "PrePreparing"
	case Preparing:
		return "Preparing"
	case Committing:
		return "Committing"
	case Finishing:
		return "Finishing"
	default:
		return "Unknown"
	}
}

// Mode is the node's top-level operating mode (§3 Mode).
type Mode int

const (
	Normal Mode = iota
	ViewChangingMode
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "Normal"
	case ViewChangingMode:
		return "ViewChanging"
	default:
		return "Unknown"
	}
}

// ModeState carries the Mode tag plus the view-changing target, mirroring
// the spec's Mode = {Normal, ViewChanging(target_view)}.
type ModeState struct {
	Mode        Mode
	TargetView  View
}

// MessageInfo is carried by every consensus message.
type MessageInfo struct {
	Type     MessageType
	View     View
	Seq      SeqNum
	SignerID PeerId
}

// PbftMessage is the payload shape used by PrePrepare, Prepare, Commit,
// ViewChange, SealRequest and AnnounceBlock.
type PbftMessage struct {
	Info    MessageInfo
	BlockID BlockID
}

// SignedVote binds a header, its signature, and the inner message bytes
// it attests to, so that a vote can be aggregated into a Seal without
// re-signing the inner message (§3 SignedVote).
type SignedVote struct {
	HeaderBytes     []byte
	HeaderSignature [65]byte
	MessageBytes    []byte
}

// Seal proves that >=2f+1 distinct validators committed BlockID at
// (Info.View, Info.Seq).
type Seal struct {
	Info        MessageInfo
	BlockID     BlockID
	CommitVotes []SignedVote
}

// NewView carries the ViewChange votes justifying a primary's move to a
// new view.
type NewView struct {
	Info        MessageInfo
	ViewChanges []SignedVote
}

// Block is the abstract block type this package consumes; the concrete
// block content, execution payload, and payload-builder handle are all
// owned by the execution engine collaborator (§6).
type Block interface {
	Num() SeqNum
	ID() BlockID
	ParentID() BlockID
	SealBytes() []byte
	PayloadID() uint64
	Payload() []byte
}

// WrapperKind tags a PbftMessageWrapper's populated field (§9 design
// note: polymorphism as a tagged variant, never subtype dispatch).
type WrapperKind int

const (
	WrapMessage WrapperKind = iota
	WrapNewView
	WrapSeal
	WrapBlockNew
	WrapNewValidator
)

// PbftMessageWrapper is the tagged union of every message variant a peer
// can send.
type PbftMessageWrapper struct {
	Kind         WrapperKind
	Message      *PbftMessage
	NewView      *NewView
	Seal         *Seal
	BlockNew     Block
	NewValidator *PeerId
}

// ParsedMessage is a wrapper message plus the bookkeeping the log and
// state machine need: whether the node authored it, and the raw header
// material so it can be folded back into a SignedVote when building a
// Seal or NewView.
type ParsedMessage struct {
	HeaderBytes     []byte
	HeaderSignature [65]byte
	MessageBytes    []byte
	Message         PbftMessageWrapper
	FromSelf        bool
	ReceivedAt      time.Time
}

// GetPbft returns the PbftMessage view of a ParsedMessage, for the
// common case (PrePrepare/Prepare/Commit/ViewChange/SealRequest/
// AnnounceBlock) where wrapper.Kind == WrapMessage.
func (p *ParsedMessage) GetPbft() (*PbftMessage, bool) {
	if p.Message.Kind != WrapMessage || p.Message.Message == nil {
		return nil, false
	}
	return p.Message.Message, true
}

// Info returns the MessageInfo of whichever variant is populated.
func (p *ParsedMessage) Info() MessageInfo {
	switch p.Message.Kind {
	case WrapMessage:
		return p.Message.Message.Info
	case WrapNewView:
		return p.Message.NewView.Info
	case WrapSeal:
		return p.Message.Seal.Info
	default:
		return MessageInfo{}
	}
}

// GetBlockID returns the block_id of whichever variant carries one.
func (p *ParsedMessage) GetBlockID() BlockID {
	switch p.Message.Kind {
	case WrapMessage:
		return p.Message.Message.BlockID
	case WrapSeal:
		return p.Message.Seal.BlockID
	case WrapBlockNew:
		return p.Message.BlockNew.ID()
	default:
		return BlockID{}
	}
}
