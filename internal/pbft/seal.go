package pbft

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/meridianchain/pbft/internal/perrors"
)

// This file grounds §4.5 (vote and seal verification) on the original
// source's consensus.rs build_seal/verify_vote: a vote is a detached
// signature over a header that itself commits to a content hash of the
// inner message, and a seal is just >=2f such votes with distinct
// signers, none of them the seal's own signer, agreeing on
// (view, seq, block_id). btcec/v2's recoverable
// secp256k1 signatures stand in for the original's signature scheme,
// the way ethereum-go-ethereum's go.mod pulls in the same library.

// PeerIDFromPubKey derives a PeerId from an uncompressed secp256k1
// public key's (X, Y) coordinates.
func PeerIDFromPubKey(pub *btcec.PublicKey) PeerId {
	var id PeerId
	uncompressed := pub.SerializeUncompressed() // 0x04 || X || Y, 65 bytes
	copy(id[:], uncompressed[1:])
	return id
}

// SignHeader signs the Keccak-256 digest of an encoded header with priv,
// producing the 65-byte recoverable signature carried by SignedVote.
func SignHeader(priv *btcec.PrivateKey, headerBytes []byte) [65]byte {
	digest := Keccak256(headerBytes)
	sig := ecdsa.SignCompact(priv, digest[:], false)
	var out [65]byte
	copy(out[:], sig)
	return out
}

// VerifyVote validates a single SignedVote: the header's content hash
// must match the keccak256 of the message bytes, the signature must
// recover to a public key whose PeerId matches the header's claimed
// signer, and that signer must be a current member (§4.5).
func VerifyVote(v SignedVote, membership *Membership) (Header, error) {
	header, err := DecodeHeader(v.HeaderBytes)
	if err != nil {
		return Header{}, err
	}

	wantHash := Keccak256(v.MessageBytes)
	if header.ContentHash != wantHash {
		return Header{}, perrors.NewInvalidMessage("content hash mismatch for signer %x", header.SignerID)
	}

	digest := Keccak256(v.HeaderBytes)
	pub, _, err := ecdsa.RecoverCompact(v.HeaderSignature[:], digest[:])
	if err != nil {
		return Header{}, perrors.NewInvalidMessage("signature recovery failed: %v", err)
	}
	recovered := PeerIDFromPubKey(pub)
	if recovered != header.SignerID {
		return Header{}, perrors.NewInvalidMessage("signature signer %x does not match claimed signer %x", recovered, header.SignerID)
	}

	if !membership.Contains(header.SignerID) {
		return Header{}, perrors.NewInvalidMessage("signer %x is not a current validator", header.SignerID)
	}

	return header, nil
}

// BuildSeal aggregates commitVotes into a Seal for (view, seq, blockID),
// excluding the node's own vote and requiring at least 2f distinct
// external signers (i.e. 2f+1 total with the node's own commit),
// mirroring build_seal's self-exclusion and >=2f threshold.
func BuildSeal(info MessageInfo, blockID BlockID, commitVotes []SignedVote, membership *Membership, self PeerId) (*Seal, error) {
	f := membership.F()
	seen := make(map[PeerId]struct{})
	var kept []SignedVote
	for _, v := range commitVotes {
		header, err := VerifyVote(v, membership)
		if err != nil {
			continue
		}
		if header.MessageType != MessageCommit {
			continue
		}
		if header.SignerID == self {
			continue
		}
		var body PbftMessage
		if err := DecodeMessage(v.MessageBytes, &body); err != nil {
			continue
		}
		if body.Info.View != info.View || body.Info.Seq != info.Seq || body.BlockID != blockID {
			continue
		}
		if _, dup := seen[header.SignerID]; dup {
			continue
		}
		seen[header.SignerID] = struct{}{}
		kept = append(kept, v)
	}
	if len(seen) < 2*f {
		return nil, perrors.NewInvalidMessage("insufficient commit votes for seal: have %d distinct, need %d", len(seen), 2*f)
	}
	return &Seal{Info: info, BlockID: blockID, CommitVotes: kept}, nil
}

// VerifySeal checks a Seal against the membership at its parent height
// (§4.5): every vote passes vote verification for type Commit against
// the seal's own (view, seq, block_id); the voters are members and
// none is the seal's own signer; and at least 2f distinct voters
// remain.
func VerifySeal(seal *Seal, membership *Membership) error {
	if !membership.Contains(seal.Info.SignerID) {
		return perrors.NewInvalidMessage("seal signer %x is not a member", seal.Info.SignerID)
	}
	f := membership.F()
	seen := make(map[PeerId]struct{})
	for _, v := range seal.CommitVotes {
		header, err := VerifyVote(v, membership)
		if err != nil {
			return fmt.Errorf("seal: %w", err)
		}
		if header.MessageType != MessageCommit {
			return perrors.NewInvalidMessage("seal vote is not a Commit (got %s)", header.MessageType)
		}
		if header.SignerID == seal.Info.SignerID {
			return perrors.NewInvalidMessage("seal vote signer %x equals seal's own signer", header.SignerID)
		}
		var body PbftMessage
		if err := DecodeMessage(v.MessageBytes, &body); err != nil {
			return perrors.NewSerializationError(err, "decoding seal vote body")
		}
		if body.Info.View != seal.Info.View || body.Info.Seq != seal.Info.Seq || body.BlockID != seal.BlockID {
			return perrors.NewInvalidMessage("seal vote does not match seal (view/seq/block_id)")
		}
		seen[header.SignerID] = struct{}{}
	}
	if len(seen) < 2*f {
		return perrors.NewInvalidMessage("seal has %d distinct signers, need %d", len(seen), 2*f)
	}
	return nil
}

// VerifyNewView checks a NewView's embedded ViewChange votes (§4.5,
// §4.4 "Handling NewView"): every vote passes vote verification for
// type ViewChange against the NewView's target view, and at least 2f
// distinct signers are present.
func VerifyNewView(nv *NewView, membership *Membership) error {
	f := membership.F()
	seen := make(map[PeerId]struct{})
	for _, v := range nv.ViewChanges {
		header, err := VerifyVote(v, membership)
		if err != nil {
			return fmt.Errorf("new view: %w", err)
		}
		if header.MessageType != MessageViewChange {
			return perrors.NewInvalidMessage("new view vote is not a ViewChange (got %s)", header.MessageType)
		}
		var body PbftMessage
		if err := DecodeMessage(v.MessageBytes, &body); err != nil {
			return perrors.NewSerializationError(err, "decoding new view vote body")
		}
		if body.Info.View != nv.Info.View {
			return perrors.NewInvalidMessage("new view vote targets a different view")
		}
		seen[header.SignerID] = struct{}{}
	}
	if len(seen) < 2*f {
		return perrors.NewInvalidMessage("new view has %d distinct signers, need %d", len(seen), 2*f)
	}
	return nil
}
