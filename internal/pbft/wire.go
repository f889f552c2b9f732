package pbft

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/sha3"

	"github.com/meridianchain/pbft/internal/perrors"
	"github.com/meridianchain/pbft/pkg/codec"
)

// Keccak256 hashes data with Keccak-256, the digest used throughout the
// wire format for content hashes and signature digests (§6). Grounded
// in MVerseZ-cerera's hashing.go, which draws the same hash from
// golang.org/x/crypto/sha3 via sha3.NewLegacyKeccak256.
func Keccak256(data ...[]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Header is the (message_type, content_hash, signer_id) triple signed
// to authenticate a consensus message (§6).
type Header struct {
	MessageType MessageType
	ContentHash [32]byte
	SignerID    PeerId
}

const headerLen = 1 + 32 + 64

// EncodeHeader packs a Header into its fixed 97-byte wire shape. This is
// manual byte packing rather than gob so the encoding is stable for use
// as a signature digest input — a self-describing codec's framing
// bytes would otherwise leak into what gets signed.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, headerLen)
	buf[0] = byte(h.MessageType)
	copy(buf[1:33], h.ContentHash[:])
	copy(buf[33:97], h.SignerID[:])
	return buf
}

// DecodeHeader unpacks a Header from its wire shape.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != headerLen {
		return Header{}, perrors.NewSerializationError(
			fmt.Errorf("want %d bytes, got %d", headerLen, len(b)), "decoding header")
	}
	var h Header
	h.MessageType = MessageType(b[0])
	copy(h.ContentHash[:], b[1:33])
	copy(h.SignerID[:], b[33:97])
	return h, nil
}

// EncodeMessage gob-encodes the inner message body (PbftMessage, Seal,
// NewView, ...) carried by a SignedVote's MessageBytes.
func EncodeMessage(v interface{}) ([]byte, error) {
	b, err := codec.Encode(v)
	if err != nil {
		return nil, perrors.NewSerializationError(err, "encoding message body")
	}
	return b, nil
}

// DecodeMessage gob-decodes an inner message body into v.
func DecodeMessage(data []byte, v interface{}) error {
	if err := codec.Decode(data, v); err != nil {
		return perrors.NewSerializationError(err, "decoding message body")
	}
	return nil
}

// WriteFrame writes a length-prefixed frame: a big-endian uint32 length
// followed by payload, so a stream transport can split consecutive
// consensus envelopes.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame written by WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read frame payload: %w", err)
	}
	return payload, nil
}

// EncodeEnvelope gob-encodes a SignedVote's three fields into one byte
// slice suitable for a Transport's byte-oriented broadcast. It adds no
// length prefix; WriteFrame does that for stream transports.
func EncodeEnvelope(v SignedVote) ([]byte, error) {
	env := wireEnvelope{HeaderBytes: v.HeaderBytes, HeaderSignature: v.HeaderSignature, MessageBytes: v.MessageBytes}
	payload, err := codec.Encode(env)
	if err != nil {
		return nil, perrors.NewSerializationError(err, "encoding envelope")
	}
	return payload, nil
}

// DecodeEnvelope unpacks a byte slice produced by EncodeEnvelope back
// into a SignedVote.
func DecodeEnvelope(data []byte) (SignedVote, error) {
	var env wireEnvelope
	if err := codec.Decode(data, &env); err != nil {
		return SignedVote{}, perrors.NewSerializationError(err, "decoding envelope")
	}
	return SignedVote{HeaderBytes: env.HeaderBytes, HeaderSignature: env.HeaderSignature, MessageBytes: env.MessageBytes}, nil
}

type wireEnvelope struct {
	HeaderBytes     []byte
	HeaderSignature [65]byte
	MessageBytes    []byte
}

// EncodeWrapperBody gob-encodes the variant of w selected by its Kind,
// producing the MessageBytes a SignedVote/envelope carries.
// PrePrepare/Prepare/Commit/ViewChange/SealRequest/AnnounceBlock all
// carry a PbftMessage; NewView and Seal carry their own struct;
// NewValidator carries a bare PeerId. BlockNew is not wire-encoded here:
// the block payload is opaque execution-engine content outside this
// package's abstract Block interface, so transporting it is the
// injected Transport/ExecutionEngine's job, not this codec's.
func EncodeWrapperBody(w PbftMessageWrapper) ([]byte, error) {
	switch w.Kind {
	case WrapMessage:
		return EncodeMessage(*w.Message)
	case WrapNewView:
		return EncodeMessage(*w.NewView)
	case WrapSeal:
		return EncodeMessage(*w.Seal)
	case WrapNewValidator:
		return EncodeMessage(*w.NewValidator)
	default:
		return nil, perrors.NewSerializationError(
			fmt.Errorf("unsupported wrapper kind %d for wire encoding", w.Kind), "encoding wrapper body")
	}
}

// DecodeWrapperBody decodes data into the wrapper variant matching mt.
func DecodeWrapperBody(mt MessageType, data []byte) (PbftMessageWrapper, error) {
	switch mt {
	case MessagePrePrepare, MessagePrepare, MessageCommit, MessageViewChange, MessageSealRequest, MessageAnnounceBlock:
		var body PbftMessage
		if err := DecodeMessage(data, &body); err != nil {
			return PbftMessageWrapper{}, err
		}
		return PbftMessageWrapper{Kind: WrapMessage, Message: &body}, nil
	case MessageNewView:
		var body NewView
		if err := DecodeMessage(data, &body); err != nil {
			return PbftMessageWrapper{}, err
		}
		return PbftMessageWrapper{Kind: WrapNewView, NewView: &body}, nil
	case MessageSeal:
		var body Seal
		if err := DecodeMessage(data, &body); err != nil {
			return PbftMessageWrapper{}, err
		}
		return PbftMessageWrapper{Kind: WrapSeal, Seal: &body}, nil
	case MessageNewValidator:
		var body PeerId
		if err := DecodeMessage(data, &body); err != nil {
			return PbftMessageWrapper{}, err
		}
		return PbftMessageWrapper{Kind: WrapNewValidator, NewValidator: &body}, nil
	default:
		return PbftMessageWrapper{}, perrors.NewSerializationError(
			fmt.Errorf("unsupported message type %s for wire decoding", mt), "decoding wrapper body")
	}
}

// EncodeSignedEnvelope builds and signs a full wire envelope for w,
// whose header carries mt, the body's content hash and self as signer,
// using priv to sign.
func EncodeSignedEnvelope(priv *btcec.PrivateKey, self PeerId, mt MessageType, w PbftMessageWrapper) (SignedVote, error) {
	body, err := EncodeWrapperBody(w)
	if err != nil {
		return SignedVote{}, err
	}
	contentHash := Keccak256(body)
	headerBytes := EncodeHeader(Header{MessageType: mt, ContentHash: contentHash, SignerID: self})
	sig := SignHeader(priv, headerBytes)
	return SignedVote{HeaderBytes: headerBytes, HeaderSignature: sig, MessageBytes: body}, nil
}

// DecodeSignedEnvelope decodes the header and wrapper body out of a
// SignedVote received over the wire, without verifying the signature —
// callers that need authentication should use VerifyVote.
func DecodeSignedEnvelope(v SignedVote) (Header, PbftMessageWrapper, error) {
	header, err := DecodeHeader(v.HeaderBytes)
	if err != nil {
		return Header{}, PbftMessageWrapper{}, err
	}
	wrapper, err := DecodeWrapperBody(header.MessageType, v.MessageBytes)
	if err != nil {
		return Header{}, PbftMessageWrapper{}, err
	}
	return header, wrapper, nil
}
