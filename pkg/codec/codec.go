// Package codec provides the gob-based structured encoding shared by
// the wire envelope in internal/pbft/wire.go. There is no generated
// RLP/protobuf codec available in this repo (the original source's wire
// types come from a build step this repo doesn't run), and gob is the
// stdlib's native structured codec, so it's what fills that gap — see
// DESIGN.md for why no third-party serializer from the example pack was
// reached for instead.
package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Encode gob-encodes v.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode gob-decodes data into v, which must be a pointer.
func Decode(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("codec: decode: %w", err)
	}
	return nil
}
