package types

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// KeyIDSize is the length of a key identifier in bytes.
const KeyIDSize = 20

// KeyID is a short identifier of a public key: BLAKE3(compressed_pubkey)[:20].
type KeyID [KeyIDSize]byte

func (k KeyID) String() string {
	return hex.EncodeToString(k[:])
}

// MarshalJSON encodes the key id as hex.
func (k KeyID) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a hex key id.
func (k *KeyID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid key id hex: %w", err)
	}
	if len(b) != KeyIDSize {
		return fmt.Errorf("key id must be %d bytes, got %d", KeyIDSize, len(b))
	}
	copy(k[:], b)
	return nil
}

// Party is a named identity backed by a compressed secp256k1 public key.
// Notaries and requesters are both parties.
type Party struct {
	Name   string   `json:"name"`
	PubKey HexBytes `json:"pubkey"`
}

// Equal compares parties by key and name.
func (p *Party) Equal(other *Party) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.Name == other.Name && bytes.Equal(p.PubKey, other.PubKey)
}

func (p *Party) String() string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%s)", p.Name, hex.EncodeToString(p.PubKey))
}

// HexBytes is a byte slice that encodes as hex in JSON.
type HexBytes []byte

// MarshalJSON encodes the bytes as a hex string.
func (b HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(b))
}

// UnmarshalJSON decodes a hex string.
func (b *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex: %w", err)
	}
	*b = decoded
	return nil
}
