package crypto

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-notary/pkg/types"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// Signer signs 32-byte digests with a secp256k1 key.
type Signer interface {
	Sign(hash []byte) ([]byte, error)
	// PublicKey returns the compressed 33-byte public key.
	PublicKey() []byte
}

// PrivateKey wraps a secp256k1 private key for Schnorr signing.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// GenerateKey creates a new random secp256k1 private key.
func GenerateKey() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromBytes creates a PrivateKey from a 32-byte secret.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	return &PrivateKey{key: secp256k1.PrivKeyFromBytes(b)}, nil
}

// Sign produces a Schnorr signature over a 32-byte hash.
func (pk *PrivateKey) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	sig, err := schnorr.Sign(pk.key, hash)
	if err != nil {
		return nil, fmt.Errorf("schnorr sign: %w", err)
	}
	return sig.Serialize(), nil
}

// PublicKey returns the compressed 33-byte public key.
func (pk *PrivateKey) PublicKey() []byte {
	return pk.key.PubKey().SerializeCompressed()
}

// Serialize returns the 32-byte private key scalar.
func (pk *PrivateKey) Serialize() []byte {
	return pk.key.Serialize()
}

// Zero wipes the key material.
func (pk *PrivateKey) Zero() {
	pk.key.Zero()
}

// ValidatePubKey checks that b is a well-formed compressed public key.
func ValidatePubKey(b []byte) error {
	if len(b) != secp256k1.PubKeyBytesLenCompressed {
		return fmt.Errorf("public key must be %d bytes, got %d", secp256k1.PubKeyBytesLenCompressed, len(b))
	}
	if _, err := secp256k1.ParsePubKey(b); err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}
	return nil
}

// VerifySignature checks a Schnorr signature against a 32-byte hash
// and a compressed public key. Returns false on any error.
func VerifySignature(hash, signature, publicKey []byte) bool {
	pubKey, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(signature)
	if err != nil {
		return false
	}
	return sig.Verify(hash, pubKey)
}

// DigitalSignature is a signature together with the key that made it.
// Notaries return one over the transaction id.
type DigitalSignature struct {
	By    types.HexBytes `json:"by"`
	Bytes types.HexBytes `json:"sig"`
}

// SignHash signs h with s and records the signing key.
func SignHash(s Signer, h types.Hash) (*DigitalSignature, error) {
	sig, err := s.Sign(h[:])
	if err != nil {
		return nil, err
	}
	return &DigitalSignature{By: s.PublicKey(), Bytes: sig}, nil
}

// Verify reports whether the signature is valid for h under its key.
func (d *DigitalSignature) Verify(h types.Hash) bool {
	if d == nil {
		return false
	}
	return VerifySignature(h[:], d.Bytes, d.By)
}

// KeyID returns the id of the signing key.
func (d *DigitalSignature) KeyID() types.KeyID {
	return KeyIDFromPubKey(d.By)
}
