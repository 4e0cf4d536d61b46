// Package crypto provides the hashing and signing primitives used by the
// notary and its clients.
package crypto

import (
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
	"github.com/zeebo/blake3"
)

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// TaggedHash hashes parts under a domain tag so that signatures made for
// one purpose cannot be replayed for another.
func TaggedHash(tag string, parts ...[]byte) types.Hash {
	h := blake3.New()
	tagHash := blake3.Sum256([]byte(tag))
	h.Write(tagHash[:])
	for _, p := range parts {
		h.Write(p)
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// KeyIDFromPubKey derives a key id from a compressed public key.
// KeyID = BLAKE3(compressed_pubkey)[:20].
func KeyIDFromPubKey(pubKey []byte) types.KeyID {
	h := Hash(pubKey)
	var id types.KeyID
	copy(id[:], h[:types.KeyIDSize])
	return id
}
