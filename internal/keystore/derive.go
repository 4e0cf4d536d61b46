package keystore

import (
	"fmt"

	"github.com/tyler-smith/go-bip32"

	"github.com/Klingon-tech/klingnet-notary/pkg/crypto"
)

// Derivation path: m/44'/8888'/role'/0/index
const (
	PurposeBIP44     = bip32.FirstHardenedChild + 44
	CoinTypeKlingnet = bip32.FirstHardenedChild + 8888
)

// Role separates notary keys from client keys derived from the same seed.
type Role uint32

const (
	RoleNotary Role = 0
	RoleClient Role = 1
)

func (r Role) String() string {
	switch r {
	case RoleNotary:
		return "notary"
	case RoleClient:
		return "client"
	default:
		return fmt.Sprintf("role(%d)", uint32(r))
	}
}

// ParseRole parses "notary" or "client".
func ParseRole(s string) (Role, error) {
	switch s {
	case "notary":
		return RoleNotary, nil
	case "client":
		return RoleClient, nil
	}
	return 0, fmt.Errorf("unknown role %q (want notary or client)", s)
}

// Path renders the derivation path for role and index.
func Path(role Role, index uint32) string {
	return fmt.Sprintf("m/44'/8888'/%d'/0/%d", uint32(role), index)
}

// DeriveKey derives the identity key for role and index from a seed.
func DeriveKey(seed []byte, role Role, index uint32) (*crypto.PrivateKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	if index >= bip32.FirstHardenedChild {
		return nil, fmt.Errorf("index %d out of range", index)
	}
	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}
	for _, idx := range []uint32{PurposeBIP44, CoinTypeKlingnet, bip32.FirstHardenedChild + uint32(role), 0, index} {
		if key, err = key.NewChildKey(idx); err != nil {
			return nil, fmt.Errorf("derive %s: %w", Path(role, index), err)
		}
	}
	// bip32 pads private keys to 33 bytes with a leading zero.
	raw := key.Key
	if len(raw) == 33 && raw[0] == 0 {
		raw = raw[1:]
	}
	return crypto.PrivateKeyFromBytes(raw)
}
