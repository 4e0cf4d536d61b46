// derive_key.go prints the pubkey and key id for a hex-encoded private key
// file, or for a mnemonic at a notary derivation path.
// Usage: go run scripts/derive_key.go <keyfile>
//
//	go run scripts/derive_key.go -mnemonic "<words>" [role] [index]
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Klingon-tech/klingnet-notary/internal/keystore"
	"github.com/Klingon-tech/klingnet-notary/pkg/crypto"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: derive_key <keyfile> | -mnemonic <words> [role] [index]")
		os.Exit(1)
	}
	var (
		key *crypto.PrivateKey
		err error
	)
	if os.Args[1] == "-mnemonic" {
		key, err = fromMnemonic(os.Args[2:])
	} else {
		key, err = fromFile(os.Args[1])
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	pub := key.PublicKey()
	fmt.Printf("pubkey=%s\n", hex.EncodeToString(pub))
	fmt.Printf("key_id=%s\n", crypto.KeyIDFromPubKey(pub))
}

func fromFile(path string) (*crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, err
	}
	return crypto.PrivateKeyFromBytes(keyBytes)
}

func fromMnemonic(args []string) (*crypto.PrivateKey, error) {
	if len(args) == 0 || !keystore.ValidateMnemonic(args[0]) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	role := keystore.RoleNotary
	var index uint64
	if len(args) > 1 {
		r, err := keystore.ParseRole(args[1])
		if err != nil {
			return nil, err
		}
		role = r
	}
	if len(args) > 2 {
		i, err := strconv.ParseUint(args[2], 10, 32)
		if err != nil {
			return nil, err
		}
		index = i
	}
	seed, err := keystore.SeedFromMnemonic(args[0], "")
	if err != nil {
		return nil, err
	}
	fmt.Printf("path=%s\n", keystore.Path(role, uint32(index)))
	return keystore.DeriveKey(seed, role, uint32(index))
}
