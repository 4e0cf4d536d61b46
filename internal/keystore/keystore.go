package keystore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Klingon-tech/klingnet-notary/pkg/crypto"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

const (
	fileVersion = 1
	fileExt     = ".key"
)

var (
	ErrExists   = errors.New("key already exists")
	ErrNotFound = errors.New("key not found")
)

// keyFile is the on-disk JSON form of one identity.
type keyFile struct {
	Version    int            `json:"version"`
	Name       string         `json:"name"`
	PubKey     types.HexBytes `json:"pubkey"`
	KeyID      types.KeyID    `json:"key_id"`
	Derivation string         `json:"derivation,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	SealedKey  []byte         `json:"sealed_key"`
}

// Identity is an unlocked key together with the party it signs as.
type Identity struct {
	Party types.Party
	Key   *crypto.PrivateKey
}

// KeyID returns the identity's key id.
func (id *Identity) KeyID() types.KeyID {
	return crypto.KeyIDFromPubKey(id.Party.PubKey)
}

// Keystore manages sealed key files in a directory.
type Keystore struct {
	dir string
}

// New opens a keystore rooted at dir, creating the directory if needed.
func New(dir string) (*Keystore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	return &Keystore{dir: dir}, nil
}

// Path returns the file a named key is stored in.
func (ks *Keystore) Path(name string) string {
	return filepath.Join(ks.dir, name+fileExt)
}

// Create derives the key for role and index from seed and stores it under name.
func (ks *Keystore) Create(name string, seed []byte, role Role, index uint32, password []byte, params Params) (*types.Party, error) {
	key, err := DeriveKey(seed, role, index)
	if err != nil {
		return nil, err
	}
	defer key.Zero()
	return ks.write(name, key, Path(role, index), password, params)
}

// Import stores an existing private key under name.
func (ks *Keystore) Import(name string, key *crypto.PrivateKey, password []byte, params Params) (*types.Party, error) {
	return ks.write(name, key, "", password, params)
}

func (ks *Keystore) write(name string, key *crypto.PrivateKey, derivation string, password []byte, params Params) (*types.Party, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	path := ks.Path(name)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, name)
	}

	pub := key.PublicKey()
	secret := key.Serialize()
	defer wipe(secret)
	sealed, err := Seal(secret, password, []byte(name), params)
	if err != nil {
		return nil, fmt.Errorf("seal key: %w", err)
	}
	kf := keyFile{
		Version:    fileVersion,
		Name:       name,
		PubKey:     pub,
		KeyID:      crypto.KeyIDFromPubKey(pub),
		Derivation: derivation,
		CreatedAt:  time.Now().UTC(),
		SealedKey:  sealed,
	}
	data, err := json.MarshalIndent(&kf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return &types.Party{Name: name, PubKey: pub}, nil
}

// Unlock decrypts the named key.
func (ks *Keystore) Unlock(name string, password []byte) (*Identity, error) {
	return UnlockFile(ks.Path(name), password)
}

// Public returns the party of the named key without decrypting it.
func (ks *Keystore) Public(name string) (*types.Party, error) {
	kf, err := readKeyFile(ks.Path(name))
	if err != nil {
		return nil, err
	}
	return &types.Party{Name: kf.Name, PubKey: kf.PubKey}, nil
}

// List returns the names of all stored keys, sorted by file name.
func (ks *Keystore) List() ([]string, error) {
	entries, err := os.ReadDir(ks.dir)
	if err != nil {
		return nil, fmt.Errorf("read keystore dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != fileExt {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), fileExt))
	}
	return names, nil
}

// Delete removes the named key file.
func (ks *Keystore) Delete(name string) error {
	err := os.Remove(ks.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return err
}

// UnlockFile decrypts a key file at an explicit path.
func UnlockFile(path string, password []byte) (*Identity, error) {
	kf, err := readKeyFile(path)
	if err != nil {
		return nil, err
	}
	secret, err := Open(kf.SealedKey, password, []byte(kf.Name))
	if err != nil {
		return nil, err
	}
	defer wipe(secret)
	key, err := crypto.PrivateKeyFromBytes(secret)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	pub := key.PublicKey()
	if !bytes.Equal(kf.PubKey, pub) {
		key.Zero()
		return nil, fmt.Errorf("key file %s: public key does not match sealed key", path)
	}
	return &Identity{Party: types.Party{Name: kf.Name, PubKey: pub}, Key: key}, nil
}

func readKeyFile(path string) (*keyFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	if kf.Version != fileVersion {
		return nil, fmt.Errorf("unsupported key file version: %d", kf.Version)
	}
	return &kf, nil
}

func validName(name string) error {
	if name == "" {
		return errors.New("key name is empty")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid key name %q", name)
	}
	return nil
}
