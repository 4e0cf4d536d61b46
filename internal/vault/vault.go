// Package vault stores the transactions a party knows about, so that the
// producing transaction of any state can be looked up, and resolves the
// dependency chain a validating notary needs to see.
package vault

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-notary/internal/storage"
	"github.com/Klingon-tech/klingnet-notary/pkg/crypto"
	"github.com/Klingon-tech/klingnet-notary/pkg/tx"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

// Vault errors.
var (
	ErrNotFound      = errors.New("transaction not found")
	ErrNoSuchOutput  = errors.New("no such output")
	ErrMissingParent = errors.New("dependency not in vault")
)

// Key prefixes for the vault.
var (
	prefixTx  = []byte("x/") // x/<txid> -> Transaction JSON
	prefixSig = []byte("g/") // g/<txid> -> notary DigitalSignature JSON
)

// Vault is a transaction store backed by a storage.DB.
type Vault struct {
	db storage.DB
}

// New creates a vault on db.
func New(db storage.DB) *Vault {
	return &Vault{db: db}
}

func key(prefix []byte, id types.Hash) []byte {
	k := make([]byte, len(prefix)+types.HashSize)
	copy(k, prefix)
	copy(k[len(prefix):], id[:])
	return k
}

// Put stores t under its id. Storing the same transaction twice is a no-op.
func (v *Vault) Put(t *tx.Transaction) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("vault marshal: %w", err)
	}
	if err := v.db.Put(key(prefixTx, t.ID()), data); err != nil {
		return fmt.Errorf("vault put: %w", err)
	}
	return nil
}

// PutAll stores txs atomically.
func (v *Vault) PutAll(txs []*tx.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	batch := v.db.NewBatch()
	defer batch.Discard()
	for _, t := range txs {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("vault marshal: %w", err)
		}
		if err := batch.Put(key(prefixTx, t.ID()), data); err != nil {
			return fmt.Errorf("vault put: %w", err)
		}
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("vault commit: %w", err)
	}
	return nil
}

// Get loads a transaction by id.
func (v *Vault) Get(id types.Hash) (*tx.Transaction, error) {
	data, err := v.db.Get(key(prefixTx, id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("vault get: %w", err)
	}
	var t tx.Transaction
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("vault unmarshal: %w", err)
	}
	return &t, nil
}

// Has reports whether the vault holds id.
func (v *Vault) Has(id types.Hash) (bool, error) {
	return v.db.Has(key(prefixTx, id))
}

// Output returns the state ref points at.
func (v *Vault) Output(ref types.StateRef) (*tx.Output, error) {
	t, err := v.Get(ref.TxID)
	if err != nil {
		return nil, err
	}
	if int(ref.Index) >= len(t.Outputs) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchOutput, ref)
	}
	out := t.Outputs[ref.Index]
	return &out, nil
}

// NotaryOf returns the notary of the transaction that produced ref. The
// party is nil when that transaction names no notary.
func (v *Vault) NotaryOf(ref types.StateRef) (*types.Party, error) {
	t, err := v.Get(ref.TxID)
	if err != nil {
		return nil, err
	}
	if int(ref.Index) >= len(t.Outputs) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchOutput, ref)
	}
	return t.Notary, nil
}

// PutNotarySignature records the notary's signature for a transaction.
func (v *Vault) PutNotarySignature(id types.Hash, sig *crypto.DigitalSignature) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("vault marshal signature: %w", err)
	}
	if err := v.db.Put(key(prefixSig, id), data); err != nil {
		return fmt.Errorf("vault put signature: %w", err)
	}
	return nil
}

// NotarySignature returns the recorded notary signature for id.
func (v *Vault) NotarySignature(id types.Hash) (*crypto.DigitalSignature, error) {
	data, err := v.db.Get(key(prefixSig, id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: signature for %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("vault get signature: %w", err)
	}
	var sig crypto.DigitalSignature
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("vault unmarshal signature: %w", err)
	}
	return &sig, nil
}

// ForEach iterates over every stored transaction in id order.
func (v *Vault) ForEach(fn func(*tx.Transaction) error) error {
	return v.db.ForEach(prefixTx, func(_, value []byte) error {
		var t tx.Transaction
		if err := json.Unmarshal(value, &t); err != nil {
			return fmt.Errorf("vault unmarshal: %w", err)
		}
		return fn(&t)
	})
}

// Chain returns every transaction t transitively depends on through its
// inputs and references, parents before children, each once. It fails
// with ErrMissingParent if any link is absent.
func (v *Vault) Chain(t *tx.Transaction) ([]*tx.Transaction, error) {
	var (
		order   []*tx.Transaction
		visited = make(map[types.Hash]bool)
	)
	var visit func(id types.Hash, path map[types.Hash]bool) error
	visit = func(id types.Hash, path map[types.Hash]bool) error {
		if visited[id] {
			return nil
		}
		if path[id] {
			return fmt.Errorf("dependency cycle at %s", id)
		}
		parent, err := v.Get(id)
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrMissingParent, id)
		}
		if err != nil {
			return err
		}
		path[id] = true
		for _, pid := range parents(parent) {
			if err := visit(pid, path); err != nil {
				return err
			}
		}
		delete(path, id)
		visited[id] = true
		order = append(order, parent)
		return nil
	}

	for _, pid := range parents(t) {
		if err := visit(pid, make(map[types.Hash]bool)); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// parents lists the distinct producing tx ids of t's inputs and references.
func parents(t *tx.Transaction) []types.Hash {
	seen := make(map[types.Hash]bool)
	var ids []types.Hash
	for _, refs := range [][]types.StateRef{t.Inputs, t.References} {
		for _, r := range refs {
			if !seen[r.TxID] {
				seen[r.TxID] = true
				ids = append(ids, r.TxID)
			}
		}
	}
	return ids
}
