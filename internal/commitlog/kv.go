package commitlog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-notary/internal/storage"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

// Key prefixes for the KV commit log.
var (
	prefixRequest = []byte("r/") // r/<request id> -> Request JSON
	prefixState   = []byte("s/") // s/<txid><index> -> consuming txid
	prefixTx      = []byte("t/") // t/<txid> -> empty
)

// KVLog implements Log on a storage.DB.
type KVLog struct {
	db             storage.DB
	maxInputStates int
}

// NewKV creates a commit log backed by db. Lookups are split into chunks
// of maxInputStates refs.
func NewKV(db storage.DB, maxInputStates int) *KVLog {
	if maxInputStates <= 0 {
		maxInputStates = DefaultMaxInputStates
	}
	return &KVLog{db: db, maxInputStates: maxInputStates}
}

func requestKey(id string) []byte {
	return append(append([]byte{}, prefixRequest...), id...)
}

// stateKey builds "s/" + txid(32) + index(4).
func stateKey(ref types.StateRef) []byte {
	key := make([]byte, len(prefixState)+types.HashSize+4)
	copy(key, prefixState)
	copy(key[len(prefixState):], ref.TxID[:])
	binary.BigEndian.PutUint32(key[len(prefixState)+types.HashSize:], ref.Index)
	return key
}

func txKey(txID types.Hash) []byte {
	key := make([]byte, len(prefixTx)+types.HashSize)
	copy(key, prefixTx)
	copy(key[len(prefixTx):], txID[:])
	return key
}

func decodeHash(b []byte) (types.Hash, error) {
	var h types.Hash
	if len(b) != types.HashSize {
		return h, fmt.Errorf("bad consuming tx id length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// FindCommitted looks every ref up, one chunk at a time.
func (l *KVLog) FindCommitted(ctx context.Context, refs []types.StateRef) (map[types.StateRef]types.Hash, error) {
	found := make(map[types.StateRef]types.Hash)
	for _, chunk := range chunks(refs, l.maxInputStates) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, ref := range chunk {
			consumer, ok, err := l.ConsumingTx(ctx, ref)
			if err != nil {
				return nil, err
			}
			if ok {
				found[ref] = consumer
			}
		}
	}
	return found, nil
}

// ConsumingTx returns the tx that consumed ref.
func (l *KVLog) ConsumingTx(_ context.Context, ref types.StateRef) (types.Hash, bool, error) {
	data, err := l.db.Get(stateKey(ref))
	if errors.Is(err, storage.ErrNotFound) {
		return types.Hash{}, false, nil
	}
	if err != nil {
		return types.Hash{}, false, fmt.Errorf("committed state get %s: %w", ref, err)
	}
	h, err := decodeHash(data)
	if err != nil {
		return types.Hash{}, false, fmt.Errorf("committed state %s: %w", ref, err)
	}
	return h, true, nil
}

// IsTxCommitted checks the committed transaction index.
func (l *KVLog) IsTxCommitted(_ context.Context, txID types.Hash) (bool, error) {
	ok, err := l.db.Has(txKey(txID))
	if err != nil {
		return false, fmt.Errorf("committed tx has %s: %w", txID, err)
	}
	return ok, nil
}

// Request returns a logged request by id.
func (l *KVLog) Request(_ context.Context, id string) (*Request, error) {
	data, err := l.db.Get(requestKey(id))
	if err != nil {
		return nil, fmt.Errorf("request get %s: %w", id, err)
	}
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("request unmarshal: %w", err)
	}
	return &r, nil
}

// PersistBatch writes requests, committed states and committed txs in a
// single storage batch. A state already owned by a different transaction
// aborts the whole batch with ErrStateConsumed.
func (l *KVLog) PersistBatch(ctx context.Context, b *Batch) error {
	if b.Empty() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	batch := l.db.NewBatch()
	defer batch.Discard()

	for _, r := range b.Requests {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("request marshal: %w", err)
		}
		if err := batch.Put(requestKey(r.ID), data); err != nil {
			return fmt.Errorf("request put: %w", err)
		}
	}
	for _, s := range b.States {
		existing, ok, err := l.ConsumingTx(ctx, s.Ref)
		if err != nil {
			return err
		}
		if ok && existing != s.ConsumingTxID {
			return fmt.Errorf("%w: %s consumed by %s", ErrStateConsumed, s.Ref, existing)
		}
		if err := batch.Put(stateKey(s.Ref), s.ConsumingTxID.Bytes()); err != nil {
			return fmt.Errorf("committed state put: %w", err)
		}
	}
	for _, txID := range b.Transactions {
		if err := batch.Put(txKey(txID), []byte{}); err != nil {
			return fmt.Errorf("committed tx put: %w", err)
		}
	}

	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit log batch: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (l *KVLog) Close() error {
	return l.db.Close()
}
