// Package commitlog is the notary's durable record of every request it has
// seen, every state it has let a transaction consume, and every zero-input
// transaction it has notarised.
package commitlog

import (
	"context"
	"errors"
	"time"

	"github.com/Klingon-tech/klingnet-notary/internal/storage"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

// ErrStateConsumed is returned by PersistBatch when a state is already
// committed to a different transaction. The batch is not written.
var ErrStateConsumed = errors.New("state already consumed by another transaction")

// DefaultMaxInputStates bounds the number of refs per lookup query.
const DefaultMaxInputStates = 2000

// Request is one row of the request log. Rows are written once.
type Request struct {
	ID            string         `json:"id"`
	ConsumingTxID types.Hash     `json:"consuming_tx_id"`
	Requester     string         `json:"requester"`
	Signature     types.HexBytes `json:"signature"`
	SubmittedAt   time.Time      `json:"submitted_at"`
}

// CommittedState records that Ref was consumed by ConsumingTxID.
type CommittedState struct {
	Ref           types.StateRef `json:"ref"`
	ConsumingTxID types.Hash     `json:"consuming_tx_id"`
}

// Batch is everything one processed batch writes. It is applied atomically.
type Batch struct {
	Requests     []Request
	States       []CommittedState
	Transactions []types.Hash
}

// Empty reports whether the batch has nothing to write.
func (b *Batch) Empty() bool {
	return b == nil || len(b.Requests)+len(b.States)+len(b.Transactions) == 0
}

// Log is the persistent commit log.
type Log interface {
	// FindCommitted returns the consuming tx of every ref in refs that has
	// been committed. Refs that are free are absent from the result.
	FindCommitted(ctx context.Context, refs []types.StateRef) (map[types.StateRef]types.Hash, error)
	// IsTxCommitted reports whether txID is recorded as a notarised
	// zero-input transaction.
	IsTxCommitted(ctx context.Context, txID types.Hash) (bool, error)
	// ConsumingTx returns the transaction that consumed ref, if any.
	ConsumingTx(ctx context.Context, ref types.StateRef) (types.Hash, bool, error)
	// PersistBatch writes b in one transaction.
	PersistBatch(ctx context.Context, b *Batch) error
	Close() error
}

// IsTransient reports whether err is worth retrying: a SQLite busy or
// locked database, an optimistic transaction conflict in the KV store, or
// a state committed by another writer after the batch read the log. A
// retry re-reads the log, so the losing request resolves as a conflict.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, storage.ErrConflict) || errors.Is(err, ErrStateConsumed) {
		return true
	}
	return isSQLiteBusy(err)
}

// chunks splits refs into slices of at most size elements.
func chunks(refs []types.StateRef, size int) [][]types.StateRef {
	if size <= 0 {
		size = DefaultMaxInputStates
	}
	var out [][]types.StateRef
	for len(refs) > size {
		out = append(out, refs[:size])
		refs = refs[size:]
	}
	if len(refs) > 0 {
		out = append(out, refs)
	}
	return out
}
