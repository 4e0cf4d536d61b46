// Package storage provides key-value database abstractions shared by the
// commit log, the vault and the peer ban store.
package storage

import "errors"

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("key not found")
	// ErrConflict is returned by Batch.Commit when a concurrent writer
	// touched the same keys. Retrying the batch may succeed.
	ErrConflict = errors.New("write conflict")
	// ErrClosed is returned by operations on a closed database.
	ErrClosed = errors.New("database closed")
)

// DB is the interface for key-value storage.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix in key order.
	// The callback receives a copy of the key and value.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Batcher
	Close() error
}

// Batch buffers writes and applies them atomically on Commit.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
	// Discard releases the batch without writing. Safe after Commit.
	Discard()
}

// Batcher creates atomic write batches.
type Batcher interface {
	NewBatch() Batch
}
