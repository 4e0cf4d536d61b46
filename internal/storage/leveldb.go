package storage

import (
	"errors"
	"fmt"

	klog "github.com/Klingon-tech/klingnet-notary/internal/log"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var levelDBOptions = opt.Options{
	Compression:            opt.NoCompression,
	BlockCacheCapacity:     64 * opt.MiB,
	WriteBuffer:            32 * opt.MiB,
	DisableSeeksCompaction: true,
}

// LevelDB implements DB using goleveldb.
type LevelDB struct {
	ldb *leveldb.DB
}

// NewLevelDB opens (or creates) a LevelDB database at path. A corrupted
// database is recovered in place.
func NewLevelDB(path string) (*LevelDB, error) {
	ldb, err := leveldb.OpenFile(path, &levelDBOptions)
	var corrupted *ldberrors.ErrCorrupted
	if errors.As(err, &corrupted) {
		klog.Storage.Warn().Str("path", path).Err(err).Msg("LevelDB corruption detected, recovering")
		ldb, err = leveldb.RecoverFile(path, &levelDBOptions)
		if err == nil {
			klog.Storage.Warn().Str("path", path).Msg("LevelDB recovered")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", path, err)
	}
	return &LevelDB{ldb: ldb}, nil
}

// Get retrieves a value by key. Returns ErrNotFound if the key does not exist.
func (l *LevelDB) Get(key []byte) ([]byte, error) {
	v, err := l.ldb.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("leveldb get %x: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb get: %w", err)
	}
	return v, nil
}

// Put stores a key-value pair.
func (l *LevelDB) Put(key, value []byte) error {
	if err := l.ldb.Put(key, value, nil); err != nil {
		return fmt.Errorf("leveldb put: %w", err)
	}
	return nil
}

// Delete removes a key.
func (l *LevelDB) Delete(key []byte) error {
	if err := l.ldb.Delete(key, nil); err != nil {
		return fmt.Errorf("leveldb delete: %w", err)
	}
	return nil
}

// Has checks if a key exists.
func (l *LevelDB) Has(key []byte) (bool, error) {
	ok, err := l.ldb.Has(key, nil)
	if err != nil {
		return false, fmt.Errorf("leveldb has: %w", err)
	}
	return ok, nil
}

// ForEach iterates over all keys with the given prefix.
func (l *LevelDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	it := l.ldb.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		// The iterator reuses its buffers between steps.
		key := append([]byte(nil), it.Key()...)
		val := append([]byte(nil), it.Value()...)
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return it.Error()
}

// NewBatch creates a leveldb write batch; Commit writes it atomically.
func (l *LevelDB) NewBatch() Batch {
	return &levelBatch{db: l.ldb, batch: new(leveldb.Batch)}
}

// Close closes the database.
func (l *LevelDB) Close() error {
	return l.ldb.Close()
}

type levelBatch struct {
	db    *leveldb.DB
	batch *leveldb.Batch
}

func (b *levelBatch) Put(key, value []byte) error {
	b.batch.Put(key, value)
	return nil
}

func (b *levelBatch) Delete(key []byte) error {
	b.batch.Delete(key)
	return nil
}

func (b *levelBatch) Commit() error {
	if err := b.db.Write(b.batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("leveldb write batch: %w", err)
	}
	b.batch.Reset()
	return nil
}

func (b *levelBatch) Discard() {
	b.batch.Reset()
}
