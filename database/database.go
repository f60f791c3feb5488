// Package database wraps the key value store backing the action log and the
// general settings table. All methods are safe for concurrent use.
package database

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a key is not present in the database.
var ErrNotFound = lerrors.ErrNotFound

// Putter wraps the write operation supported by both batches and databases.
type Putter interface {
	Put(key, value []byte) error
}

// Database wraps the operations the server needs from the storage engine.
type Database interface {
	Putter
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Delete(key []byte) error
	NewBatch() Batch
	Close()
}

// Batch is a write-only view that commits all queued writes atomically when
// Write is called. A Batch must not be used concurrently.
type Batch interface {
	Putter
	Delete(key []byte) error
	Write() error
	Reset()
}

// LDBDatabase is a leveldb-backed Database.
type LDBDatabase struct {
	path   string
	db     *leveldb.DB
	logger *zap.Logger
}

// Open opens (creating if necessary) a leveldb database at path, recovering
// from a partially written store if possible.
func Open(path string, logger *zap.Logger) (*LDBDatabase, error) {
	db, err := leveldb.OpenFile(path, nil)
	if _, corrupted := err.(*lerrors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return &LDBDatabase{path: path, db: db, logger: logger}, nil
}

// NewMemDatabase returns a Database backed by in-memory storage. Used in tests
// and does not survive a restart.
func NewMemDatabase() *LDBDatabase {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		panic("open in-memory leveldb: " + err.Error())
	}
	return &LDBDatabase{path: "inmem", db: db, logger: zap.NewNop()}
}

// Path returns the path of the database directory.
func (db *LDBDatabase) Path() string {
	return db.path
}

func (db *LDBDatabase) Put(key, value []byte) error {
	if err := db.db.Put(key, value, nil); err != nil {
		return fmt.Errorf("put value: %w", err)
	}
	return nil
}

func (db *LDBDatabase) Get(key []byte) ([]byte, error) {
	value, err := db.db.Get(key, nil)
	if err != nil {
		return nil, fmt.Errorf("get value: %w", err)
	}
	return value, nil
}

func (db *LDBDatabase) Has(key []byte) (bool, error) {
	has, err := db.db.Has(key, nil)
	if err != nil {
		return false, fmt.Errorf("check value: %w", err)
	}
	return has, nil
}

func (db *LDBDatabase) Delete(key []byte) error {
	if err := db.db.Delete(key, nil); err != nil {
		return fmt.Errorf("delete value: %w", err)
	}
	return nil
}

// NewBatch returns a Batch committing against this database.
func (db *LDBDatabase) NewBatch() Batch {
	return &ldbBatch{db: db.db, batch: new(leveldb.Batch)}
}

// Close flushes pending writes and closes the underlying store.
func (db *LDBDatabase) Close() {
	if err := db.db.Close(); err != nil {
		db.logger.Error("failed to close database",
			zap.String("path", db.path), zap.Error(err))
		return
	}
	db.logger.Info("database closed", zap.String("path", db.path))
}

type ldbBatch struct {
	db    *leveldb.DB
	batch *leveldb.Batch
}

func (b *ldbBatch) Put(key, value []byte) error {
	b.batch.Put(key, value)
	return nil
}

func (b *ldbBatch) Delete(key []byte) error {
	b.batch.Delete(key)
	return nil
}

func (b *ldbBatch) Write() error {
	if err := b.db.Write(b.batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	return nil
}

func (b *ldbBatch) Reset() {
	b.batch.Reset()
}
