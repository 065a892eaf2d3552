package etagcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/syndtr/goleveldb/leveldb"
	lderrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB is a durable Cache backed by an embedded LevelDB database.
// Every part is a separate record keyed "<namespace>/<part number>".
type LevelDB struct {
	db  *leveldb.DB
	dir string

	// Parts are written with fsync: an acknowledged part must not be lost on crash.
	writeOpts *opt.WriteOptions
}

// NewLevelDB opens or creates the database in dir, recovering it if its manifest is corrupted.
func NewLevelDB(dir string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil && !lderrors.IsCorrupted(err) {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	if lderrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(dir, nil)
		if err != nil {
			return nil, fmt.Errorf("recover leveldb: %w", err)
		}
	}

	return &LevelDB{
		db:        db,
		dir:       dir,
		writeOpts: &opt.WriteOptions{Sync: true},
	}, nil
}

// Get ...
func (l *LevelDB) Get(_ context.Context, uploadID string, partNumber int) (string, bool, error) {
	value, err := l.db.Get(partKey(uploadID, partNumber), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get part %d of %s: %w", partNumber, uploadID, err)
	}
	return string(value), true, nil
}

// Put ...
func (l *LevelDB) Put(_ context.Context, uploadID string, partNumber int, etag string) error {
	if err := l.db.Put(partKey(uploadID, partNumber), []byte(etag), l.writeOpts); err != nil {
		return fmt.Errorf("put part %d of %s: %w", partNumber, uploadID, err)
	}
	return nil
}

// Clear ...
func (l *LevelDB) Clear(_ context.Context, uploadID string) error {
	iter := l.db.NewIterator(util.BytesPrefix(namespacePrefix(uploadID)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		batch.Delete(key)
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate parts of %s: %w", uploadID, err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := l.db.Write(batch, l.writeOpts); err != nil {
		return fmt.Errorf("clear parts of %s: %w", uploadID, err)
	}
	return nil
}

// Close closes the database.
func (l *LevelDB) Close() error {
	return l.db.Close()
}

func namespacePrefix(uploadID string) []byte {
	return []byte(Namespace(uploadID) + "/")
}

func partKey(uploadID string, partNumber int) []byte {
	return append(namespacePrefix(uploadID), strconv.Itoa(partNumber)...)
}
