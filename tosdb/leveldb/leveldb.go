// Package leveldb implements a tosdb.KeyValueStore on top of
// github.com/syndtr/goleveldb, the durable backend cmd/auramonitor opens
// for --db-dir.
package leveldb

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/aura-tools/poa-monitor/tosdb"
)

// Database wraps a goleveldb handle.
type Database struct {
	db *leveldb.DB
}

// New opens (creating if absent) the LevelDB database at path.
func New(path string) (*Database, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if _, corrupted := err.(*errors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	return &Database{db: db}, nil
}

func (d *Database) Has(key []byte) (bool, error) { return d.db.Has(key, nil) }

func (d *Database) Get(key []byte) ([]byte, error) { return d.db.Get(key, nil) }

func (d *Database) Put(key, value []byte) error { return d.db.Put(key, value, nil) }

func (d *Database) Delete(key []byte) error { return d.db.Delete(key, nil) }

func (d *Database) Close() error { return d.db.Close() }

func (d *Database) NewBatch() tosdb.Batch {
	return &batch{db: d.db, b: new(leveldb.Batch)}
}

func (d *Database) NewIterator(prefix, start []byte) tosdb.Iterator {
	return d.db.NewIterator(bytesPrefixRange(prefix, start), nil)
}

func bytesPrefixRange(prefix, start []byte) *util.Range {
	r := util.BytesPrefix(prefix)
	r.Start = append(r.Start, start...)
	return r
}

type batch struct {
	db   *leveldb.DB
	b    *leveldb.Batch
	size int
}

func (b *batch) Put(key, value []byte) error {
	b.b.Put(key, value)
	b.size += len(key) + len(value)
	return nil
}

func (b *batch) Delete(key []byte) error {
	b.b.Delete(key)
	b.size += len(key)
	return nil
}

func (b *batch) ValueSize() int { return b.size }

func (b *batch) Write() error { return b.db.Write(b.b, nil) }

func (b *batch) Reset() {
	b.b.Reset()
	b.size = 0
}
