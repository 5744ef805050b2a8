// Package memorydb implements an in-memory tosdb.KeyValueStore, used by
// the block store in tests and in the monitor's ephemeral (--db-dir="")
// mode.
package memorydb

import (
	"errors"
	"sort"
	"sync"

	"github.com/aura-tools/poa-monitor/tosdb"
)

// ErrNotFound is returned by Get on a miss, matching goleveldb's sentinel.
var ErrNotFound = errors.New("memorydb: key not found")

// Database is a trivial map-backed, mutex-guarded KeyValueStore.
type Database struct {
	lock sync.RWMutex
	db   map[string][]byte
}

// New creates an empty in-memory database.
func New() *Database {
	return &Database{db: make(map[string][]byte)}
}

func (d *Database) Has(key []byte) (bool, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	_, ok := d.db[string(key)]
	return ok, nil
}

func (d *Database) Get(key []byte) ([]byte, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if v, ok := d.db[string(key)]; ok {
		cp := make([]byte, len(v))
		copy(cp, v)
		return cp, nil
	}
	return nil, ErrNotFound
}

func (d *Database) Put(key, value []byte) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	d.db[string(key)] = cp
	return nil
}

func (d *Database) Delete(key []byte) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	delete(d.db, string(key))
	return nil
}

func (d *Database) Close() error { return nil }

func (d *Database) NewBatch() tosdb.Batch {
	return &batch{db: d}
}

func (d *Database) NewIterator(prefix, start []byte) tosdb.Iterator {
	d.lock.RLock()
	defer d.lock.RUnlock()

	var keys []string
	for k := range d.db {
		if len(prefix) > 0 && (len(k) < len(prefix) || k[:len(prefix)] != string(prefix)) {
			continue
		}
		if len(start) > 0 && k < string(prefix)+string(start) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = append([]byte(nil), d.db[k]...)
	}
	return &iterator{keys: keys, values: values, idx: -1}
}

type iterator struct {
	keys   []string
	values [][]byte
	idx    int
}

func (it *iterator) Next() bool {
	it.idx++
	return it.idx < len(it.keys)
}

func (it *iterator) Key() []byte {
	if it.idx < 0 || it.idx >= len(it.keys) {
		return nil
	}
	return []byte(it.keys[it.idx])
}

func (it *iterator) Value() []byte {
	if it.idx < 0 || it.idx >= len(it.values) {
		return nil
	}
	return it.values[it.idx]
}

func (it *iterator) Release() {}

type keyvalue struct {
	key    []byte
	value  []byte
	delete bool
}

type batch struct {
	db   *Database
	ops  []keyvalue
	size int
}

func (b *batch) Put(key, value []byte) error {
	b.ops = append(b.ops, keyvalue{append([]byte(nil), key...), append([]byte(nil), value...), false})
	b.size += len(key) + len(value)
	return nil
}

func (b *batch) Delete(key []byte) error {
	b.ops = append(b.ops, keyvalue{append([]byte(nil), key...), nil, true})
	b.size += len(key)
	return nil
}

func (b *batch) ValueSize() int { return b.size }

func (b *batch) Write() error {
	b.db.lock.Lock()
	defer b.db.lock.Unlock()
	for _, op := range b.ops {
		if op.delete {
			delete(b.db.db, string(op.key))
		} else {
			b.db.db[string(op.key)] = op.value
		}
	}
	return nil
}

func (b *batch) Reset() {
	b.ops = b.ops[:0]
	b.size = 0
}
