package index

import (
	"bytes"
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Pebble 基于 cockroachdb/pebble 的持久化索引
type Pebble struct {
	db *pebble.DB
}

func NewPebble(dirPath string) (*Pebble, error) {
	opts := &pebble.Options{}
	if dirPath == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dirPath, opts)
	if err != nil {
		return nil, err
	}
	return &Pebble{db: db}, nil
}

func (p *Pebble) Put(key []byte, value []byte) error {
	return p.db.Set(key, value, pebble.NoSync)
}

func (p *Pebble) Get(key []byte) ([]byte, error) {
	value, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return bytes.Clone(value), nil
}

func (p *Pebble) Delete(key []byte) error {
	return p.db.Delete(key, pebble.NoSync)
}

func (p *Pebble) Reset() error {
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	batch := p.db.NewBatch()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := batch.Delete(iter.Key(), nil); err != nil {
			_ = iter.Close()
			return err
		}
	}
	if err := iter.Close(); err != nil {
		return err
	}
	return batch.Commit(pebble.NoSync)
}

func (p *Pebble) Close() error {
	return p.db.Close()
}

func (p *Pebble) Iterator(prefix []byte) Iterator {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return &btreeIterator{}
	}
	iter.First()
	return &pebbleIterator{iter: iter}
}

type pebbleIterator struct {
	iter *pebble.Iterator
}

func (pi *pebbleIterator) Rewind() {
	pi.iter.First()
}

func (pi *pebbleIterator) Seek(key []byte) {
	pi.iter.SeekGE(key)
}

func (pi *pebbleIterator) Next() {
	pi.iter.Next()
}

func (pi *pebbleIterator) Valid() bool {
	return pi.iter.Valid()
}

func (pi *pebbleIterator) Key() []byte {
	return bytes.Clone(pi.iter.Key())
}

func (pi *pebbleIterator) Value() []byte {
	return bytes.Clone(pi.iter.Value())
}

func (pi *pebbleIterator) Close() {
	_ = pi.iter.Close()
}
