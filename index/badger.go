package index

import (
	"bytes"
	"errors"

	"github.com/dgraph-io/badger/v4"
)

// Badger dirPath 为空时使用内存模式
type Badger struct {
	db *badger.DB
}

func NewBadger(dirPath string) (*Badger, error) {
	opts := badger.DefaultOptions(dirPath).WithLogger(nil)
	if dirPath == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Put(key []byte, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(bytes.Clone(key), bytes.Clone(value))
	})
}

func (b *Badger) Get(key []byte) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	return value, err
}

func (b *Badger) Delete(key []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(bytes.Clone(key))
	})
}

func (b *Badger) Reset() error {
	return b.db.DropAll()
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func (b *Badger) Iterator(prefix []byte) Iterator {
	txn := b.db.NewTransaction(false)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	bi := &badgerIterator{
		txn:    txn,
		iter:   txn.NewIterator(opts),
		prefix: prefix,
	}
	bi.Rewind()
	return bi
}

type badgerIterator struct {
	txn    *badger.Txn
	iter   *badger.Iterator
	prefix []byte
}

func (bi *badgerIterator) Rewind() {
	bi.iter.Seek(bi.prefix)
}

func (bi *badgerIterator) Seek(key []byte) {
	if bytes.Compare(key, bi.prefix) < 0 {
		key = bi.prefix
	}
	bi.iter.Seek(key)
}

func (bi *badgerIterator) Next() {
	bi.iter.Next()
}

func (bi *badgerIterator) Valid() bool {
	return bi.iter.ValidForPrefix(bi.prefix)
}

func (bi *badgerIterator) Key() []byte {
	return bi.iter.Item().KeyCopy(nil)
}

func (bi *badgerIterator) Value() []byte {
	value, err := bi.iter.Item().ValueCopy(nil)
	if err != nil {
		return nil
	}
	return value
}

func (bi *badgerIterator) Close() {
	bi.iter.Close()
	bi.txn.Discard()
}
