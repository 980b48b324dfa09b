package index

import (
	"bytes"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB dirPath 为空时使用内存存储
type LevelDB struct {
	db *leveldb.DB
}

func NewLevelDB(dirPath string) (*LevelDB, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if dirPath == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(dirPath, nil)
	}
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Put(key []byte, value []byte) error {
	return l.db.Put(key, value, nil)
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	return value, err
}

func (l *LevelDB) Delete(key []byte) error {
	return l.db.Delete(key, nil)
}

func (l *LevelDB) Reset() error {
	iter := l.db.NewIterator(nil, nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(bytes.Clone(iter.Key()))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	return l.db.Write(batch, nil)
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

func (l *LevelDB) Iterator(prefix []byte) Iterator {
	li := &levelIterator{iter: l.db.NewIterator(util.BytesPrefix(prefix), nil)}
	li.Rewind()
	return li
}

type levelIterator struct {
	iter iterator.Iterator
}

func (li *levelIterator) Rewind() {
	li.iter.First()
}

func (li *levelIterator) Seek(key []byte) {
	li.iter.Seek(key)
}

func (li *levelIterator) Next() {
	li.iter.Next()
}

func (li *levelIterator) Valid() bool {
	return li.iter.Valid()
}

func (li *levelIterator) Key() []byte {
	return bytes.Clone(li.iter.Key())
}

func (li *levelIterator) Value() []byte {
	return bytes.Clone(li.iter.Value())
}

func (li *levelIterator) Close() {
	li.iter.Release()
}
