package index

import (
	"bytes"
	"sort"
	"sync"

	"github.com/google/btree"
)

// BTree 内存索引，进程重启后由日志重放恢复
type BTree struct {
	tree *btree.BTree
	lock *sync.RWMutex
}

func NewBTree() *BTree {
	return &BTree{
		tree: btree.New(32),
		lock: new(sync.RWMutex),
	}
}

func (bt *BTree) Put(key []byte, value []byte) error {
	it := &Item{key: bytes.Clone(key), value: bytes.Clone(value)}
	bt.lock.Lock()
	bt.tree.ReplaceOrInsert(it)
	bt.lock.Unlock()
	return nil
}

func (bt *BTree) Get(key []byte) ([]byte, error) {
	bt.lock.RLock()
	btreeItem := bt.tree.Get(&Item{key: key})
	bt.lock.RUnlock()
	if btreeItem == nil {
		return nil, ErrKeyNotFound
	}
	return bytes.Clone(btreeItem.(*Item).value), nil
}

func (bt *BTree) Delete(key []byte) error {
	bt.lock.Lock()
	bt.tree.Delete(&Item{key: key})
	bt.lock.Unlock()
	return nil
}

func (bt *BTree) Size() int {
	bt.lock.RLock()
	defer bt.lock.RUnlock()
	return bt.tree.Len()
}

func (bt *BTree) Reset() error {
	bt.lock.Lock()
	bt.tree.Clear(false)
	bt.lock.Unlock()
	return nil
}

func (bt *BTree) Close() error {
	return nil
}

// Iterator 迭代创建时的快照，之后的写入不可见
func (bt *BTree) Iterator(prefix []byte) Iterator {
	var items []*Item
	collect := func(it btree.Item) bool {
		item := it.(*Item)
		if !bytes.HasPrefix(item.key, prefix) {
			return false
		}
		items = append(items, item)
		return true
	}
	bt.lock.RLock()
	bt.tree.AscendGreaterOrEqual(&Item{key: prefix}, collect)
	bt.lock.RUnlock()
	return &btreeIterator{values: items}
}

type btreeIterator struct {
	currIndex int
	values    []*Item
}

func (bti *btreeIterator) Rewind() {
	bti.currIndex = 0
}

func (bti *btreeIterator) Seek(key []byte) {
	bti.currIndex = sort.Search(len(bti.values), func(i int) bool {
		return bytes.Compare(bti.values[i].key, key) >= 0
	})
}

func (bti *btreeIterator) Next() {
	bti.currIndex++
}

func (bti *btreeIterator) Valid() bool {
	return bti.currIndex < len(bti.values)
}

func (bti *btreeIterator) Key() []byte {
	return bti.values[bti.currIndex].key
}

func (bti *btreeIterator) Value() []byte {
	return bti.values[bti.currIndex].value
}

func (bti *btreeIterator) Close() {
	bti.values = nil
}
