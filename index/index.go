package index

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/btree"
)

var ErrKeyNotFound = errors.New("key not found in index")

// Indexer 有序的 key/value 存储，物化视图的底层实现
type Indexer interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error) // 不存在返回 ErrKeyNotFound
	Delete(key []byte) error        // 不存在时什么都不做
	Iterator(prefix []byte) Iterator
	Reset() error // 清空所有数据
	Close() error
}

type Item struct {
	key   []byte
	value []byte
}

func (x *Item) Less(y btree.Item) bool {
	return bytes.Compare(x.key, y.(*Item).key) == -1
}

type IdxType = int8

const (
	// BTREE 内存 btree 索引
	BTREE IdxType = iota + 1

	// PEBBLE cockroachdb/pebble
	PEBBLE

	// BADGER dgraph-io/badger
	BADGER

	// LEVELDB syndtr/goleveldb
	LEVELDB
)

// NewIndexer dirPath 为空时，支持内存模式的后端使用内存模式
func NewIndexer(ty IdxType, dirPath string) (Indexer, error) {
	switch ty {
	case BTREE:
		return NewBTree(), nil
	case PEBBLE:
		return NewPebble(dirPath)
	case BADGER:
		return NewBadger(dirPath)
	case LEVELDB:
		return NewLevelDB(dirPath)
	default:
		return nil, fmt.Errorf("unsupported index type %d", ty)
	}
}

// ParseIdxType 解析命令行中的索引类型
func ParseIdxType(name string) (IdxType, error) {
	switch name {
	case "btree", "":
		return BTREE, nil
	case "pebble":
		return PEBBLE, nil
	case "badger":
		return BADGER, nil
	case "leveldb":
		return LEVELDB, nil
	}
	return 0, fmt.Errorf("unknown index type %q", name)
}

// Iterator 只在 prefix 范围内按 key 升序遍历
type Iterator interface {
	Rewind()         // 回到起点
	Seek(key []byte) // 找到第一个大于等于key的位置
	Next()           // 下一个key
	Valid() bool     // 是否还有数据
	Key() []byte     // 当前key
	Value() []byte   // 当前value
	Close()          // 关闭迭代器，释放相应资源
}

// prefixEnd 返回大于所有以prefix开头的key的最小key，nil 表示没有上界
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
