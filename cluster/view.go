package cluster

import (
	"errors"
	"iter"

	"github.com/Hain2000/pairkv/index"
)

// View 物化视图: key -> 最后一次写入的值(msgpack编码)
// 只读接口对外开放，写入只发生在 Engine 内部
type View struct {
	indexer index.Indexer
}

func newView(indexer index.Indexer) *View {
	return &View{indexer: indexer}
}

// Get key 不存在时返回 (nil, false, nil)
func (v *View) Get(key string) ([]byte, bool, error) {
	value, err := v.indexer.Get([]byte(key))
	if errors.Is(err, index.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// All 按key升序遍历所有以prefix开头的记录，每次调用都从头开始
func (v *View) All(prefix string) iter.Seq2[string, []byte] {
	return func(yield func(string, []byte) bool) {
		it := v.indexer.Iterator([]byte(prefix))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if !yield(string(it.Key()), it.Value()) {
				return
			}
		}
	}
}

func (v *View) put(key string, value []byte) error {
	return v.indexer.Put([]byte(key), value)
}

func (v *View) del(key string) error {
	return v.indexer.Delete([]byte(key))
}

func (v *View) reset() error {
	return v.indexer.Reset()
}

func (v *View) close() error {
	return v.indexer.Close()
}
