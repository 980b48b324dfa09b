package oplog

import (
	"errors"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// raftLog 把 raft.LogStore 当作单写者日志使用，raft 的 Index 就是 seq
type raftLog struct {
	mu     sync.Mutex
	store  raft.LogStore
	closer io.Closer
	last   uint64
}

func openBoltLog(path string, sync bool) (*raftLog, error) {
	store, err := raftboltdb.New(raftboltdb.Options{
		Path:   path,
		NoSync: !sync,
	})
	if err != nil {
		return nil, err
	}
	return newRaftLog(store, store)
}

func newMemoryLog() *raftLog {
	l, _ := newRaftLog(raft.NewInmemStore(), nil)
	return l
}

func newRaftLog(store raft.LogStore, closer io.Closer) (*raftLog, error) {
	last, err := store.LastIndex()
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}
	return &raftLog{store: store, closer: closer, last: last}, nil
}

func (l *raftLog) Append(data []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store == nil {
		return 0, ErrLogClosed
	}
	next := l.last + 1
	err := l.store.StoreLog(&raft.Log{
		Index: next,
		Term:  1,
		Type:  raft.LogCommand,
		Data:  data,
	})
	if err != nil {
		return 0, err
	}
	l.last = next
	return next, nil
}

func (l *raftLog) Get(seq uint64) ([]byte, error) {
	l.mu.Lock()
	store := l.store
	l.mu.Unlock()
	if store == nil {
		return nil, ErrLogClosed
	}
	var entry raft.Log
	if err := store.GetLog(seq, &entry); err != nil {
		if errors.Is(err, raft.ErrLogNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return entry.Data, nil
}

func (l *raftLog) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func (l *raftLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.store = nil
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
